// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/recipes"
	"github.com/gomlx/evt/pkg/epilogue/reduce"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/evt/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("tile=64x16, workers=4,async,kernel=2x8,depth=32")
	require.NoError(t, err)
	assert.Equal(t, tile.Shape{M: 64, N: 16}, cfg.Tile)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Async)
	assert.Equal(t, 2, cfg.KernelRows)
	assert.Equal(t, 8, cfg.KernelCols)
	assert.Equal(t, 32, cfg.PanelDepth)
	assert.Equal(t, DefaultConfig().Stages, cfg.Stages)

	roundTrip, err := ParseConfig(cfg.String())
	require.NoError(t, err)
	assert.Equal(t, cfg, roundTrip)

	cfg, err = ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	for _, config := range []string{"tile=64", "bogus=1", "workers=0", "stages=x", "async=maybe"} {
		_, err = ParseConfig(config)
		assert.Error(t, err, "configuration %q should fail", config)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EVT_GEMM_CONFIG, "tile=8x8,parallelism=0")
	cfg := ConfigFromEnv()
	assert.Equal(t, tile.Shape{M: 8, N: 8}, cfg.Tile)
	assert.Equal(t, 0, cfg.Parallelism)

	t.Setenv(EVT_GEMM_CONFIG, "tile=8")
	assert.Equal(t, DefaultConfig(), ConfigFromEnv())
}

// reference returns A·B for each batch, computed with gonum.
func reference(problem tile.Problem, a, b []float32) []float64 {
	widen := func(x float32) float64 { return float64(x) }
	result := make([]float64, 0, problem.L*problem.M*problem.N)
	for l := range problem.L {
		batchA := xslices.Map(a[l*problem.M*problem.K:(l+1)*problem.M*problem.K], widen)
		batchB := xslices.Map(b[l*problem.K*problem.N:(l+1)*problem.K*problem.N], widen)
		var product mat.Dense
		product.Mul(mat.NewDense(problem.M, problem.K, batchA), mat.NewDense(problem.K, problem.N, batchB))
		result = append(result, product.RawMatrix().Data...)
	}
	return result
}

func randomSlice(rng *rand.Rand, size int) []float32 {
	values := make([]float32, size)
	for ii := range values {
		values[ii] = rng.Float32()*2 - 1
	}
	return values
}

func TestRun(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	problem := tile.Problem{M: 37, N: 29, K: 45, L: 2}
	a := randomSlice(rng, problem.L*problem.M*problem.K)
	b := randomSlice(rng, problem.L*problem.K*problem.N)
	source := tile.Tensor[float64]{Data: xslices.Map(randomSlice(rng, problem.L*problem.M*problem.N),
		func(x float32) float64 { return float64(x) }), Stride: tile.RowMajor(problem.M, problem.N)}
	product := reference(problem, a, b)
	want := make([]float64, len(product))
	for ii := range want {
		want[ii] = 2*product[ii] + 0.5*source.Data[ii]
	}

	for _, config := range []string{
		"",
		"tile=8x16,workers=3,kernel=3x5,depth=7",
		"tile=16x8,fragment=5,parallelism=0,stages=1",
		"tile=64x64,workers=4,async,parallelism=-1",
		"tile=5x7,kernel=1x1,depth=1,async,parallelism=2",
	} {
		t.Run(config, func(t *testing.T) {
			p, err := New(must.M1(ParseConfig(config)))
			require.NoError(t, err)
			d := tile.NewTensor[float64](problem)
			recipe := recipes.LinearCombination[float64, float64](numeric.RoundToNearest)
			kernel, err := recipe.Compile(recipes.LinearCombinationArgs[float64]{Alpha: 2, Beta: 0.5}, d, p.Fusion(problem))
			require.NoError(t, err)
			require.NoError(t, Run(p, kernel, Inputs[float32, float64]{A: a, B: b, Source: source}))
			assert.InDeltaSlice(t, want, d.Data, 1e-9)
		})
	}
}

func TestRunEpilogues(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	problem := tile.Problem{M: 19, N: 23, K: 11, L: 2}
	a := randomSlice(rng, problem.L*problem.M*problem.K)
	b := randomSlice(rng, problem.L*problem.K*problem.N)
	product := reference(problem, a, b)
	p := must.M1(New(must.M1(ParseConfig("tile=8x8,workers=2,kernel=4x4,depth=4,async"))))

	t.Run("grouped", func(t *testing.T) {
		d := tile.NewTensor[float32](problem)
		recipe := recipes.LinearCombinationGrouped[float64, float32](numeric.RoundToNearest)
		args := recipes.LinearCombinationGroupedArgs[float64]{AlphaPtrArray: [][]float64{{1}, {-3}}}
		kernel, err := recipe.Compile(args, d, p.Fusion(problem))
		require.NoError(t, err)
		source := tile.NewTensor[float32](problem)
		require.NoError(t, Run(p, kernel, Inputs[float32, float32]{A: a, B: b, Source: source, Groups: []int{1, 0}}))
		batchSize := problem.M * problem.N
		for ii, v := range product {
			alpha := 1.0
			if ii < batchSize {
				alpha = -3
			}
			assert.InDelta(t, float32(alpha*v), d.Data[ii], 1e-5)
		}
	})

	t.Run("amax", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		amax := reduce.NewScalar[float64](reduce.MaxAbs)
		root := fusion.EVT(fusion.ScalarReduction[float64](reduce.MaxAbs), fusion.AccFetch[float64]())
		kernel, err := fusion.Compile(root, fusion.EVTArgs{Op: fusion.ReductionArgs[float64]{Dest: amax}}, d, p.Fusion(problem))
		require.NoError(t, err)
		require.NoError(t, Run(p, kernel, Inputs[float32, float64]{A: a, B: b}))
		assert.InDeltaSlice(t, product, d.Data, 1e-9)
		absolute := xslices.Map(product, math.Abs)
		assert.InDelta(t, floats.Max(absolute), amax.Value(), 1e-9)
	})

	t.Run("row sums", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		sums := reduce.NewVector[float64](reduce.Sum, problem.M*problem.L)
		root := fusion.EVT(fusion.RowReduction[float64](reduce.Sum), fusion.AccFetch[float64]())
		args := fusion.EVTArgs{Op: fusion.ReductionArgs[float64]{Dest: sums, Stride: recipes.PerRow.Vector(tile.Step(problem.M))}}
		kernel, err := fusion.Compile(root, args, d, p.Fusion(problem))
		require.NoError(t, err)
		require.NoError(t, Run(p, kernel, Inputs[float32, float64]{A: a, B: b}))
		for row := range problem.M * problem.L {
			assert.InDelta(t, floats.Sum(product[row*problem.N:(row+1)*problem.N]), sums.At(row), 1e-9)
		}
	})

	t.Run("errors", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		recipe := recipes.LinearCombination[float64, float64](numeric.RoundToNearest)
		kernel, err := recipe.Compile(recipes.LinearCombinationArgs[float64]{Alpha: 1}, d, p.Fusion(problem))
		require.NoError(t, err)
		require.ErrorContains(t, Run(p, kernel, Inputs[float32, float64]{A: a, B: b}), "prior output")
		require.ErrorContains(t, Run(p, kernel, Inputs[float32, float64]{A: a[:10], B: b, Source: d}), "A has 10 elements")
		require.ErrorContains(t, Run(p, kernel, Inputs[float32, float64]{A: a, B: b, Source: d, Groups: []int{0}}), "1 groups given")
	})
}
