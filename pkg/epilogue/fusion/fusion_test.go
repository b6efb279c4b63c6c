// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"math"
	"testing"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/dtypes/float8"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/reduce"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/evt/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// tileOf extracts the tile of ctx from a full row-major problem-sized matrix.
func tileOf(ctx *tile.Context[float64], full []float64) []float64 {
	values := make([]float64, ctx.Shape.Size())
	tensor := tile.Tensor[float64]{Data: full, Stride: tile.RowMajor(ctx.Problem.M, ctx.Problem.N)}
	tile.LoadTile(ctx, tensor, func(x float64) float64 { return x }, 0, values)
	return values
}

// runTiles runs the kernel on all tiles of its problem, with the accumulator and source given as
// full row-major matrices. Optional setup functions can change each tile Context before it runs.
func runTiles[T dtypes.Element](t *testing.T, k *Kernel[float64, T], acc, source []float64, setup ...func(ctx *tile.Context[float64])) {
	cfg := k.Config()
	tilesM, tilesN := cfg.Tile.Count(cfg.Problem)
	storage := tile.NewSharedStorage()
	for l := range cfg.Problem.L {
		for tm := range tilesM {
			for tn := range tilesN {
				ctx := &tile.Context[float64]{
					Problem: cfg.Problem,
					Shape:   cfg.Tile,
					Coord:   tile.Coord{M: tm, N: tn, L: l},
					Storage: storage,
					Copier:  tile.SyncCopy{},
				}
				ctx.Acc = tileOf(ctx, acc)
				if source != nil {
					ctx.Source = tileOf(ctx, source)
				}
				for _, fn := range setup {
					fn(ctx)
				}
				require.NoError(t, k.Run(ctx))
			}
		}
	}
}

func scalarArgs(values ...float64) ScalarArgs[float64] {
	return ScalarArgs[float64]{Scalars: xslices.Map(values, ScalarValue[float64])}
}

// linearCombination builds alpha·acc + beta·C.
func linearCombination() Node[float64] {
	return EVT(Compute(MultiplyAdd[float64]()),
		ScalarBroadcast[float64](1),
		AccFetch[float64](),
		EVT(Compute(Multiplies[float64]()), ScalarBroadcast[float64](1), SrcFetch[float64]()))
}

func linearCombinationArgs(alpha, beta float64) Args {
	return EVTArgs{Children: []Args{scalarArgs(alpha), nil, EVTArgs{Children: []Args{scalarArgs(beta)}}}}
}

func TestLinearCombination(t *testing.T) {
	problem := tile.Problem{M: 2, N: 2, K: 1, L: 1}
	acc := []float64{1, 2, 3, 4}
	source := []float64{10, 10, 10, 10}
	for _, cfg := range []Config{
		{Problem: problem, Tile: tile.Shape{M: 2, N: 2}},
		{Problem: problem, Tile: tile.Shape{M: 1, N: 2}, Workers: 2, FragmentSize: 1},
		{Problem: problem, Tile: tile.Shape{M: 3, N: 3}, Workers: 3, FragmentSize: 2},
	} {
		t.Run(cfg.Tile.String(), func(t *testing.T) {
			d := tile.NewTensor[float32](problem)
			k, err := Compile(linearCombination(), linearCombinationArgs(2, 0.5), d, cfg)
			require.NoError(t, err)
			assert.True(t, k.SourceNeeded())
			runTiles(t, k, acc, source)
			assert.Equal(t, []float32{7, 9, 11, 13}, d.Data)
		})
	}

	t.Run("source required", func(t *testing.T) {
		d := tile.NewTensor[float32](problem)
		k, err := Compile(linearCombination(), linearCombinationArgs(2, 0.5), d, Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}})
		require.NoError(t, err)
		ctx := &tile.Context[float64]{Problem: problem, Shape: tile.Shape{M: 2, N: 2}, Acc: acc}
		require.Error(t, k.Run(ctx))
	})

	t.Run("no source", func(t *testing.T) {
		d := tile.NewTensor[float32](problem)
		root := EVT(Compute(Multiplies[float64]()), ScalarBroadcast[float64](1), AccFetch[float64]())
		k, err := Compile(root, EVTArgs{Children: []Args{scalarArgs(3)}}, d, Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}})
		require.NoError(t, err)
		assert.False(t, k.SourceNeeded())
		runTiles(t, k, acc, nil)
		assert.Equal(t, []float32{3, 6, 9, 12}, d.Data)
	})

	t.Run("mismatched tile", func(t *testing.T) {
		d := tile.NewTensor[float32](problem)
		k, err := Compile(linearCombination(), nil, d, Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}})
		require.NoError(t, err)
		ctx := &tile.Context[float64]{Problem: problem, Shape: tile.Shape{M: 1, N: 1}, Acc: []float64{1}}
		require.Error(t, k.Run(ctx))
	})
}

func TestScalarBroadcast(t *testing.T) {
	problem := tile.Problem{M: 1, N: 2, K: 1, L: 2}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 1, N: 2}}
	acc := []float64{1, 2, 3, 4}
	root := EVT(Compute(Multiplies[float64]()), ScalarBroadcast[float64](2), AccFetch[float64]())

	t.Run("batch stride", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		args := EVTArgs{Children: []Args{ScalarArgs[float64]{Scalars: []Scalar[float64]{
			{Ptr: []float64{1, 10}, Stride: tile.One},
			{Value: 2},
		}}}}
		k, err := Compile(root, args, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		assert.Equal(t, []float64{2, 4, 60, 80}, d.Data)
	})

	t.Run("broadcast batch stride", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		args := EVTArgs{Children: []Args{ScalarArgs[float64]{Scalars: []Scalar[float64]{
			{Ptr: []float64{5, 10}, Stride: tile.Zero},
			{Value: 1},
		}}}}
		k, err := Compile(root, args, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		assert.Equal(t, []float64{5, 10, 15, 20}, d.Data)
	})

	t.Run("grouped", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		args := EVTArgs{Children: []Args{ScalarArgs[float64]{Scalars: []Scalar[float64]{
			{PtrArray: [][]float64{{1}, {3}}},
			{Value: 2},
		}}}}
		k, err := Compile(root, args, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil, func(ctx *tile.Context[float64]) { ctx.Group = 1 })
		assert.Equal(t, []float64{6, 12, 18, 24}, d.Data)
	})

	t.Run("nil args", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		k, err := Compile(root, nil, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		assert.Equal(t, []float64{0, 0, 0, 0}, d.Data)
	})
}

func TestVectorBroadcast(t *testing.T) {
	problem := tile.Problem{M: 2, N: 3, K: 1, L: 1}
	acc := make([]float64, 6)
	plusBias := func(bias Node[float64]) Node[float64] {
		return EVT(Compute(Plus[float64]()), AccFetch[float64](), bias)
	}
	compile := func(t *testing.T, root Node[float64], biasArgs Args) *tile.Tensor[float64] {
		d := tile.NewTensor[float64](problem)
		k, err := Compile(root, EVTArgs{Children: []Args{nil, biasArgs}}, d,
			Config{Problem: problem, Tile: tile.Shape{M: 1, N: 2}, Workers: 2, FragmentSize: 1})
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		return &d
	}

	t.Run("per-row", func(t *testing.T) {
		d := compile(t, plusBias(RowBroadcast[float64, float32]()),
			TensorArgs[float64, float32]{Ptr: []float32{100, 200}, Stride: tile.Stride{M: tile.One}})
		assert.Equal(t, []float64{100, 100, 100, 200, 200, 200}, d.Data)
	})

	t.Run("per-column", func(t *testing.T) {
		d := compile(t, plusBias(ColBroadcast[float64, float16.Float16]()),
			TensorArgs[float64, float16.Float16]{
				Ptr:    []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2), float16.Fromfloat32(3)},
				Stride: tile.Stride{N: tile.One},
			})
		assert.Equal(t, []float64{1, 2, 3, 1, 2, 3}, d.Data)
	})

	t.Run("zero stride", func(t *testing.T) {
		d := compile(t, plusBias(RowBroadcast[float64, float64]()),
			TensorArgs[float64, float64]{Ptr: []float64{7, 8}, Stride: tile.Stride{M: tile.Step(0)}})
		assert.Equal(t, xslices.SliceWithValue(6, 7.0), d.Data)
	})

	t.Run("dynamic stride and null", func(t *testing.T) {
		// Column 0 reads element 0, column 1 element 2, and column 2 falls out of the data.
		d := compile(t, plusBias(ColBroadcast[float64, float64]()),
			TensorArgs[float64, float64]{Ptr: []float64{1, -1, 2, -1}, Null: -5, Stride: tile.Stride{N: tile.Step(2)}})
		assert.Equal(t, []float64{1, 2, -5, 1, 2, -5}, d.Data)
	})

	t.Run("nil pointer", func(t *testing.T) {
		d := compile(t, plusBias(RowBroadcast[float64, float64]()), TensorArgs[float64, float64]{Null: 4})
		assert.Equal(t, xslices.SliceWithValue(6, 4.0), d.Data)
	})

	t.Run("non-broadcast stride", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		_, err := Compile(plusBias(RowBroadcast[float64, float64]()),
			EVTArgs{Children: []Args{nil, TensorArgs[float64, float64]{Ptr: []float64{1, 2}, Stride: tile.Stride{M: tile.One, N: tile.Step(0)}}}},
			d, Config{Problem: problem, Tile: tile.Shape{M: 2, N: 3}})
		require.ErrorContains(t, err, "static broadcast")
	})
}

func TestReductions(t *testing.T) {
	problem := tile.Problem{M: 3, N: 5, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 2, N: 4}, Workers: 3, FragmentSize: 3}

	uniform := func(t *testing.T, op reduce.Op, v float64) float64 {
		dest := reduce.NewScalar[float64](op)
		d := tile.NewTensor[float64](problem)
		root := EVT(ScalarReduction[float64](op), ScalarBroadcast[float64](1))
		k, err := Compile(root, EVTArgs{Op: ReductionArgs[float64]{Dest: dest}, Children: []Args{scalarArgs(v)}}, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, make([]float64, 15), nil)
		if !math.IsNaN(v) {
			assert.Equal(t, xslices.SliceWithValue(15, v), d.Data)
		}
		return dest.Value()
	}
	t.Run("uniform", func(t *testing.T) {
		assert.Equal(t, 45.0, uniform(t, reduce.Sum, 3))
		assert.Equal(t, 3.0, uniform(t, reduce.MaxAbs, -3))
		assert.Equal(t, -3.0, uniform(t, reduce.Min, -3))
		assert.True(t, math.IsNaN(uniform(t, reduce.MaxAbs, math.NaN())))
	})

	acc := xslices.Iota(1.0, 15)
	t.Run("per-row", func(t *testing.T) {
		dest := reduce.NewVector[float64](reduce.Sum, 3)
		d := tile.NewTensor[float64](problem)
		root := EVT(RowReduction[float64](reduce.Sum), AccFetch[float64]())
		k, err := Compile(root, EVTArgs{Op: ReductionArgs[float64]{Dest: dest, Stride: tile.Stride{M: tile.One}}}, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		assert.Equal(t, []float64{15, 40, 65}, dest.Values())
		assert.Equal(t, acc, d.Data)
	})

	t.Run("per-column", func(t *testing.T) {
		dest := reduce.NewVector[float64](reduce.Max, 5)
		d := tile.NewTensor[float64](problem)
		root := EVT(ColReduction[float64](reduce.Max), AccFetch[float64]())
		k, err := Compile(root, EVTArgs{Op: ReductionArgs[float64]{Dest: dest, Stride: tile.Stride{N: tile.One}}}, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		assert.Equal(t, []float64{11, 12, 13, 14, 15}, dest.Values())
	})

	t.Run("disabled", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		root := EVT(ScalarReduction[float64](reduce.Sum), AccFetch[float64]())
		k, err := Compile(root, nil, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		assert.Equal(t, acc, d.Data)
	})

	t.Run("errors", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		root := EVT(ScalarReduction[float64](reduce.Sum), AccFetch[float64]())
		_, err := Compile(root, EVTArgs{Op: ReductionArgs[float64]{Dest: reduce.NewScalar[float64](reduce.Max)}}, d, cfg)
		require.ErrorContains(t, err, "destination of Max")

		root = EVT(RowReduction[float64](reduce.Sum), AccFetch[float64]())
		_, err = Compile(root, EVTArgs{Op: ReductionArgs[float64]{Dest: reduce.NewVector[float64](reduce.Sum, 3), Stride: tile.RowMajor(3, 5)}}, d, cfg)
		require.ErrorContains(t, err, "static broadcast along N")
	})
}

func TestTopKSoftmax(t *testing.T) {
	problem := tile.Problem{M: 4, N: 2, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 4, N: 2}, Workers: 2, FragmentSize: 3}
	root := EVT(TopKSoftmax[float64](2), AccFetch[float64]())

	d := tile.NewTensor[float64](problem)
	k, err := Compile(root, nil, d, cfg)
	require.NoError(t, err)
	// Column 0 is [5, 1, 3, 9]; column 1 has a tie at the boundary.
	runTiles(t, k, []float64{5, 2, 1, 2, 3, 2, 9, 1}, nil)
	denominator := 1 + math.Exp(-4)
	want := []float64{
		math.Exp(-4) / denominator, 0.5,
		0, 0.5,
		0, 0,
		1 / denominator, 0,
	}
	assert.InDeltaSlice(t, want, d.Data, 1e-12)

	t.Run("NaN", func(t *testing.T) {
		problem := tile.Problem{M: 3, N: 1, K: 1, L: 1}
		d := tile.NewTensor[float64](problem)
		k, err := Compile(EVT(TopKSoftmax[float64](1), AccFetch[float64]()), nil, d, Config{Problem: problem, Tile: tile.Shape{M: 4, N: 1}})
		require.NoError(t, err)
		runTiles(t, k, []float64{1, math.NaN(), 100}, nil)
		assert.Equal(t, 0.0, d.Data[0])
		assert.True(t, math.IsNaN(d.Data[1]))
		assert.Equal(t, 0.0, d.Data[2])
	})

	t.Run("errors", func(t *testing.T) {
		_, err := Compile(EVT(Compute(Identity[float64]()), root), nil, d, cfg)
		require.ErrorContains(t, err, "must be the root")

		_, err = Compile(root, nil, d, Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}})
		require.ErrorContains(t, err, "cover all")

		_, err = Compile(EVT(TopKSoftmax[float64](5), AccFetch[float64]()), nil, d, cfg)
		require.ErrorContains(t, err, "k <= tile rows")
	})
}

func TestSplit(t *testing.T) {
	problem := tile.Problem{M: 3, N: 3, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}, Workers: 2, FragmentSize: 1}
	acc := xslices.Iota(1.0, 9)

	t.Run("echo", func(t *testing.T) {
		slot := NewSlot[float64]("z")
		root := Split(slot,
			EVT(Compute(Multiplies[float64]()), ScalarBroadcast[float64](1), AccFetch[float64]()),
			EVT(AuxStore[float64, float32](StoreOptions{}), Fetch(slot)),
			Fetch(slot))
		aux := tile.NewTensor[float32](problem)
		d := tile.NewTensor[float64](problem)
		args := SplitArgs{
			Producer:  EVTArgs{Children: []Args{scalarArgs(2)}},
			Consumers: []Args{EVTArgs{Op: StoreArgs[float32]{Ptr: aux.Data, Stride: aux.Stride}}},
		}
		k, err := Compile(root, args, d, cfg)
		require.NoError(t, err)
		runTiles(t, k, acc, nil)
		want := xslices.Map(acc, func(x float64) float64 { return 2 * x })
		assert.Equal(t, want, d.Data)
		assert.Equal(t, xslices.Map(want, func(x float64) float32 { return float32(x) }), aux.Data)
	})

	t.Run("errors", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		slot := NewSlot[float64]("z")
		acc := AccFetch[float64]()
		plus := Compute(Plus[float64]())

		_, err := Compile(Fetch(slot), nil, d, cfg)
		require.ErrorContains(t, err, "not bound by an enclosing Split")

		_, err = Compile(Split(slot, Fetch(slot), Fetch(slot)), nil, d, cfg)
		require.ErrorContains(t, err, "not bound by an enclosing Split")

		_, err = Compile(EVT(plus, Split(slot, acc, Fetch(slot)), Fetch(slot)), nil, d, cfg)
		require.ErrorContains(t, err, "outside the consumers")

		_, err = Compile(EVT(plus, Split(slot, acc, Fetch(slot)), Split(slot, acc, Fetch(slot))), nil, d, cfg)
		require.ErrorContains(t, err, "more than once")

		_, err = Compile(Split(slot, acc), nil, d, cfg)
		require.ErrorContains(t, err, "at least one consumer")
	})
}

func TestFirstElidesChildren(t *testing.T) {
	problem := tile.Problem{M: 2, N: 2, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}}
	acc := []float64{1, 2, 3, 4}
	// The second child gets arguments of the wrong type: it is only an error if it is bound.
	args := EVTArgs{Children: []Args{nil, "not scalar arguments"}}

	d := tile.NewTensor[float64](problem)
	k, err := Compile(EVT(Compute(First[float64]()), AccFetch[float64](), ScalarBroadcast[float64](1)), args, d, cfg)
	require.NoError(t, err)
	runTiles(t, k, acc, nil)
	assert.Equal(t, acc, d.Data)

	_, err = Compile(EVT(Compute(Multiplies[float64]()), AccFetch[float64](), ScalarBroadcast[float64](1)), args, d, cfg)
	require.ErrorContains(t, err, "expected arguments of type")
}

func TestAuxLoad(t *testing.T) {
	problem := tile.Problem{M: 2, N: 3, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}, Workers: 2, FragmentSize: 2}
	acc := []float64{1, 2, 3, 4, 5, 6}
	z := xslices.Map([]float32{-1, 2, -3, 4, -5, 6}, float16.Fromfloat32)
	root := EVT(Compute(ActivationGrad[float64](ActivationReLU)),
		AccFetch[float64](), AuxLoad[float64, float16.Float16](LoadOptions{Alignment: 1}))
	args := EVTArgs{Children: []Args{nil, TensorArgs[float64, float16.Float16]{Ptr: z, Stride: tile.RowMajor(2, 3)}}}

	for _, name := range []string{"sync", "async"} {
		t.Run(name, func(t *testing.T) {
			d := tile.NewTensor[float64](problem)
			k, err := Compile(root, args, d, cfg)
			require.NoError(t, err)
			var async tile.AsyncCopy
			runTiles(t, k, acc, nil, func(ctx *tile.Context[float64]) {
				if name == "async" {
					ctx.Copier = &async
				}
			})
			async.Wait()
			assert.Equal(t, []float64{0, 2, 0, 4, 0, 6}, d.Data)
		})
	}

	t.Run("misaligned", func(t *testing.T) {
		d := tile.NewTensor[float64](problem)
		misaligned := EVT(Compute(Plus[float64]()), AccFetch[float64](), AuxLoad[float64, float16.Float16](LoadOptions{Alignment: 4}))
		_, err := Compile(misaligned, args, d, cfg)
		require.ErrorContains(t, err, "not aligned")
	})
}

func TestAuxStore(t *testing.T) {
	problem := tile.Problem{M: 2, N: 2, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}}
	aux := tile.NewTensor[float8.E4M3FN](problem)
	d := tile.NewTensor[float64](problem)
	root := EVT(AuxStore[float64, float8.E4M3FN](StoreOptions{Stages: 1}), AccFetch[float64]())
	k, err := Compile(root, EVTArgs{Op: StoreArgs[float8.E4M3FN]{Ptr: aux.Data, Stride: aux.Stride}}, d, cfg)
	require.NoError(t, err)
	acc := []float64{1, -2, 1000, 0.5}
	runTiles(t, k, acc, nil)
	assert.Equal(t, acc, d.Data)
	assert.Equal(t, []float64{1, -2, float8.MaxE4M3FN, 0.5}, xslices.Map(aux.Data, float8.E4M3FN.Float64))

	_, err = Compile(root, nil, d, cfg)
	require.ErrorContains(t, err, "requires a tensor")
}

// failingFn is a Compute function that panics when visited.
func failingFn() Fn[float64] {
	return &simpleFn[float64]{name: "Failing", minInputs: 1, maxInputs: 1, fn: func(in [][]float64, out []float64) {
		panic(errors.New("value out of range"))
	}}
}

func TestRunErrors(t *testing.T) {
	problem := tile.Problem{M: 2, N: 2, K: 1, L: 2}
	shape := tile.Shape{M: 2, N: 2}
	cfg := Config{Problem: problem, Tile: shape, StagesD: 1}
	acc := []float64{1, 2, 3, 4}
	newContext := func(storage *tile.SharedStorage, l int) *tile.Context[float64] {
		return &tile.Context[float64]{Problem: problem, Shape: shape, Coord: tile.Coord{L: l}, Acc: acc,
			Storage: storage, Copier: tile.SyncCopy{}}
	}
	// Loads aux2 and stores to aux, both with a single staging buffer. The load begins before inner.
	withAux := func(inner Node[float64]) Node[float64] {
		return EVT(AuxStore[float64, float32](StoreOptions{Stages: 1}),
			EVT(Compute(Plus[float64]()), AuxLoad[float64, float32](LoadOptions{Alignment: 1, Stages: 1}), inner))
	}

	t.Run("scalar pointer out of range", func(t *testing.T) {
		aux, aux2, d := tile.NewTensor[float32](problem), tile.NewTensor[float32](problem), tile.NewTensor[float32](problem)
		root := withAux(EVT(Compute(Multiplies[float64]()), ScalarBroadcast[float64](1), AccFetch[float64]()))
		args := EVTArgs{
			Op: StoreArgs[float32]{Ptr: aux.Data, Stride: aux.Stride},
			Children: []Args{EVTArgs{Children: []Args{
				TensorArgs[float64, float32]{Ptr: aux2.Data, Stride: aux2.Stride},
				EVTArgs{Children: []Args{ScalarArgs[float64]{Scalars: []Scalar[float64]{{Ptr: []float64{3}, Stride: tile.One}}}}},
			}}},
		}
		k, err := Compile(root, args, d, cfg)
		require.NoError(t, err)
		storage := tile.NewSharedStorage()

		// Batch 0 is in range; batch 1 reads past the pointer.
		require.NoError(t, k.Run(newContext(storage, 0)))
		for range 3 {
			require.ErrorContains(t, k.Run(newContext(storage, 1)), "failed beginning")
		}
		assert.Equal(t, []float32{3, 6, 9, 12, 0, 0, 0, 0}, d.Data)
		assert.Equal(t, []float32{3, 6, 9, 12, 0, 0, 0, 0}, aux.Data)

		// Staging buffers were all released.
		require.NoError(t, k.Run(newContext(storage, 0)))
	})

	t.Run("failed visit stores nothing", func(t *testing.T) {
		aux, aux2, d := tile.NewTensor[float32](problem), tile.NewTensor[float32](problem), tile.NewTensor[float32](problem)
		root := withAux(EVT(Compute(failingFn()), AccFetch[float64]()))
		args := EVTArgs{
			Op: StoreArgs[float32]{Ptr: aux.Data, Stride: aux.Stride},
			Children: []Args{EVTArgs{Children: []Args{
				TensorArgs[float64, float32]{Ptr: aux2.Data, Stride: aux2.Stride},
			}}},
		}
		k, err := Compile(root, args, d, cfg)
		require.NoError(t, err)
		storage := tile.NewSharedStorage()
		for range 3 {
			require.ErrorContains(t, k.Run(newContext(storage, 0)), "value out of range")
		}
		assert.Equal(t, make([]float32, 8), d.Data)
		assert.Equal(t, make([]float32, 8), aux.Data)
	})
}

func TestConvert(t *testing.T) {
	problem := tile.Problem{M: 1, N: 3, K: 1, L: 1}
	d := tile.NewTensor[float64](problem)
	root := EVT(Compute(Convert[float64, float8.E4M3FN](numeric.RoundToNearest)), AccFetch[float64]())
	k, err := Compile(root, nil, d, Config{Problem: problem, Tile: tile.Shape{M: 1, N: 3}})
	require.NoError(t, err)
	runTiles(t, k, []float64{500, -1, 0.25}, nil)
	assert.Equal(t, []float64{448, -1, 0.25}, d.Data)
}

func TestGroupedWgrad(t *testing.T) {
	problem := tile.Problem{M: 4, N: 4, K: 1, L: 1}
	d := tile.NewTensor[float64](problem)
	k, err := Compile(AccFetchGroupedWgrad[float64](2), nil, d, Config{Problem: problem, Tile: tile.Shape{M: 4, N: 4}})
	require.NoError(t, err)
	runTiles(t, k, xslices.SliceWithValue(16, 1.0), nil)
	assert.Equal(t, []float64{
		1, 1, 0, 0,
		1, 1, 0, 0,
		0, 0, 1, 1,
		0, 0, 1, 1,
	}, d.Data)

	_, err = Compile(AccFetchGroupedWgrad[float64](3), nil, d, Config{Problem: problem, Tile: tile.Shape{M: 4, N: 4}})
	require.ErrorContains(t, err, "not divisible")
}

func TestBuildErrors(t *testing.T) {
	problem := tile.Problem{M: 2, N: 2, K: 1, L: 1}
	cfg := Config{Problem: problem, Tile: tile.Shape{M: 2, N: 2}}
	d := tile.NewTensor[float64](problem)

	_, err := Compile(ScalarBroadcast[float64](1), "wrong", d, cfg)
	require.ErrorContains(t, err, "expected arguments of type")

	_, err = Compile(ScalarBroadcast[float64](1), scalarArgs(1, 2), d, cfg)
	require.ErrorContains(t, err, "expected 1 scalars, got 2")

	_, err = Compile(EVT(Compute(MultiplyAdd[float64]()), AccFetch[float64]()), nil, d, cfg)
	require.ErrorContains(t, err, "takes 3 to 3 children")

	_, err = Compile(EVT(Compute(Identity[float64]()), AccFetch[float64]()), EVTArgs{Children: []Args{nil, nil}}, d, cfg)
	require.ErrorContains(t, err, "2 children arguments given for 1 children")

	_, err = Compile(EVT(Compute(ActivationGrad[float64](ActivationHardSwish)), AccFetch[float64](), AccFetch[float64]()), nil, d, cfg)
	require.ErrorContains(t, err, "has no gradient")

	_, err = Compile(AccFetch[float64](), nil, tile.Tensor[float64]{}, cfg)
	require.ErrorContains(t, err, "output tensor D is required")

	_, err = Compile(AccFetch[float64](), nil, d, Config{Problem: problem})
	require.ErrorContains(t, err, "invalid tile shape")
}
