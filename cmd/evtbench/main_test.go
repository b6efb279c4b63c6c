// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/evt/pkg/core/dtypes/float8"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/gemm"
	"github.com/gomlx/evt/pkg/epilogue/recipes"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProblem(t *testing.T) {
	problem, err := parseProblem("16x8x4")
	require.NoError(t, err)
	assert.Equal(t, tile.Problem{M: 16, N: 8, K: 4, L: 1}, problem)

	problem, err = parseProblem("16X8x4x3")
	require.NoError(t, err)
	assert.Equal(t, tile.Problem{M: 16, N: 8, K: 4, L: 3}, problem)

	for _, value := range []string{"16x8", "16x8x4x3x2", "16xax4", "0x8x4"} {
		_, err = parseProblem(value)
		assert.Error(t, err, "problem %q should fail", value)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", formatDuration(1234567))
	assert.Equal(t, "0.00s", formatDuration(0))
}

func testOptions(selected ...string) options {
	return options{
		problem:    tile.Problem{M: 12, N: 10, K: 7, L: 2},
		activation: fusion.ActivationReLU,
		round:      numeric.RoundToNearest,
		selected:   selected,
	}
}

func TestRunAll(t *testing.T) {
	p := must.M1(gemm.New(must.M1(gemm.ParseConfig("tile=4x8,workers=2,parallelism=2"))))

	t.Run("float32", func(t *testing.T) {
		opts := testOptions()
		catalogue := recipes.NewCatalogue[float32, float32](recipes.CatalogueOptions{Groups: wgradGroups})
		results, err := runAll[float32](p, catalogue, opts, 2, 1, true)
		require.NoError(t, err)
		require.Len(t, results, len(benchmarks[float32](opts.problem, opts.activation, opts.round, 1, nil)))
		for _, r := range results {
			require.NoError(t, r.Err, "recipe %s", r.Name)
			assert.Equal(t, 2, r.Runs)
			assert.LessOrEqual(t, r.Min, r.Mean)
			assert.False(t, r.HasAmax)
		}

		fileName := filepath.Join(t.TempDir(), "throughput.svg")
		require.NoError(t, plotResults(plotTitle(opts.problem, "float32"), results, fileName))
		assert.FileExists(t, fileName)
		assert.Contains(t, resultsTable(results).Render(), "LinCombDeEltActDeBias")
	})

	t.Run("fp8 amax", func(t *testing.T) {
		opts := testOptions("ScaledLinCombBiasEltActAmaxAuxPerRow")
		catalogue := recipes.NewCatalogue[float32, float8.E4M3FN](recipes.CatalogueOptions{})
		results, err := runAll[float8.E4M3FN](p, catalogue, opts, 1, 1, true)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		assert.True(t, results[0].HasAmax)
		assert.Greater(t, results[0].Amax, 0.0)
	})

	t.Run("unknown recipes", func(t *testing.T) {
		catalogue := recipes.NewCatalogue[float32, float32](recipes.CatalogueOptions{})
		_, err := runAll[float32](p, catalogue, testOptions("NoSuchRecipe"), 1, 1, true)
		require.ErrorContains(t, err, "unknown recipe")
		_, err = runAll[float32](p, catalogue, testOptions("VecLinCombBiasPerRow"), 1, 1, true)
		require.ErrorContains(t, err, "has no benchmark")
	})

	t.Run("nothing to plot", func(t *testing.T) {
		require.Error(t, plotResults("empty", nil, filepath.Join(t.TempDir(), "empty.png")))
	})
}

func TestCatalogueTable(t *testing.T) {
	catalogue := recipes.NewCatalogue[float32, float8.E5M2](recipes.CatalogueOptions{})
	rendered := catalogueTable(catalogue).Render()
	for _, name := range catalogue.Names() {
		assert.Contains(t, rendered, name)
	}
}
