// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"
	"time"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/gemm"
	"github.com/gomlx/evt/pkg/epilogue/recipes"
	"github.com/gomlx/evt/pkg/epilogue/reduce"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/evt/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// compileFn compiles the epilogue of a benchmark, storing to d.
type compileFn[T dtypes.Element] func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error)

// benchmark is one recipe run with random arguments.
type benchmark[T dtypes.Element] struct {
	name string

	// extraBytes is the number of bytes read or written by the epilogue besides D, for a problem.
	extraBytes func(problem tile.Problem) int

	compile compileFn[T]
}

// result of running a benchmark.
type result struct {
	Name           string
	Problem        tile.Problem
	Runs           int
	Mean, Min, Max time.Duration
	StdDev         time.Duration
	GFlops         float64

	// EpilogueBytes read or written by the epilogue besides D.
	EpilogueBytes int

	// Amax of D, if HasAmax.
	Amax    float64
	HasAmax bool

	Err error
}

// seconds converts durations to float64 seconds, for gonum.
func seconds(durations []time.Duration) []float64 {
	return xslices.Map(durations, func(d time.Duration) float64 { return d.Seconds() })
}

func fromSeconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// randomVector of n values in [-1, 1), narrowed to E.
func randomVector[E dtypes.Element](rng *rand.Rand, n int, round numeric.RoundStyle) []E {
	narrow := numeric.Narrow[float32, E](round)
	values := make([]E, n)
	for ii := range values {
		values[ii] = narrow(rng.Float32()*2 - 1)
	}
	return values
}

// wgradGroups is the number of groups of LinearCombinationGroupedWgrad, the catalogue default.
const wgradGroups = 2

// benchmarks lists the recipes exercised by evtbench with output type T.
//
// Bias and auxiliary tensors are of type T, and the compute precision is float32.
func benchmarks[T dtypes.Element](problem tile.Problem, act fusion.ActivationType, round numeric.RoundStyle, seed uint64, amax *reduce.Dest[float32]) []benchmark[T] {
	rng := rand.New(rand.NewPCG(seed, 1))
	elementSize := dtypes.FromGenericsType[T]().Size()
	batchM, batchN := tile.Step(problem.M), tile.Step(problem.N)
	rowBias := randomVector[T](rng, problem.M*problem.L, round)
	colBias := randomVector[T](rng, problem.N*problem.L, round)
	aux := randomVector[T](rng, problem.M*problem.N*problem.L, round)
	auxStride := tile.RowMajor(problem.M, problem.N)
	linComb := recipes.LinearCombinationArgs[float32]{Alpha: 1, Beta: 0.5}
	gradAct := act
	if !gradAct.HasGrad() {
		gradAct = fusion.ActivationReLU
	}

	noBytes := func(tile.Problem) int { return 0 }
	tensorBytes := func(p tile.Problem) int { return p.M * p.N * p.L * elementSize }

	return []benchmark[T]{
		{
			name:       "ScaledAcc",
			extraBytes: noBytes,
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				return recipes.ScaledAcc[float32, T](round).Compile(recipes.ScaledAccArgs[float32]{Alpha: 2}, d, cfg)
			},
		},
		{
			name:       "LinearCombination",
			extraBytes: tensorBytes,
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				return recipes.LinearCombination[float32, T](round).Compile(linComb, d, cfg)
			},
		},
		{
			name:       "LinCombEltAct",
			extraBytes: tensorBytes,
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				args := recipes.LinCombEltActArgs[float32]{LinearCombinationArgs: linComb}
				return recipes.LinCombEltAct[float32, T](act, round).Compile(args, d, cfg)
			},
		},
		{
			name:       "LinCombBiasPerRow",
			extraBytes: func(p tile.Problem) int { return tensorBytes(p) + p.M*p.L*elementSize },
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				args := recipes.LinCombBiasArgs[float32, T]{LinearCombinationArgs: linComb,
					Bias: rowBias, BiasStride: recipes.PerRow.Vector(batchM)}
				return recipes.LinCombBias[float32, T, T](recipes.PerRow, round).Compile(args, d, cfg)
			},
		},
		{
			name:       "LinCombBiasEltActAuxPerCol",
			extraBytes: func(p tile.Problem) int { return 2*tensorBytes(p) + p.N*p.L*elementSize },
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				args := recipes.LinCombBiasEltActAuxArgs[float32, T, T]{
					LinCombBiasEltActArgs: recipes.LinCombBiasEltActArgs[float32, T]{
						LinCombBiasArgs: recipes.LinCombBiasArgs[float32, T]{LinearCombinationArgs: linComb,
							Bias: colBias, BiasStride: recipes.PerCol.Vector(batchN)},
					},
					Aux: aux, AuxStride: auxStride,
				}
				return recipes.LinCombBiasEltActAux[float32, T, T, T](recipes.PerCol, act, round).Compile(args, d, cfg)
			},
		},
		{
			name:       "ScaledLinCombBiasEltActAmaxAuxPerRow",
			extraBytes: func(p tile.Problem) int { return 2*tensorBytes(p) + p.M*p.L*elementSize },
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				args := recipes.DefaultAmaxAuxArgs[float32, T, T, T]()
				args.LinearCombinationArgs = linComb
				args.ScaleA, args.ScaleB, args.ScaleD = 0.5, 2, 0.5
				args.Bias, args.BiasStride = rowBias, recipes.PerRow.Vector(batchM)
				args.AmaxD, args.Aux, args.AuxStride = amax, aux, auxStride
				return recipes.ScaledLinCombBiasEltActAmaxAux[float32, T, T, T](recipes.PerRow, act, round).Compile(args, d, cfg)
			},
		},
		{
			name:       "LinCombDeEltActDeBias",
			extraBytes: func(p tile.Problem) int { return 2 * tensorBytes(p) },
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				args := recipes.LinCombDeEltActDeBiasArgs[float32, T]{
					LinCombDeEltActArgs: recipes.LinCombDeEltActArgs[float32, T]{LinearCombinationArgs: linComb,
						Aux: aux, AuxStride: auxStride},
					DBias:       reduce.NewVector[float32](reduce.Sum, problem.M*problem.L),
					DBiasStride: recipes.PerRow.Vector(batchM),
				}
				recipe := recipes.LinCombDeEltActDeBias[float32, T, T](gradAct, fusion.LoadOptions{}, round)
				return recipe.Compile(args, d, cfg)
			},
		},
		{
			name:       "LinearCombinationGroupedWgrad",
			extraBytes: tensorBytes,
			compile: func(cfg fusion.Config, d tile.Tensor[T]) (*fusion.Kernel[float32, T], error) {
				return recipes.LinearCombinationGroupedWgrad[float32, T](wgradGroups, round).Compile(linComb, d, cfg)
			},
		},
	}
}

// runBenchmark compiles bench and runs it repeat times on the pipeline, after one warm-up run.
func runBenchmark[T dtypes.Element](p *gemm.Pipeline, bench benchmark[T], problem tile.Problem, in gemm.Inputs[float32, T], repeat int, amax *reduce.Dest[float32]) result {
	r := result{Name: bench.name, Problem: problem, EpilogueBytes: bench.extraBytes(problem)}
	d := tile.NewTensor[T](problem)
	kernel, err := bench.compile(p.Fusion(problem), d)
	if err != nil {
		r.Err = err
		return r
	}
	if !kernel.SourceNeeded() {
		in.Source = tile.Tensor[T]{}
	}

	durations := make([]time.Duration, 0, repeat)
	for ii := -1; ii < repeat; ii++ {
		amax.Reset()
		start := time.Now()
		if err := gemm.Run(p, kernel, in); err != nil {
			r.Err = errors.WithMessagef(err, "benchmark %s", bench.name)
			return r
		}
		if ii >= 0 {
			durations = append(durations, time.Since(start))
		}
	}
	r.Runs = len(durations)
	secs := seconds(durations)
	mean, std := stat.MeanStdDev(secs, nil)
	r.Mean, r.StdDev = fromSeconds(mean), fromSeconds(std)
	r.Min, r.Max = fromSeconds(floats.Min(secs)), fromSeconds(floats.Max(secs))
	flops := 2 * float64(problem.M) * float64(problem.N) * float64(problem.K) * float64(problem.L)
	if mean > 0 {
		r.GFlops = flops / mean / 1e9
	}
	if bench.name == "ScaledLinCombBiasEltActAmaxAuxPerRow" && dtypes.IsNarrowFloat[T]() {
		r.HasAmax, r.Amax = true, float64(amax.Value())
	}
	return r
}
