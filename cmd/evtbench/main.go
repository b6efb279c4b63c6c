// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// evtbench lists the catalogue of fused epilogues, and runs a selection of them on a random matrix
// multiplication with the reference gemm pipeline, reporting their throughput.
//
// The pipeline is configured with -gemm, or else with the environment variable EVT_GEMM_CONFIG.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/evt/pkg/core/dtypes/float8"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/gemm"
	"github.com/gomlx/evt/pkg/epilogue/recipes"
	"github.com/gomlx/evt/pkg/epilogue/reduce"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/evt/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	flagList       = flag.Bool("list", false, "Lists the catalogue of recipes for the selected -dtype and exits.")
	flagDType      = flag.String("dtype", "float32", "Element type of D, and of the bias and auxiliary tensors: float32, float16, bfloat16, f8e4m3fn or f8e5m2.")
	flagProblem    = flag.String("problem", "256x256x256x1", "Problem size as <M>x<N>x<K>[x<L>].")
	flagRecipes    = flag.String("recipes", "", "Comma-separated list of recipes to run. Empty runs all of them.")
	flagActivation = flag.String("activation", "relu", "Activation used by the recipes with an activation.")
	flagRound      = flag.String("round", "nearest", "Rounding to the output type: nearest or zero.")
	flagRepeat     = flag.Int("repeat", 10, "Number of timed runs of each recipe, after one warm-up run.")
	flagSeed       = flag.Uint64("seed", 42, "Seed of the random inputs.")
	flagGemm       = flag.String("gemm", "", fmt.Sprintf("Configuration of the gemm pipeline. If empty, it is read from %s.", gemm.EVT_GEMM_CONFIG))
	flagPlot       = flag.String("plot", "", "If set, saves a bar chart of the throughput of each recipe to the given file (.png, .svg or .pdf).")
	flagQuiet      = flag.Bool("quiet", false, "Disables the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'evtbench -help'.", flag.Args())
		os.Exit(1)
	}

	dtype, found := dtypes.MapOfNames[strings.ToLower(*flagDType)]
	if !found {
		klog.Errorf("Unknown -dtype=%q. See 'evtbench -help'.", *flagDType)
		os.Exit(1)
	}
	var err error
	switch dtype {
	case dtypes.Float32:
		err = bench[float32]()
	case dtypes.Float16:
		err = bench[float16.Float16]()
	case dtypes.BFloat16:
		err = bench[bfloat16.BFloat16]()
	case dtypes.F8E4M3FN:
		err = bench[float8.E4M3FN]()
	case dtypes.F8E5M2:
		err = bench[float8.E5M2]()
	default:
		err = errors.Errorf("-dtype=%s is not supported as output, use a float type", dtype)
	}
	if err != nil {
		klog.Errorf("evtbench failed: %+v", err)
		os.Exit(1)
	}
}

// options of a run of evtbench, parsed from the flags.
type options struct {
	problem    tile.Problem
	activation fusion.ActivationType
	round      numeric.RoundStyle
	selected   []string
}

func parseOptions() (opts options, err error) {
	if opts.problem, err = parseProblem(*flagProblem); err != nil {
		return
	}
	if opts.activation, err = fusion.ParseActivation(*flagActivation); err != nil {
		return
	}
	if opts.round, err = numeric.ParseRoundStyle(*flagRound); err != nil {
		return
	}
	if *flagRecipes != "" {
		opts.selected = xslices.Map(strings.Split(*flagRecipes, ","), strings.TrimSpace)
	}
	if *flagRepeat <= 0 {
		err = errors.Errorf("-repeat must be > 0, got %d", *flagRepeat)
	}
	return
}

// parseProblem parses "<M>x<N>x<K>[x<L>]".
func parseProblem(value string) (problem tile.Problem, err error) {
	parts := strings.Split(strings.ToLower(value), "x")
	if len(parts) != 3 && len(parts) != 4 {
		return problem, errors.Errorf("problem %q must be formatted as <M>x<N>x<K>[x<L>]", value)
	}
	dims := []*int{&problem.M, &problem.N, &problem.K, &problem.L}
	problem.L = 1
	for ii, part := range parts {
		if *dims[ii], err = strconv.Atoi(strings.TrimSpace(part)); err != nil {
			return problem, errors.Wrapf(err, "invalid problem %q", value)
		}
	}
	if err = problem.Validate(); err != nil {
		return problem, errors.WithMessagef(err, "invalid problem %q", value)
	}
	return
}

// bench lists or runs the recipes with output type T.
func bench[T dtypes.Element]() error {
	opts, err := parseOptions()
	if err != nil {
		return err
	}
	catalogue := recipes.NewCatalogue[float32, T](recipes.CatalogueOptions{
		Activation: opts.activation,
		Round:      opts.round,
		Groups:     wgradGroups,
	})
	if *flagList {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Recipes (D=%s)", dtypes.FromGenericsType[T]())))
		fmt.Println(catalogueTable(catalogue).Render())
		return nil
	}

	p := gemm.NewFromEnv()
	if *flagGemm != "" {
		cfg, err := gemm.ParseConfig(*flagGemm)
		if err != nil {
			return err
		}
		p = must.M1(gemm.New(cfg))
	}
	results, err := runAll[T](p, catalogue, opts, *flagRepeat, *flagSeed, *flagQuiet)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			klog.Errorf("Recipe %s failed: %+v", r.Name, r.Err)
		}
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Problem %s, D=%s, gemm: %s",
		opts.problem, dtypes.FromGenericsType[T](), p.Config())))
	fmt.Println(resultsTable(results).Render())
	if *flagPlot != "" {
		title := plotTitle(opts.problem, dtypes.FromGenericsType[T]().String())
		if err := plotResults(title, results, *flagPlot); err != nil {
			return err
		}
		klog.Infof("Plot saved to %q", *flagPlot)
	}
	return nil
}

// runAll runs the selected benchmarks, all of them if opts.selected is empty. Selected names must be in
// the catalogue.
func runAll[T dtypes.Element](p *gemm.Pipeline, catalogue *recipes.Catalogue, opts options, repeat int, seed uint64, quiet bool) ([]result, error) {
	problem := opts.problem
	amax := reduce.NewScalar[float32](reduce.MaxAbs)
	all := benchmarks[T](problem, opts.activation, opts.round, seed, amax)
	selected := all
	if len(opts.selected) > 0 {
		byName := make(map[string]benchmark[T], len(all))
		for _, b := range all {
			byName[b.name] = b
		}
		selected = make([]benchmark[T], 0, len(opts.selected))
		for _, name := range opts.selected {
			if _, err := catalogue.Describe(name); err != nil {
				return nil, err
			}
			b, found := byName[name]
			if !found {
				return nil, errors.Errorf("recipe %q has no benchmark, benchmarked recipes: %s", name,
					strings.Join(xslices.Map(all, func(b benchmark[T]) string { return b.name }), ", "))
			}
			selected = append(selected, b)
		}
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	in := gemm.Inputs[float32, T]{
		A:      randomVector[float32](rng, problem.L*problem.M*problem.K, opts.round),
		B:      randomVector[float32](rng, problem.L*problem.K*problem.N, opts.round),
		Source: tile.Tensor[T]{Data: randomVector[T](rng, problem.L*problem.M*problem.N, opts.round), Stride: tile.RowMajor(problem.M, problem.N)},
	}
	klog.V(1).Infof("Running %d recipes on problem %s", len(selected), problem)

	pBar := newProgressBar(len(selected), quiet)
	defer pBar.finish()
	results := make([]result, 0, len(selected))
	for _, b := range selected {
		pBar.start(b.name)
		results = append(results, runBenchmark(p, b, problem, in, repeat, amax))
		pBar.done()
	}
	return results, nil
}
