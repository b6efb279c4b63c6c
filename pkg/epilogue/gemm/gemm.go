// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemm is a reference pipeline for fused epilogues: a packed, cache-blocked CPU matrix
// multiplication that computes each output tile's accumulator and hands it, in a tile.Context, to a
// compiled fusion.Kernel that produces the output.
//
// Tiles are processed in groups, one group per column of tiles of a batch: the packed panels of B
// are shared by the tiles of the group. Groups run in parallel on a workerspool.Pool, each worker
// with its own staging storage and copy engine.
package gemm

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/evt/internal/workerspool"
	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pipeline runs matrix multiplications with fused epilogues.
type Pipeline struct {
	cfg  Config
	pool *workerspool.Pool
}

// New returns a Pipeline with the given configuration.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, pool: workerspool.NewWithParallelism(cfg.Parallelism)}, nil
}

// NewFromEnv returns a Pipeline configured with ConfigFromEnv.
func NewFromEnv() *Pipeline {
	p, err := New(ConfigFromEnv())
	if err != nil {
		// ConfigFromEnv only returns valid configurations.
		panic(err)
	}
	return p
}

// Config returns the configuration of the pipeline.
func (p *Pipeline) Config() Config { return p.cfg }

// Fusion returns the configuration of an epilogue kernel for problem run by this pipeline.
func (p *Pipeline) Fusion(problem tile.Problem) fusion.Config { return p.cfg.Fusion(problem) }

// Inputs of a matrix multiplication D = epilogue(A·B, C), with input element type I and prior
// output element type S.
type Inputs[I, S dtypes.Element] struct {
	// A is the row-major [L, M, K] left-hand side, and B the row-major [L, K, N] right-hand side.
	A, B []I

	// Source is the prior output C. It is only read if the epilogue needs it.
	Source tile.Tensor[S]

	// Groups maps each batch to its problem group, used by grouped epilogue arguments.
	// If nil, all batches are in group 0.
	Groups []int
}

// Run computes A·B and runs kernel on each output tile. The problem and the tiling are the ones the
// kernel was compiled with, see Pipeline.Fusion.
//
// It returns after all outputs (D and auxiliary stores) are written.
func Run[C numeric.Float, T, I, S dtypes.Element](p *Pipeline, kernel *fusion.Kernel[C, T], in Inputs[I, S]) error {
	cfg := kernel.Config()
	problem := cfg.Problem
	if want := problem.L * problem.M * problem.K; len(in.A) < want {
		return errors.Errorf("gemm.Run: A has %d elements, problem %s requires %d", len(in.A), problem, want)
	}
	if want := problem.L * problem.K * problem.N; len(in.B) < want {
		return errors.Errorf("gemm.Run: B has %d elements, problem %s requires %d", len(in.B), problem, want)
	}
	if kernel.SourceNeeded() && in.Source.IsNil() {
		return errors.Errorf("gemm.Run: epilogue %s reads the prior output C, but none was given", kernel)
	}
	if in.Groups != nil && len(in.Groups) != problem.L {
		return errors.Errorf("gemm.Run: %d groups given for %d batches", len(in.Groups), problem.L)
	}

	tilesM, tilesN := cfg.Tile.Count(problem)
	numGroups := problem.L * tilesN
	work := make(chan tile.Coord, numGroups)
	for l := range problem.L {
		for tn := range tilesN {
			work <- tile.Coord{N: tn, L: l}
		}
	}
	close(work)
	klog.V(2).Infof("gemm.Run: problem %s in %d x %d tiles of %s, %d tile groups, parallelism=%d, async=%t",
		problem, tilesM, tilesN, cfg.Tile, numGroups, p.pool.MaxParallelism(), p.cfg.Async)

	var (
		failed   atomic.Bool
		errOnce  sync.Once
		firstErr error
	)
	p.pool.Saturate(func() {
		g := newTileGroup(p, kernel, in)
		defer g.finish()
		for coord := range work {
			if failed.Load() {
				continue
			}
			if err := g.run(coord.L, coord.N); err != nil {
				failed.Store(true)
				errOnce.Do(func() { firstErr = err })
			}
		}
	})
	return firstErr
}

// tileGroup holds the buffers of one worker of the pipeline, reused across the tile groups it runs.
type tileGroup[C numeric.Float, T, I, S dtypes.Element] struct {
	cfg    Config
	kernel *fusion.Kernel[C, T]
	fusion fusion.Config
	in     Inputs[I, S]

	widenInput  func(I) C
	widenSource func(S) C

	storage *tile.SharedStorage
	copier  tile.CopyEngine
	async   *tile.AsyncCopy

	// rhsPanels are the packed panels of B for the current column of tiles, one per depth panel.
	rhsPanels [][]C
	packedLHS []C
	accum     []C

	acc, source []C
}

func newTileGroup[C numeric.Float, T, I, S dtypes.Element](p *Pipeline, kernel *fusion.Kernel[C, T], in Inputs[I, S]) *tileGroup[C, T, I, S] {
	cfg := p.cfg
	fusionCfg := kernel.Config()
	shape, depth := fusionCfg.Tile, fusionCfg.Problem.K
	g := &tileGroup[C, T, I, S]{
		cfg:         cfg,
		kernel:      kernel,
		fusion:      fusionCfg,
		in:          in,
		widenInput:  numeric.Widen[C, I](),
		widenSource: numeric.Widen[C, S](),
		storage:     tile.NewSharedStorage(),
		copier:      tile.SyncCopy{},
		accum:       make([]C, cfg.KernelRows*cfg.KernelCols),
		acc:         make([]C, shape.Size()),
	}
	if cfg.Async {
		g.async = &tile.AsyncCopy{}
		g.copier = g.async
	}
	if kernel.SourceNeeded() {
		g.source = make([]C, shape.Size())
	}
	panelDepth := min(cfg.PanelDepth, depth)
	numPanels := (depth + cfg.PanelDepth - 1) / cfg.PanelDepth
	paddedRows := (shape.M + cfg.KernelRows - 1) / cfg.KernelRows * cfg.KernelRows
	paddedCols := (shape.N + cfg.KernelCols - 1) / cfg.KernelCols * cfg.KernelCols
	g.packedLHS = make([]C, paddedRows*panelDepth)
	g.rhsPanels = make([][]C, numPanels)
	for ii := range g.rhsPanels {
		g.rhsPanels[ii] = make([]C, paddedCols*panelDepth)
	}
	return g
}

// run computes the column tn of tiles of batch l.
func (g *tileGroup[C, T, I, S]) run(l, tn int) error {
	problem, shape := g.fusion.Problem, g.fusion.Tile
	mr, nr, kc := g.cfg.KernelRows, g.cfg.KernelCols, g.cfg.PanelDepth
	batchA := g.in.A[l*problem.M*problem.K : (l+1)*problem.M*problem.K]
	batchB := g.in.B[l*problem.K*problem.N : (l+1)*problem.K*problem.N]
	group := 0
	if g.in.Groups != nil {
		group = g.in.Groups[l]
	}

	colStart := tn * shape.N
	width := min(shape.N, problem.N-colStart)
	for panelIdx, panel := range g.rhsPanels {
		kStart := panelIdx * kc
		packRHS(batchB, g.widenInput, panel, kStart, colStart, problem.N, min(kc, problem.K-kStart), width, nr)
	}

	tilesM, _ := shape.Count(problem)
	for tm := range tilesM {
		rowStart := tm * shape.M
		height := min(shape.M, problem.M-rowStart)
		clear(g.acc)
		for panelIdx, panel := range g.rhsPanels {
			kStart := panelIdx * kc
			panelDepth := min(kc, problem.K-kStart)
			packLHS(batchA, g.widenInput, g.packedLHS, rowStart, kStart, problem.K, height, panelDepth, mr)
			for microCol := 0; microCol < width; microCol += nr {
				offsetRHS := (microCol / nr) * panelDepth * nr
				for microRow := 0; microRow < height; microRow += mr {
					offsetLHS := (microRow / mr) * panelDepth * mr
					microKernel(panelDepth, g.packedLHS[offsetLHS:], panel[offsetRHS:], g.accum,
						g.acc, microRow, microCol, shape.N, mr, nr, min(mr, height-microRow), min(nr, width-microCol))
				}
			}
		}

		ctx := &tile.Context[C]{
			Problem: problem,
			Shape:   shape,
			Coord:   tile.Coord{M: tm, N: tn, L: l},
			Group:   group,
			Acc:     g.acc,
			Storage: g.storage,
			Copier:  g.copier,
		}
		if g.source != nil {
			tile.LoadTile(ctx, g.in.Source, g.widenSource, 0, g.source)
			ctx.Source = g.source
		}
		if err := g.kernel.Run(ctx); err != nil {
			return errors.WithMessagef(err, "gemm.Run: %s", ctx)
		}
	}
	return nil
}

// finish waits for the pending copies of the group.
func (g *tileGroup[C, T, I, S]) finish() {
	if g.async != nil {
		g.async.Wait()
	}
}
