// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Config is the build-time configuration of a Kernel.
type Config struct {
	// Problem is the shape of the matrix multiplication the epilogue runs on.
	Problem tile.Problem

	// Tile is the shape of the output tiles.
	Tile tile.Shape

	// Workers is the number of workers visiting the fragments of a tile in lockstep. Defaults to 1.
	Workers int

	// FragmentSize is the number of elements of each fragment. Defaults to splitting the tile evenly
	// among the workers.
	FragmentSize int

	// StagesD is the depth of the ring of output buffers. Defaults to DefaultStages.
	StagesD int

	// Round is the rounding used to narrow the results to the output element type.
	Round numeric.RoundStyle
}

// normalize validates the configuration and fills in the defaults.
func (c *Config) normalize() error {
	if err := c.Problem.Validate(); err != nil {
		return err
	}
	if c.Tile.M <= 0 || c.Tile.N <= 0 {
		return errors.Errorf("invalid tile shape %s", c.Tile)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	size := c.Tile.Size()
	if c.FragmentSize <= 0 {
		c.FragmentSize = (size + c.Workers - 1) / c.Workers
	}
	c.FragmentSize = min(c.FragmentSize, size)
	if c.StagesD <= 0 {
		c.StagesD = DefaultStages
	}
	return nil
}

// Kernel is a compiled graph: it runs the epilogue on each output tile and stores the results,
// narrowed to T, in the output tensor D.
//
// A Kernel can run tiles concurrently, as long as each concurrent caller uses its own SharedStorage.
type Kernel[C numeric.Float, T dtypes.Element] struct {
	id           string
	description  string
	cfg          Config
	root         bound[C]
	numSlots     int
	sourceNeeded bool
	d            tile.Tensor[T]
	narrow       func(C) T
	storage      *tile.SharedStorage // Used when the Context doesn't provide one.
}

// Compile binds the graph root with its arguments and resolves it into a Kernel that writes the
// results to d.
//
// All build-time errors (arguments of the wrong type, invalid strides, misplaced nodes, etc.) are
// returned here.
func Compile[C numeric.Float, T dtypes.Element](root Node[C], args Args, d tile.Tensor[T], cfg Config) (*Kernel[C, T], error) {
	if err := cfg.normalize(); err != nil {
		return nil, errors.WithMessage(err, "fusion.Compile")
	}
	if d.IsNil() {
		return nil, errors.Errorf("fusion.Compile: output tensor D is required")
	}
	k := &Kernel[C, T]{
		id:          uuid.NewString(),
		description: root.String(),
		cfg:         cfg,
		d:           d,
		narrow:      numeric.Narrow[C, T](cfg.Round),
		storage:     tile.NewSharedStorage(),
	}
	err := exceptions.TryCatch[error](func() {
		b := newBinder(&k.cfg, k.id)
		k.root = root.bind(b, args)
		k.numSlots = b.numSlots
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "fusion.Compile(%s)", k.description)
	}
	k.sourceNeeded = k.root.sourceNeeded()
	klog.V(1).Infof("fusion: compiled kernel %s: D[%s] = %s, tile %s, %d workers, source needed: %v",
		k.id, dtypes.FromGenericsType[T](), k.description, cfg.Tile, cfg.Workers, k.sourceNeeded)
	return k, nil
}

// ID returns the unique id of the kernel, used in logs and to key its staging rings.
func (k *Kernel[C, T]) ID() string { return k.id }

// Config returns the normalized configuration of the kernel.
func (k *Kernel[C, T]) Config() Config { return k.cfg }

// SourceNeeded returns whether the graph reads the prior output (C): if false, the pipeline can skip
// loading it and Context.Source may be nil.
func (k *Kernel[C, T]) SourceNeeded() bool { return k.sourceNeeded }

// String implements fmt.Stringer.
func (k *Kernel[C, T]) String() string {
	return fmt.Sprintf("D[%s] = %s", dtypes.FromGenericsType[T](), k.description)
}

// Run the epilogue on one tile.
//
// It returns an error if ctx doesn't match the kernel, or if the arguments of a node are out of
// range for the tile (e.g. a scalar pointer shorter than the batch). On error nothing is stored, to D
// or to any auxiliary tensor, and all staging buffers are released.
func (k *Kernel[C, T]) Run(ctx *tile.Context[C]) error {
	tileCtx := *ctx
	if tileCtx.Problem != k.cfg.Problem || tileCtx.Shape != k.cfg.Tile {
		return errors.Errorf("kernel %s compiled for problem %s, tile %s: it can't run %s",
			k.id, k.cfg.Problem, k.cfg.Tile, ctx)
	}
	size := tileCtx.Shape.Size()
	if len(tileCtx.Acc) != size {
		return errors.Errorf("kernel %s: accumulator has %d elements, tile %s requires %d", k.id, len(tileCtx.Acc), tileCtx.Shape, size)
	}
	if k.sourceNeeded && len(tileCtx.Source) != size {
		return errors.Errorf("kernel %s: source (C) tile required, got %d elements for tile %s", k.id, len(tileCtx.Source), tileCtx.Shape)
	}
	if tileCtx.Storage == nil {
		tileCtx.Storage = k.storage
	}
	if tileCtx.Copier == nil {
		tileCtx.Copier = tile.SyncCopy{}
	}

	p := &pass[C]{ctx: &tileCtx, cfg: &k.cfg, slots: makeBuffers[C](k.numSlots, size)}
	inst := k.root.instance(p)
	stage := tile.Ring[T](tileCtx.Storage, k.id+"/D", k.cfg.StagesD, size).Acquire()
	if err := exceptions.TryCatch[error](inst.begin); err != nil {
		inst.abort()
		stage.Release()
		return errors.WithMessagef(err, "kernel %s failed beginning %s", k.id, ctx)
	}

	// Visit: fragment f goes to worker f % Workers.
	results := make([]C, size)
	frags := tile.Fragments(k.cfg.Tile, k.cfg.FragmentSize)
	var group errgroup.Group
	for worker := range k.cfg.Workers {
		group.Go(func() error {
			return exceptions.TryCatch[error](func() {
				for f := worker; f < len(frags); f += k.cfg.Workers {
					frag := frags[f]
					inst.visit(worker, frag, results[frag.Start:frag.End()])
				}
			})
		})
	}
	if err := group.Wait(); err != nil {
		inst.abort()
		stage.Release()
		return errors.WithMessagef(err, "kernel %s failed visiting %s", k.id, ctx)
	}

	inst.reduce(results)
	for ii, x := range results {
		stage.Data[ii] = k.narrow(x)
	}
	inst.end()
	tileCtx.Copier.Issue(func() { tile.StoreTile(&tileCtx, stage.Data, k.d) }, stage.Release)
	return nil
}
