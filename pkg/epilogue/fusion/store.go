// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// StoreOptions configure an AuxStore when the graph is built.
type StoreOptions struct {
	// Stages is the depth of the ring of store buffers. Defaults to DefaultStages.
	Stages int

	// Round is the rounding used to narrow values to the stored element type.
	Round numeric.RoundStyle

	// Alignment, in elements, required from the tensor strides. 0 or 1 means no requirement.
	Alignment int
}

// StoreArgs point to the tensor written by an AuxStore. Ptr is required.
type StoreArgs[E dtypes.Element] struct {
	Ptr    []E
	Stride tile.Stride
}

type auxStore[C numeric.Float, E dtypes.Element] struct {
	opts StoreOptions
}

// AuxStore returns a unary Op that passes the values of its child through, and also writes them,
// narrowed to E, to an auxiliary tensor.
//
// A staging buffer is acquired when the tile begins (blocking until the copy engine released it from a
// previous tile), filled during the visits and handed to the copy engine when the tile ends.
// Its arguments are StoreArgs.
func AuxStore[C numeric.Float, E dtypes.Element](opts StoreOptions) Op[C] {
	if opts.Stages <= 0 {
		opts.Stages = DefaultStages
	}
	return &auxStore[C, E]{opts: opts}
}

// String implements fmt.Stringer.
func (a *auxStore[C, E]) String() string {
	return fmt.Sprintf("AuxStore[%s]", dtypes.FromGenericsType[E]())
}

func (a *auxStore[C, E]) arity() (int, int) { return 1, 1 }

func (a *auxStore[C, E]) bindOp(b *binder, args Args, numChildren int) boundOp[C] {
	storeArgs := argsAs[StoreArgs[E]](b, args)
	if storeArgs.Ptr == nil {
		b.failf("%s requires a tensor to store to", a)
	}
	tensor := tile.Tensor[E]{Data: storeArgs.Ptr, Stride: storeArgs.Stride}
	if err := tensor.CheckAlignment(a.opts.Alignment); err != nil {
		b.failf("%v", err)
	}
	return &auxStoreBound[C, E]{
		key:    b.newKey("aux-store"),
		stages: a.opts.Stages,
		tensor: tensor,
		narrow: numeric.Narrow[C, E](a.opts.Round),
	}
}

type auxStoreBound[C numeric.Float, E dtypes.Element] struct {
	key    string
	stages int
	tensor tile.Tensor[E]
	narrow func(C) E
}

func (a *auxStoreBound[C, E]) elides() bool { return false }

func (a *auxStoreBound[C, E]) instance(p *pass[C]) opInstance[C] {
	return &auxStoreInstance[C, E]{p: p, b: a}
}

type auxStoreInstance[C numeric.Float, E dtypes.Element] struct {
	p     *pass[C]
	b     *auxStoreBound[C, E]
	stage *tile.Stage[E]
}

func (a *auxStoreInstance[C, E]) begin() {
	ctx := a.p.ctx
	a.stage = tile.Ring[E](ctx.Storage, a.b.key, a.b.stages, ctx.Shape.Size()).Acquire()
}

func (a *auxStoreInstance[C, E]) visit(worker int, frag tile.Fragment, in [][]C, out []C) {
	copy(out, in[0])
	staged := a.stage.Data[frag.Start:frag.End()]
	for ii, x := range in[0] {
		staged[ii] = a.b.narrow(x)
	}
}

func (a *auxStoreInstance[C, E]) reduce(results []C) {}

func (a *auxStoreInstance[C, E]) end() {
	ctx, stage, tensor := a.p.ctx, a.stage, a.b.tensor
	a.stage = nil
	ctx.Copier.Issue(func() { tile.StoreTile(ctx, stage.Data, tensor) }, stage.Release)
}

// abort drops the partially staged values: nothing is stored to the auxiliary tensor.
func (a *auxStoreInstance[C, E]) abort() {
	if a.stage == nil {
		return
	}
	a.stage.Release()
	a.stage = nil
}
