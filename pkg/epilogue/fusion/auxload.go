// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/evt/pkg/support/xslices"
	"github.com/gomlx/evt/pkg/support/xsync"
)

// DefaultStages is the depth of staging rings when none is given.
const DefaultStages = 2

// LoadOptions configure an AuxLoad when the graph is built.
type LoadOptions struct {
	// Stages is the depth of the ring of load buffers. Defaults to DefaultStages.
	Stages int

	// Alignment, in elements, required from the tensor strides. 0 or 1 means no requirement.
	Alignment int
}

type auxLoad[C numeric.Float, E dtypes.Element] struct {
	opts LoadOptions
}

// AuxLoad returns a leaf with the tile of an auxiliary tensor of element type E, e.g. the
// pre-activation values saved by the forward pass.
//
// The tile is read by the copy engine into a staging buffer as soon as the tile begins, and the
// workers wait for it on their first visit. Its arguments are TensorArgs.
func AuxLoad[C numeric.Float, E dtypes.Element](opts LoadOptions) Node[C] {
	if opts.Stages <= 0 {
		opts.Stages = DefaultStages
	}
	return &auxLoad[C, E]{opts: opts}
}

// String implements fmt.Stringer.
func (a *auxLoad[C, E]) String() string {
	return fmt.Sprintf("AuxLoad[%s]", dtypes.FromGenericsType[E]())
}

func (a *auxLoad[C, E]) bind(b *binder, args Args) bound[C] {
	b.push(a.String())
	defer b.pop()
	tensorArgs := argsAs[TensorArgs[C, E]](b, args)
	if tensorArgs.Ptr != nil {
		if err := tensorArgs.tensor().CheckAlignment(a.opts.Alignment); err != nil {
			b.failf("%v", err)
		}
	}
	return &auxLoadBound[C, E]{
		key:    b.newKey("aux-load"),
		stages: a.opts.Stages,
		args:   tensorArgs,
		widen:  numeric.Widen[C, E](),
	}
}

type auxLoadBound[C numeric.Float, E dtypes.Element] struct {
	key    string
	stages int
	args   TensorArgs[C, E]
	widen  func(E) C
}

func (a *auxLoadBound[C, E]) sourceNeeded() bool { return false }

func (a *auxLoadBound[C, E]) instance(p *pass[C]) instance[C] {
	return &auxLoadInstance[C, E]{p: p, b: a}
}

type auxLoadInstance[C numeric.Float, E dtypes.Element] struct {
	p      *pass[C]
	b      *auxLoadBound[C, E]
	stage  *tile.Stage[C]
	loaded *xsync.Latch
	issued bool // Whether the load was handed to the copy engine, which triggers loaded.
}

func (a *auxLoadInstance[C, E]) begin() {
	ctx, args := a.p.ctx, &a.b.args
	ring := tile.Ring[C](ctx.Storage, a.b.key, a.b.stages, ctx.Shape.Size())
	a.stage = ring.Acquire()
	a.loaded = xsync.NewLatch()
	a.issued = false
	if args.Ptr == nil {
		xslices.FillSlice(a.stage.Data, args.Null)
		a.loaded.Trigger()
		return
	}
	stage, tensor := a.stage, args.tensor()
	ctx.Copier.Issue(func() {
		tile.LoadTile(ctx, tensor, a.b.widen, args.Null, stage.Data)
	}, a.loaded.Trigger)
	a.issued = true
}

func (a *auxLoadInstance[C, E]) visit(worker int, frag tile.Fragment, out []C) {
	a.loaded.Wait()
	copy(out, a.stage.Data[frag.Start:frag.End()])
}

func (a *auxLoadInstance[C, E]) reduce(results []C) {}

func (a *auxLoadInstance[C, E]) end() {
	a.stage.Release()
	a.stage = nil
}

// abort waits for an issued load to land before releasing its stage.
func (a *auxLoadInstance[C, E]) abort() {
	if a.stage == nil {
		return
	}
	if a.issued {
		a.loaded.Wait()
	}
	a.stage.Release()
	a.stage = nil
}
