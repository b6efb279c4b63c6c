// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/reduce"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// ReductionArgs point to the destination of a reduction node.
//
// The value reduced for row m (or column n) of batch l is merged into Dest at index
// Stride.Offset(m, n, l), with the reduced axis taken as 0. A scalar reduction with the zero Stride
// merges everything into Dest index 0. Indices outside Dest are dropped.
//
// A nil Dest disables the reduction: the node is a pass-through.
type ReductionArgs[C numeric.Float] struct {
	Dest   *reduce.Dest[C]
	Stride tile.Stride
}

// reductionAxis is what a reduction node keeps of the tile.
type reductionAxis int

const (
	reduceAll reductionAxis = iota
	reducePerRow
	reducePerCol
)

type reduction[C numeric.Float] struct {
	axis reductionAxis
	op   reduce.Op
}

// ScalarReduction returns a unary Op that passes its child through and folds all valid elements of
// the tile with op into one value, merged into the destination when the tile is reduced.
// Its arguments are ReductionArgs.
func ScalarReduction[C numeric.Float](op reduce.Op) Op[C] {
	return &reduction[C]{axis: reduceAll, op: op}
}

// RowReduction returns a unary Op that passes its child through and folds each row of the tile
// (across columns) with op: one value per row. Its arguments are ReductionArgs.
func RowReduction[C numeric.Float](op reduce.Op) Op[C] {
	return &reduction[C]{axis: reducePerRow, op: op}
}

// ColReduction returns a unary Op that passes its child through and folds each column of the tile
// (across rows) with op: one value per column. Its arguments are ReductionArgs.
func ColReduction[C numeric.Float](op reduce.Op) Op[C] {
	return &reduction[C]{axis: reducePerCol, op: op}
}

// String implements fmt.Stringer.
func (r *reduction[C]) String() string {
	switch r.axis {
	case reducePerRow:
		return fmt.Sprintf("RowReduction[%s]", r.op)
	case reducePerCol:
		return fmt.Sprintf("ColReduction[%s]", r.op)
	default:
		return fmt.Sprintf("ScalarReduction[%s]", r.op)
	}
}

func (r *reduction[C]) arity() (int, int) { return 1, 1 }

func (r *reduction[C]) bindOp(b *binder, args Args, numChildren int) boundOp[C] {
	redArgs := argsAs[ReductionArgs[C]](b, args)
	if redArgs.Dest == nil {
		return &reductionBound[C]{}
	}
	if redArgs.Dest.Op() != r.op {
		b.failf("%s given a destination of %s", r, redArgs.Dest.Op())
	}
	switch r.axis {
	case reducePerRow:
		if redArgs.Stride.N.Kind != tile.Broadcast {
			b.failf("%s destination stride %s must be a static broadcast along N", r, redArgs.Stride)
		}
	case reducePerCol:
		if redArgs.Stride.M.Kind != tile.Broadcast {
			b.failf("%s destination stride %s must be a static broadcast along M", r, redArgs.Stride)
		}
	}
	return &reductionBound[C]{reduction: r, args: redArgs}
}

type reductionBound[C numeric.Float] struct {
	reduction *reduction[C] // nil if disabled.
	args      ReductionArgs[C]
}

func (r *reductionBound[C]) elides() bool { return false }

func (r *reductionBound[C]) instance(p *pass[C]) opInstance[C] {
	if r.reduction == nil {
		return passThrough[C]{}
	}
	length := 1
	switch r.reduction.axis {
	case reducePerRow:
		length = p.ctx.Shape.M
	case reducePerCol:
		length = p.ctx.Shape.N
	}
	return &reductionInstance[C]{
		p:        p,
		b:        r,
		partials: makeBuffers[C](p.cfg.Workers, length),
		merged:   make([]C, length),
	}
}

// passThrough is the instance of a disabled node.
type passThrough[C numeric.Float] struct {
	phases[C]
}

func (passThrough[C]) visit(worker int, frag tile.Fragment, in [][]C, out []C) {
	copy(out, in[0])
}

type reductionInstance[C numeric.Float] struct {
	p        *pass[C]
	b        *reductionBound[C]
	partials [][]C // Per worker.
	merged   []C
}

func (r *reductionInstance[C]) begin() {
	identity := reduce.Identity[C](r.b.reduction.op)
	for _, partial := range r.partials {
		for ii := range partial {
			partial[ii] = identity
		}
	}
}

func (r *reductionInstance[C]) visit(worker int, frag tile.Fragment, in [][]C, out []C) {
	copy(out, in[0])
	ctx, op, partial := r.p.ctx, r.b.reduction.op, r.partials[worker]
	validRows, validCols := ctx.ValidRows(), ctx.ValidCols()
	for ii, x := range in[0] {
		row, col := ctx.RowCol(frag.Start + ii)
		if row >= validRows || col >= validCols {
			continue
		}
		idx := 0
		switch r.b.reduction.axis {
		case reducePerRow:
			idx = row
		case reducePerCol:
			idx = col
		}
		partial[idx] = reduce.Fold(op, partial[idx], x)
	}
}

// reduce merges the partials of the workers, and then each value of the tile into the destination.
func (r *reductionInstance[C]) reduce(results []C) {
	ctx, op := r.p.ctx, r.b.reduction.op
	copy(r.merged, r.partials[0])
	for _, partial := range r.partials[1:] {
		for ii, x := range partial {
			r.merged[ii] = reduce.Fold(op, r.merged[ii], x)
		}
	}

	dest, stride := r.b.args.Dest, r.b.args.Stride
	merge := func(idx int, value C) {
		if idx >= 0 && idx < dest.Len() {
			dest.Merge(idx, value)
		}
	}
	switch r.b.reduction.axis {
	case reduceAll:
		if ctx.ValidRows() > 0 && ctx.ValidCols() > 0 {
			merge(stride.Offset(0, 0, ctx.Coord.L), r.merged[0])
		}
	case reducePerRow:
		if ctx.ValidCols() == 0 {
			return
		}
		for row := range ctx.ValidRows() {
			merge(stride.Offset(ctx.Row(row), 0, ctx.Coord.L), r.merged[row])
		}
	case reducePerCol:
		if ctx.ValidRows() == 0 {
			return
		}
		for col := range ctx.ValidCols() {
			merge(stride.Offset(0, ctx.Col(col), ctx.Coord.L), r.merged[col])
		}
	}
}

func (r *reductionInstance[C]) end()   {}
func (r *reductionInstance[C]) abort() {}
