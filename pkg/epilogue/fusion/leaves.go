// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/evt/pkg/support/xslices"
)

// Scalar is one scalar of a ScalarBroadcast, read from (in order of precedence):
//
//   - PtrArray[group][Stride.Offset(batch)], if PtrArray is set: grouped problems, one array per group;
//   - Ptr[Stride.Offset(batch)], if Ptr is set;
//   - Value otherwise.
type Scalar[C numeric.Float] struct {
	Value    C
	Ptr      []C
	PtrArray [][]C
	Stride   tile.Dim
}

// ScalarValue returns a Scalar with a fixed value.
func ScalarValue[C numeric.Float](value C) Scalar[C] {
	return Scalar[C]{Value: value}
}

// ScalarArgs are the arguments of a ScalarBroadcast: exactly one Scalar per broadcast scalar.
// A nil Args sets all scalars to 0.
type ScalarArgs[C numeric.Float] struct {
	Scalars []Scalar[C]
}

type scalarBroadcast[C numeric.Float] struct {
	n int
}

// ScalarBroadcast returns a leaf whose value over the whole tile is the product of n scalars,
// each independently sourced (e.g. three scale factors folded into one broadcast).
// The product is computed once per tile. Its arguments are ScalarArgs.
func ScalarBroadcast[C numeric.Float](n int) Node[C] {
	return &scalarBroadcast[C]{n: n}
}

// String implements fmt.Stringer.
func (s *scalarBroadcast[C]) String() string {
	if s.n == 1 {
		return "Scalar"
	}
	return fmt.Sprintf("Scalar×%d", s.n)
}

func (s *scalarBroadcast[C]) bind(b *binder, args Args) bound[C] {
	b.push(s.String())
	defer b.pop()
	if s.n < 1 {
		b.failf("ScalarBroadcast requires at least one scalar, got %d", s.n)
	}
	scalarArgs := argsAs[ScalarArgs[C]](b, args)
	if args == nil {
		scalarArgs.Scalars = make([]Scalar[C], s.n)
	}
	if len(scalarArgs.Scalars) != s.n {
		b.failf("expected %d scalars, got %d", s.n, len(scalarArgs.Scalars))
	}
	for ii, scalar := range scalarArgs.Scalars {
		if scalar.PtrArray != nil && len(scalar.PtrArray) == 0 {
			b.failf("scalar #%d has an empty pointer array", ii)
		}
	}
	return &scalarBound[C]{scalars: scalarArgs.Scalars}
}

type scalarBound[C numeric.Float] struct {
	scalars []Scalar[C]
}

func (s *scalarBound[C]) sourceNeeded() bool { return false }

func (s *scalarBound[C]) instance(p *pass[C]) instance[C] {
	return &scalarInstance[C]{p: p, scalars: s.scalars}
}

type scalarInstance[C numeric.Float] struct {
	p       *pass[C]
	scalars []Scalar[C]
	value   C
}

func (s *scalarInstance[C]) begin() {
	ctx := s.p.ctx
	s.value = 1
	for _, scalar := range s.scalars {
		v := scalar.Value
		switch {
		case scalar.PtrArray != nil:
			v = scalar.PtrArray[ctx.Group][scalar.Stride.Offset(ctx.Coord.L)]
		case scalar.Ptr != nil:
			v = scalar.Ptr[scalar.Stride.Offset(ctx.Coord.L)]
		}
		s.value *= v
	}
}

func (s *scalarInstance[C]) visit(worker int, frag tile.Fragment, out []C) {
	xslices.FillSlice(out, s.value)
}

func (s *scalarInstance[C]) reduce(results []C) {}
func (s *scalarInstance[C]) end()               {}
func (s *scalarInstance[C]) abort()             {}

// TensorArgs point to a tensor read by RowBroadcast, ColBroadcast or AuxLoad.
// Elements out of the problem, or not covered by Ptr, read as Null. A nil Ptr reads Null everywhere.
type TensorArgs[C numeric.Float, E dtypes.Element] struct {
	Ptr    []E
	Null   C
	Stride tile.Stride
}

func (t TensorArgs[C, E]) tensor() tile.Tensor[E] {
	return tile.Tensor[E]{Data: t.Ptr, Stride: t.Stride}
}

// broadcastAxis selects the axis along which a vector broadcast varies.
type broadcastAxis int

const (
	alongRows broadcastAxis = iota
	alongCols
)

type vectorBroadcast[C numeric.Float, E dtypes.Element] struct {
	axis broadcastAxis
}

// RowBroadcast returns a leaf with one value per row: element (m, n) of the tile reads
// Ptr[Stride.Offset(m, 0, batch)] and is constant along the columns.
//
// The stride along N must be tile.Zero (checked at build time). A broadcast stride along M reads the
// same element everywhere; a unit or dynamic one indexes a real vector. Its arguments are TensorArgs.
func RowBroadcast[C numeric.Float, E dtypes.Element]() Node[C] {
	return &vectorBroadcast[C, E]{axis: alongRows}
}

// ColBroadcast returns a leaf with one value per column: element (m, n) of the tile reads
// Ptr[Stride.Offset(0, n, batch)] and is constant along the rows.
//
// The stride along M must be tile.Zero (checked at build time). Its arguments are TensorArgs.
func ColBroadcast[C numeric.Float, E dtypes.Element]() Node[C] {
	return &vectorBroadcast[C, E]{axis: alongCols}
}

// String implements fmt.Stringer.
func (v *vectorBroadcast[C, E]) String() string {
	name := "RowBroadcast"
	if v.axis == alongCols {
		name = "ColBroadcast"
	}
	return fmt.Sprintf("%s[%s]", name, dtypes.FromGenericsType[E]())
}

func (v *vectorBroadcast[C, E]) bind(b *binder, args Args) bound[C] {
	b.push(v.String())
	defer b.pop()
	tensorArgs := argsAs[TensorArgs[C, E]](b, args)
	if tensorArgs.Ptr != nil {
		broadcastDim := tensorArgs.Stride.N
		if v.axis == alongCols {
			broadcastDim = tensorArgs.Stride.M
		}
		if broadcastDim.Kind != tile.Broadcast {
			b.failf("stride %s must be a static broadcast (tile.Zero) along the %s axis",
				tensorArgs.Stride, map[broadcastAxis]string{alongRows: "N", alongCols: "M"}[v.axis])
		}
	}
	return &vectorBound[C, E]{axis: v.axis, args: tensorArgs, widen: numeric.Widen[C, E]()}
}

type vectorBound[C numeric.Float, E dtypes.Element] struct {
	axis  broadcastAxis
	args  TensorArgs[C, E]
	widen func(E) C
}

func (v *vectorBound[C, E]) sourceNeeded() bool { return false }

func (v *vectorBound[C, E]) instance(p *pass[C]) instance[C] {
	length := p.ctx.Shape.M
	if v.axis == alongCols {
		length = p.ctx.Shape.N
	}
	return &vectorInstance[C, E]{p: p, b: v, values: make([]C, length)}
}

type vectorInstance[C numeric.Float, E dtypes.Element] struct {
	phases[C]
	p      *pass[C]
	b      *vectorBound[C, E]
	values []C // One per tile row (or column).
}

func (v *vectorInstance[C, E]) begin() {
	ctx, args := v.p.ctx, &v.b.args
	if args.Ptr == nil {
		xslices.FillSlice(v.values, args.Null)
		return
	}
	tensor := args.tensor()
	for ii := range v.values {
		var (
			value E
			ok    bool
		)
		if v.b.axis == alongRows {
			if row := ctx.Row(ii); row < ctx.Problem.M {
				value, ok = tensor.At(row, 0, ctx.Coord.L)
			}
		} else {
			if col := ctx.Col(ii); col < ctx.Problem.N {
				value, ok = tensor.At(0, col, ctx.Coord.L)
			}
		}
		if ok {
			v.values[ii] = v.b.widen(value)
		} else {
			v.values[ii] = args.Null
		}
	}
}

func (v *vectorInstance[C, E]) visit(worker int, frag tile.Fragment, out []C) {
	tileN := v.p.ctx.Shape.N
	if v.b.axis == alongRows {
		for ii := range out {
			out[ii] = v.values[(frag.Start+ii)/tileN]
		}
		return
	}
	for ii := range out {
		out[ii] = v.values[(frag.Start+ii)%tileN]
	}
}

// fetchKind selects which tile of the Context a fetch node reads.
type fetchKind int

const (
	fetchAcc fetchKind = iota
	fetchSource
)

type tileFetch[C numeric.Float] struct {
	kind fetchKind
}

// AccFetch returns a leaf with the accumulator values. It takes no arguments.
func AccFetch[C numeric.Float]() Node[C] {
	return &tileFetch[C]{kind: fetchAcc}
}

// SrcFetch returns a leaf with the prior output (C) values. It takes no arguments.
// Graphs containing it make Kernel.SourceNeeded true.
func SrcFetch[C numeric.Float]() Node[C] {
	return &tileFetch[C]{kind: fetchSource}
}

// String implements fmt.Stringer.
func (f *tileFetch[C]) String() string {
	if f.kind == fetchSource {
		return "C"
	}
	return "acc"
}

func (f *tileFetch[C]) bind(b *binder, args Args) bound[C] { return f }

func (f *tileFetch[C]) sourceNeeded() bool { return f.kind == fetchSource }

func (f *tileFetch[C]) instance(p *pass[C]) instance[C] {
	return &tileFetchInstance[C]{p: p, kind: f.kind}
}

type tileFetchInstance[C numeric.Float] struct {
	phases[C]
	p    *pass[C]
	kind fetchKind
}

func (f *tileFetchInstance[C]) visit(worker int, frag tile.Fragment, out []C) {
	src := f.p.ctx.Acc
	if f.kind == fetchSource {
		src = f.p.ctx.Source
	}
	copy(out, src[frag.Start:frag.End()])
}

type groupedWgradFetch[C numeric.Float] struct {
	groups int
}

// AccFetchGroupedWgrad returns a leaf with the accumulator of a grouped weight-gradient convolution,
// where each tile holds groups block-diagonal blocks: values outside the diagonal blocks, which mix
// different groups, are zero. It takes no arguments.
//
// The tile dimensions must be divisible by groups.
func AccFetchGroupedWgrad[C numeric.Float](groups int) Node[C] {
	return &groupedWgradFetch[C]{groups: groups}
}

// String implements fmt.Stringer.
func (g *groupedWgradFetch[C]) String() string { return fmt.Sprintf("acc[groups=%d]", g.groups) }

func (g *groupedWgradFetch[C]) bind(b *binder, args Args) bound[C] {
	b.push(g.String())
	defer b.pop()
	shape := b.cfg.Tile
	if g.groups <= 0 || shape.M%g.groups != 0 || shape.N%g.groups != 0 {
		b.failf("tile %s is not divisible in %d groups", shape, g.groups)
	}
	return g
}

func (g *groupedWgradFetch[C]) sourceNeeded() bool { return false }

func (g *groupedWgradFetch[C]) instance(p *pass[C]) instance[C] {
	return &groupedWgradInstance[C]{p: p, blockM: p.ctx.Shape.M / g.groups, blockN: p.ctx.Shape.N / g.groups}
}

type groupedWgradInstance[C numeric.Float] struct {
	phases[C]
	p              *pass[C]
	blockM, blockN int
}

func (g *groupedWgradInstance[C]) visit(worker int, frag tile.Fragment, out []C) {
	ctx := g.p.ctx
	for ii := range out {
		r, c := ctx.RowCol(frag.Start + ii)
		if r/g.blockM == c/g.blockN {
			out[ii] = ctx.Acc[frag.Start+ii]
		} else {
			out[ii] = 0
		}
	}
}
