// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tile

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/pkg/errors"
)

// DimKind tags how a stride steps along one axis. The tag is part of the graph's build-time
// configuration: broadcast axes are checked when the graph is compiled.
type DimKind int8

const (
	// Broadcast axis: stride 0, every index reads the same element.
	Broadcast DimKind = iota

	// Unit axis: stride 1, contiguous.
	Unit

	// Dynamic axis: stride given by Dim.Step.
	Dynamic
)

// Dim is the stride along one axis.
type Dim struct {
	Kind DimKind
	Step int
}

var (
	// Zero is the broadcast stride.
	Zero = Dim{Kind: Broadcast}

	// One is the unit stride.
	One = Dim{Kind: Unit, Step: 1}
)

// Step returns a dynamic stride. Step(0) is a dynamic stride that happens to be zero: it still
// broadcasts, but is not accepted where a static broadcast is required.
func Step(n int) Dim {
	return Dim{Kind: Dynamic, Step: n}
}

// Offset returns the offset of index i along this axis.
func (d Dim) Offset(i int) int {
	switch d.Kind {
	case Broadcast:
		return 0
	case Unit:
		return i
	default:
		return i * d.Step
	}
}

// String implements fmt.Stringer.
func (d Dim) String() string {
	switch d.Kind {
	case Broadcast:
		return "_0"
	case Unit:
		return "_1"
	default:
		return fmt.Sprintf("%d", d.Step)
	}
}

// Stride of a rank-3 (M, N, L) tensor.
type Stride struct {
	M, N, L Dim
}

// RowMajor returns the packed row-major stride of a batch of M x N matrices.
func RowMajor(m, n int) Stride {
	return Stride{M: Step(n), N: One, L: Step(m * n)}
}

// ColMajor returns the packed column-major stride of a batch of M x N matrices.
func ColMajor(m, n int) Stride {
	return Stride{M: One, N: Step(m), L: Step(m * n)}
}

// Offset returns the position of element (row, col, batch).
func (s Stride) Offset(row, col, batch int) int {
	return s.M.Offset(row) + s.N.Offset(col) + s.L.Offset(batch)
}

// String implements fmt.Stringer.
func (s Stride) String() string {
	return fmt.Sprintf("(%s, %s, %s)", s.M, s.N, s.L)
}

// Tensor is a flat slice of elements with a rank-3 stride, interpreted as a batch of matrices.
type Tensor[E dtypes.Element] struct {
	Data   []E
	Stride Stride
}

// NewTensor returns a zero-initialized packed row-major tensor for the problem output.
func NewTensor[E dtypes.Element](p Problem) Tensor[E] {
	return Tensor[E]{Data: make([]E, p.M*p.N*p.L), Stride: RowMajor(p.M, p.N)}
}

// IsNil returns whether the tensor has no data.
func (t Tensor[E]) IsNil() bool { return t.Data == nil }

// At returns the element at (row, col, batch), and false if it falls outside the data.
func (t Tensor[E]) At(row, col, batch int) (E, bool) {
	pos := t.Stride.Offset(row, col, batch)
	if pos < 0 || pos >= len(t.Data) {
		var zero E
		return zero, false
	}
	return t.Data[pos], true
}

// CheckAlignment returns an error if the contiguous axis of t is not unit-strided or the other
// axes don't step in multiples of alignment elements.
func (t Tensor[E]) CheckAlignment(alignment int) error {
	if alignment <= 1 {
		return nil
	}
	var other Dim
	switch {
	case t.Stride.N.Kind == Unit:
		other = t.Stride.M
	case t.Stride.M.Kind == Unit:
		other = t.Stride.N
	default:
		return errors.Errorf("tensor with stride %s has no contiguous axis, required for alignment %d", t.Stride, alignment)
	}
	for _, d := range []Dim{other, t.Stride.L} {
		if d.Kind == Dynamic && d.Step%alignment != 0 {
			return errors.Errorf("tensor stride %s is not aligned to %d elements", t.Stride, alignment)
		}
	}
	return nil
}

// LoadTile reads the tile of t at ctx's coordinates into dst (row-major tile), converting to compute
// precision. Elements outside the problem or outside t's data get null.
func LoadTile[C numeric.Float, E dtypes.Element](ctx *Context[C], t Tensor[E], widen func(E) C, null C, dst []C) {
	for r := range ctx.Shape.M {
		row := ctx.Row(r)
		for c := range ctx.Shape.N {
			pos := r*ctx.Shape.N + c
			if !ctx.Valid(r, c) {
				dst[pos] = null
				continue
			}
			if v, ok := t.At(row, ctx.Col(c), ctx.Coord.L); ok {
				dst[pos] = widen(v)
			} else {
				dst[pos] = null
			}
		}
	}
}

// StoreTile writes the valid elements of the staged tile src into t, at ctx's coordinates.
// It is meant to be called by a CopyEngine, and ctx is only used for its coordinates.
func StoreTile[C numeric.Float, E dtypes.Element](ctx *Context[C], src []E, t Tensor[E]) {
	validRows, validCols := ctx.ValidRows(), ctx.ValidCols()
	for r := range validRows {
		row := ctx.Row(r)
		for c := range validCols {
			pos := t.Stride.Offset(row, ctx.Col(c), ctx.Coord.L)
			if pos < 0 || pos >= len(t.Data) {
				continue
			}
			t.Data[pos] = src[r*ctx.Shape.N+c]
		}
	}
}
