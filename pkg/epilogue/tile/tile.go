// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tile defines the contract between a matrix-multiply pipeline and the fused epilogue that runs
// on each output tile: the tile Context (accumulator, coordinates, validity), tensors with statically
// tagged strides, staged output buffers and the copy engine that moves them to memory.
package tile

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/pkg/errors"
)

// Problem is the shape of a batched matrix multiplication: D[l] = A[l] (M×K) x B[l] (K×N), for l < L.
type Problem struct {
	M, N, K, L int
}

// String implements fmt.Stringer.
func (p Problem) String() string {
	return fmt.Sprintf("(M=%d, N=%d, K=%d, L=%d)", p.M, p.N, p.K, p.L)
}

// Validate returns an error if any of the dimensions is not positive.
func (p Problem) Validate() error {
	if p.M <= 0 || p.N <= 0 || p.K <= 0 || p.L <= 0 {
		return errors.Errorf("invalid problem shape %s, all dimensions must be > 0", p)
	}
	return nil
}

// Shape of a tile, in number of rows and columns.
type Shape struct {
	M, N int
}

// Size returns the number of elements in the tile.
func (s Shape) Size() int { return s.M * s.N }

// String implements fmt.Stringer.
func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.M, s.N) }

// Count returns the number of tiles of shape s needed to cover the problem, per axis.
func (s Shape) Count(p Problem) (tilesM, tilesN int) {
	return (p.M + s.M - 1) / s.M, (p.N + s.N - 1) / s.N
}

// Coord is the coordinate of a tile: M and N index tiles (not elements), L is the batch index.
type Coord struct {
	M, N, L int
}

// Fragment is a contiguous run of elements of a tile, in row-major order.
// Fragments are the unit of work of the workers running the epilogue of a tile.
type Fragment struct {
	// Index of the fragment in the tile.
	Index int

	// Start is the row-major position in the tile of the first element of the fragment.
	Start int

	// Len is the number of elements in the fragment.
	Len int
}

// End returns the position after the last element of the fragment.
func (f Fragment) End() int { return f.Start + f.Len }

// Fragments splits a tile of the given shape in fragments of fragmentSize elements (the last one may be shorter).
func Fragments(shape Shape, fragmentSize int) []Fragment {
	size := shape.Size()
	if fragmentSize <= 0 || fragmentSize > size {
		fragmentSize = size
	}
	frags := make([]Fragment, 0, (size+fragmentSize-1)/fragmentSize)
	for start := 0; start < size; start += fragmentSize {
		frags = append(frags, Fragment{Index: len(frags), Start: start, Len: min(fragmentSize, size-start)})
	}
	return frags
}

// Context is what the pipeline hands to the epilogue for each output tile.
//
// It is created once per tile by the pipeline and is read-only for the epilogue, except for Acc that
// the epilogue may reuse as scratch once it has been consumed.
type Context[C numeric.Float] struct {
	Problem Problem
	Shape   Shape
	Coord   Coord

	// Group is the id of the problem group (grouped GEMMs), used to index per-group pointer arrays.
	Group int

	// Acc is the accumulator tile, row-major, Shape.M x Shape.N. Elements outside the problem are zero.
	Acc []C

	// Source is the prior output (C) tile converted to compute precision, or nil if the epilogue
	// didn't request it.
	Source []C

	// Storage holds the staging buffers shared by the tiles processed by the same worker group.
	Storage *SharedStorage

	// Copier moves staged buffers to and from memory.
	Copier CopyEngine
}

// Row returns the global row (in the problem) of the tile row r.
func (ctx *Context[C]) Row(r int) int { return ctx.Coord.M*ctx.Shape.M + r }

// Col returns the global column (in the problem) of the tile column c.
func (ctx *Context[C]) Col(c int) int { return ctx.Coord.N*ctx.Shape.N + c }

// Valid returns whether the tile element (r, c) is inside the problem: elements outside are padding.
func (ctx *Context[C]) Valid(r, c int) bool {
	return ctx.Row(r) < ctx.Problem.M && ctx.Col(c) < ctx.Problem.N
}

// ValidRows returns the number of tile rows inside the problem.
func (ctx *Context[C]) ValidRows() int {
	return max(0, min(ctx.Shape.M, ctx.Problem.M-ctx.Coord.M*ctx.Shape.M))
}

// ValidCols returns the number of tile columns inside the problem.
func (ctx *Context[C]) ValidCols() int {
	return max(0, min(ctx.Shape.N, ctx.Problem.N-ctx.Coord.N*ctx.Shape.N))
}

// RowCol converts a row-major position in the tile to tile row and column.
func (ctx *Context[C]) RowCol(pos int) (r, c int) {
	return pos / ctx.Shape.N, pos % ctx.Shape.N
}

// String implements fmt.Stringer.
func (ctx *Context[C]) String() string {
	return fmt.Sprintf("tile %s at (m=%d, n=%d, l=%d) of problem %s", ctx.Shape, ctx.Coord.M, ctx.Coord.N, ctx.Coord.L, ctx.Problem)
}
