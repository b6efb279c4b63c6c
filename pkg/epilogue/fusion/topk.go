// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"math"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

type topKSoftmax[C numeric.Float] struct {
	k int
}

// TopKSoftmax returns a unary Op that, for each column of the output, keeps the k largest values
// and replaces them by their softmax. The other values of the column are zeroed.
//
// Ties at the k-th value go to the lower row; NaN ranks above any number (and propagates through
// the softmax of its column). Columns with fewer than k valid rows keep all of them.
//
// It must be the root of the graph, and the tile must cover all the rows of the problem. It takes no
// arguments.
func TopKSoftmax[C numeric.Float](k int) Op[C] {
	return &topKSoftmax[C]{k: k}
}

// String implements fmt.Stringer.
func (t *topKSoftmax[C]) String() string { return fmt.Sprintf("TopKSoftmax[k=%d]", t.k) }

func (t *topKSoftmax[C]) arity() (int, int) { return 1, 1 }

func (t *topKSoftmax[C]) bindOp(b *binder, args Args, numChildren int) boundOp[C] {
	if args != nil {
		b.failf("%s takes no arguments, got %T", t, args)
	}
	if !b.atRoot {
		b.failf("%s must be the root of the graph", t)
	}
	if t.k <= 0 {
		b.failf("%s requires k > 0", t)
	}
	if t.k > b.cfg.Tile.M {
		b.failf("%s requires k <= tile rows, got tile %s", t, b.cfg.Tile)
	}
	if b.cfg.Problem.M > b.cfg.Tile.M {
		b.failf("%s requires the tile (%s) to cover all the %d rows of the problem", t, b.cfg.Tile, b.cfg.Problem.M)
	}
	return t
}

func (t *topKSoftmax[C]) elides() bool { return false }

func (t *topKSoftmax[C]) instance(p *pass[C]) opInstance[C] {
	return &topKInstance[C]{p: p, k: t.k, selected: make([]bool, p.ctx.Shape.M)}
}

// ranked is a candidate of a column.
type ranked[C numeric.Float] struct {
	value C
	row   int
}

// compareRank orders candidates from lowest to highest rank.
func compareRank[C numeric.Float](a, b ranked[C]) int {
	aNaN, bNaN := math.IsNaN(float64(a.value)), math.IsNaN(float64(b.value))
	switch {
	case aNaN && !bNaN:
		return 1
	case !aNaN && bNaN:
		return -1
	case !aNaN && a.value != b.value:
		if a.value < b.value {
			return -1
		}
		return 1
	}
	// Same value (or both NaN): the lower row ranks higher.
	switch {
	case a.row > b.row:
		return -1
	case a.row < b.row:
		return 1
	}
	return 0
}

type topKInstance[C numeric.Float] struct {
	phases[C]
	p        *pass[C]
	k        int
	selected []bool
}

func (t *topKInstance[C]) visit(worker int, frag tile.Fragment, in [][]C, out []C) {
	copy(out, in[0])
}

// reduce runs after all values of the tile are in results, and selects in place.
func (t *topKInstance[C]) reduce(results []C) {
	ctx := t.p.ctx
	tileN := ctx.Shape.N
	validRows := ctx.ValidRows()
	heap := binaryheap.NewWith[ranked[C]](compareRank[C])
	for col := range ctx.ValidCols() {
		// Min-heap of the best k: its top is the worst kept candidate.
		heap.Clear()
		for row := range validRows {
			candidate := ranked[C]{value: results[row*tileN+col], row: row}
			if heap.Size() < t.k {
				heap.Push(candidate)
				continue
			}
			if worst, _ := heap.Peek(); compareRank(candidate, worst) > 0 {
				heap.Pop()
				heap.Push(candidate)
			}
		}

		clear(t.selected)
		maxValue := C(math.Inf(-1))
		for _, candidate := range heap.Values() {
			t.selected[candidate.row] = true
			maxValue = max(maxValue, candidate.value)
		}
		var sum C
		for row := range validRows {
			pos := row*tileN + col
			if !t.selected[row] {
				results[pos] = 0
				continue
			}
			results[pos] = C(math.Exp(float64(results[pos] - maxValue)))
			sum += results[pos]
		}
		for row := range validRows {
			if t.selected[row] {
				results[row*tileN+col] /= sum
			}
		}
	}
}
