// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reduce defines the associative and commutative operators used by reduction nodes, and the
// destinations where tiles merge their partial results atomically.
package reduce

import (
	"math"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Op is a reduction operator.
type Op int

const (
	// Sum of the values, e.g. for bias gradients.
	Sum Op = iota

	// Max of the values. NaN propagates.
	Max

	// Min of the values. NaN propagates.
	Min

	// MaxAbs is the maximum of the absolute values ("amax"), used to size the scale factors of narrow
	// floating formats. NaN propagates: any NaN input makes the result NaN.
	MaxAbs
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Max:
		return "Max"
	case Min:
		return "Min"
	case MaxAbs:
		return "MaxAbs"
	default:
		return "Op(?)"
	}
}

// Identity returns the neutral element of op.
func Identity[C numeric.Float](op Op) C {
	switch op {
	case Sum, MaxAbs:
		return 0
	case Max:
		return C(math.Inf(-1))
	case Min:
		return C(math.Inf(1))
	}
	panic(errors.Errorf("reduce.Identity: unknown op %d", int(op)))
}

// Fold returns acc combined with x.
//
// Fold(op, Fold(op, Identity(op), a), b) is commutative and associative, so partial results can be
// merged in any order, including partials already folded with MaxAbs.
func Fold[C numeric.Float](op Op, acc, x C) C {
	switch op {
	case Sum:
		return acc + x
	case Max:
		return max(acc, x)
	case Min:
		return min(acc, x)
	case MaxAbs:
		// Go's builtin max propagates NaNs.
		return max(acc, C(math.Abs(float64(x))))
	}
	panic(errors.Errorf("reduce.Fold: unknown op %d", int(op)))
}

// FoldSlice folds all values of xs into acc.
func FoldSlice[C numeric.Float](op Op, acc C, xs []C) C {
	for _, x := range xs {
		acc = Fold(op, acc, x)
	}
	return acc
}

// Dest is a destination of reductions: a vector of values (a single one for scalar reductions) shared
// by all tiles of a problem, where each tile merges its partial results atomically.
//
// Merges are order-independent: the final values don't depend on the order tiles finish
// (up to floating point rounding for Sum).
type Dest[C numeric.Float] struct {
	op     Op
	values []xsync.AtomicFloat[C]
}

// NewScalar creates a destination with a single value, initialized to the identity of op.
func NewScalar[C numeric.Float](op Op) *Dest[C] {
	return NewVector[C](op, 1)
}

// NewVector creates a destination with n values, initialized to the identity of op.
func NewVector[C numeric.Float](op Op, n int) *Dest[C] {
	d := &Dest[C]{op: op, values: make([]xsync.AtomicFloat[C], n)}
	d.Reset()
	return d
}

// Op returns the reduction operator of the destination.
func (d *Dest[C]) Op() Op { return d.op }

// Len returns the number of values.
func (d *Dest[C]) Len() int { return len(d.values) }

// Reset sets all values to the identity of the operator.
func (d *Dest[C]) Reset() {
	identity := Identity[C](d.op)
	for ii := range d.values {
		d.values[ii].Store(identity)
	}
}

// Merge atomically folds x into value i.
func (d *Dest[C]) Merge(i int, x C) {
	d.values[i].Update(func(current C) C { return Fold(d.op, current, x) })
}

// Value returns the first (for scalar destinations, the only) value.
func (d *Dest[C]) Value() C {
	return d.values[0].Load()
}

// At returns value i.
func (d *Dest[C]) At(i int) C {
	return d.values[i].Load()
}

// Values returns a copy of all values.
func (d *Dest[C]) Values() []C {
	out := make([]C, len(d.values))
	for ii := range d.values {
		out[ii] = d.values[ii].Load()
	}
	return out
}
