// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// Fn is the element-wise function of a Compute node.
type Fn[C numeric.Float] interface {
	fmt.Stringer

	// arity returns the minimum and maximum number of inputs; maximum is -1 if unbounded.
	arity() (minInputs, maxInputs int)

	// onlyFirst returns whether the function only reads its first input.
	onlyFirst() bool

	// resolve returns the function over a fragment: out[i] = f(in[0][i], in[1][i], ...).
	resolve(b *binder, args Args, numInputs int) func(in [][]C, out []C)
}

// simpleFn is a Fn with no arguments.
type simpleFn[C numeric.Float] struct {
	name                 string
	minInputs, maxInputs int
	first                bool
	fn                   func(in [][]C, out []C)
}

func (f *simpleFn[C]) String() string    { return f.name }
func (f *simpleFn[C]) arity() (int, int) { return f.minInputs, f.maxInputs }
func (f *simpleFn[C]) onlyFirst() bool   { return f.first }
func (f *simpleFn[C]) resolve(b *binder, args Args, numInputs int) func(in [][]C, out []C) {
	if args != nil {
		b.failf("%s takes no arguments, got %T", f.name, args)
	}
	return f.fn
}

// Multiplies returns the product of its inputs.
func Multiplies[C numeric.Float]() Fn[C] {
	return &simpleFn[C]{name: "Multiplies", minInputs: 2, maxInputs: -1, fn: func(in [][]C, out []C) {
		copy(out, in[0])
		for _, x := range in[1:] {
			for ii := range out {
				out[ii] *= x[ii]
			}
		}
	}}
}

// Plus returns the sum of its inputs.
func Plus[C numeric.Float]() Fn[C] {
	return &simpleFn[C]{name: "Plus", minInputs: 2, maxInputs: -1, fn: func(in [][]C, out []C) {
		copy(out, in[0])
		for _, x := range in[1:] {
			for ii := range out {
				out[ii] += x[ii]
			}
		}
	}}
}

// MultiplyAdd returns a·b + c for inputs (a, b, c).
func MultiplyAdd[C numeric.Float]() Fn[C] {
	return &simpleFn[C]{name: "MultiplyAdd", minInputs: 3, maxInputs: 3, fn: func(in [][]C, out []C) {
		a, b, c := in[0], in[1], in[2]
		for ii := range out {
			out[ii] = a[ii]*b[ii] + c[ii]
		}
	}}
}

// First returns its first input: the other inputs are dropped when the graph is compiled, and never
// evaluated. It is used to switch off a branch of a graph at build time, e.g. an output scale factor
// that only applies to narrow output types.
func First[C numeric.Float]() Fn[C] {
	return &simpleFn[C]{name: "First", minInputs: 1, maxInputs: -1, first: true, fn: func(in [][]C, out []C) {
		copy(out, in[0])
	}}
}

// Identity returns its only input.
func Identity[C numeric.Float]() Fn[C] {
	return &simpleFn[C]{name: "Identity", minInputs: 1, maxInputs: 1, fn: func(in [][]C, out []C) {
		copy(out, in[0])
	}}
}

type convertFn[C numeric.Float, E dtypes.Element] struct {
	round numeric.RoundStyle
}

// Convert returns its only input rounded to the element type E (and back to C), simulating the
// precision loss of storing it as E. It saturates for 8-bit floats and integers.
func Convert[C numeric.Float, E dtypes.Element](round numeric.RoundStyle) Fn[C] {
	return &convertFn[C, E]{round: round}
}

func (f *convertFn[C, E]) String() string {
	return fmt.Sprintf("Convert[%s]", dtypes.FromGenericsType[E]())
}
func (f *convertFn[C, E]) arity() (int, int) { return 1, 1 }
func (f *convertFn[C, E]) onlyFirst() bool   { return false }

func (f *convertFn[C, E]) resolve(b *binder, args Args, numInputs int) func(in [][]C, out []C) {
	convert := numeric.Convert[C, E](f.round)
	return func(in [][]C, out []C) {
		for ii, x := range in[0] {
			out[ii] = convert(x)
		}
	}
}

type activationFnNode[C numeric.Float] struct {
	kind ActivationType
	grad bool
}

// Activation returns the activation function kind applied to its only input.
// Its arguments are ActivationArgs.
func Activation[C numeric.Float](kind ActivationType) Fn[C] {
	return &activationFnNode[C]{kind: kind}
}

// ActivationGrad returns the gradient through the activation kind: for inputs (grad, z), it
// returns grad·act'(z), where z is the pre-activation value.
// Its arguments are ActivationArgs.
func ActivationGrad[C numeric.Float](kind ActivationType) Fn[C] {
	return &activationFnNode[C]{kind: kind, grad: true}
}

func (f *activationFnNode[C]) String() string {
	if f.grad {
		return fmt.Sprintf("d%s", f.kind)
	}
	return f.kind.String()
}

func (f *activationFnNode[C]) arity() (int, int) {
	if f.grad {
		return 2, 2
	}
	return 1, 1
}

func (f *activationFnNode[C]) onlyFirst() bool { return false }

func (f *activationFnNode[C]) resolve(b *binder, args Args, numInputs int) func(in [][]C, out []C) {
	actArgs := DefaultActivationArgs[C]()
	if args != nil {
		actArgs = argsAs[ActivationArgs[C]](b, args)
	}
	if f.kind == ActivationClamp && actArgs.Lower > actArgs.Upper {
		b.failf("clamp lower bound %v is above the upper bound %v", actArgs.Lower, actArgs.Upper)
	}
	if f.grad {
		derivative := activationDerivative(f.kind, actArgs)
		if derivative == nil {
			b.failf("activation %q has no gradient", f.kind)
		}
		return func(in [][]C, out []C) {
			grad, z := in[0], in[1]
			for ii := range out {
				out[ii] = grad[ii] * derivative(z[ii])
			}
		}
	}
	act := activationFn(f.kind, actArgs)
	if act == nil {
		b.failf("unknown activation %d", int(f.kind))
	}
	return func(in [][]C, out []C) {
		for ii, x := range in[0] {
			out[ii] = act(x)
		}
	}
}

type computeOp[C numeric.Float] struct {
	fn Fn[C]
}

// Compute returns an Op that applies the element-wise fn to the values of its children.
// Its arguments are those of fn.
func Compute[C numeric.Float](fn Fn[C]) Op[C] {
	return &computeOp[C]{fn: fn}
}

// String implements fmt.Stringer.
func (c *computeOp[C]) String() string { return c.fn.String() }

func (c *computeOp[C]) arity() (int, int) { return c.fn.arity() }

func (c *computeOp[C]) bindOp(b *binder, args Args, numChildren int) boundOp[C] {
	numInputs := numChildren
	if c.fn.onlyFirst() {
		numInputs = 1
	}
	return &computeBound[C]{fn: c.fn.resolve(b, args, numInputs), first: c.fn.onlyFirst()}
}

type computeBound[C numeric.Float] struct {
	fn    func(in [][]C, out []C)
	first bool
}

func (c *computeBound[C]) elides() bool { return c.first }

func (c *computeBound[C]) instance(p *pass[C]) opInstance[C] { return c }

func (c *computeBound[C]) begin()             {}
func (c *computeBound[C]) reduce(results []C) {}
func (c *computeBound[C]) end()               {}
func (c *computeBound[C]) abort()             {}

func (c *computeBound[C]) visit(worker int, frag tile.Fragment, in [][]C, out []C) {
	c.fn(in, out)
}
