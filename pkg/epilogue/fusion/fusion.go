// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion composes epilogue visitor trees: small computation nodes run on each output tile of a
// matrix multiplication, after the accumulator is computed and before results are written out.
//
// A graph is built from leaves (broadcasts, accumulator and prior-output fetches, auxiliary loads),
// composed with EVT (tree) and Split/Fetch (DAG), with parent operations given by Compute, AuxStore,
// reductions and TopKSoftmax. Compile binds the graph with its nested Args and resolves it into a
// Kernel: all type checks, elisions and buffer sizes are decided there, once, and the per-tile path
// has no dispatch on node kinds or types.
//
// Each tile runs in lockstep phases by a fixed group of workers:
//
//   - begin: per-tile setup (scalar loads, stage acquisition, issuing auxiliary loads);
//   - visit: each worker evaluates the graph on its fragments of the tile;
//   - reduce: after all workers finished visiting, reductions merge their partial results;
//   - end: stores hand their stages to the copy engine.
//
// Build-time errors are returned by Compile. There are no run-time errors: malformed inputs produce
// malformed tiles.
package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/gomlx/exceptions"
)

// Args is the Arguments record of a node: each node documents the concrete type it takes.
// A nil Args selects the defaults of the node, where it has any.
type Args = any

// Node is a node of a fusion graph with compute precision C.
//
// Nodes are created by the constructors of this package and composed with EVT and Split.
type Node[C numeric.Float] interface {
	fmt.Stringer

	// bind resolves the node with its arguments. Errors are thrown with exceptions.Panicf.
	bind(b *binder, args Args) bound[C]
}

// Op is a parent operation of a tree node: it combines the values of its children.
type Op[C numeric.Float] interface {
	fmt.Stringer

	// arity returns the minimum and maximum number of children; maximum is -1 if unbounded.
	arity() (minChildren, maxChildren int)

	// bindOp resolves the operation with its arguments, given the number of children.
	bindOp(b *binder, args Args, numChildren int) boundOp[C]
}

// bound is a node resolved with its arguments.
type bound[C numeric.Float] interface {
	// sourceNeeded returns whether the node reads the prior output (C) tile.
	sourceNeeded() bool

	// instance creates the per-tile state of the node.
	instance(p *pass[C]) instance[C]
}

// boundOp is an Op resolved with its arguments.
type boundOp[C numeric.Float] interface {
	// elides returns whether only the first child is used: the others are dropped at build time.
	elides() bool

	instance(p *pass[C]) opInstance[C]
}

// instance is the per-tile state of a node.
type instance[C numeric.Float] interface {
	begin()
	visit(worker int, frag tile.Fragment, out []C)
	reduce(results []C)
	end()

	// abort releases what begin acquired, without issuing any store. It is called instead of end when
	// begin or visit failed, so begin may have run only partially.
	abort()
}

// opInstance is the per-tile state of an Op.
type opInstance[C numeric.Float] interface {
	begin()
	visit(worker int, frag tile.Fragment, in [][]C, out []C)
	reduce(results []C)
	end()
	abort()
}

// phases provides no-op begin, reduce and end, to be embedded by stateless instances.
type phases[C numeric.Float] struct{}

func (phases[C]) begin()             {}
func (phases[C]) reduce(results []C) {}
func (phases[C]) end()               {}
func (phases[C]) abort()             {}

// pass is the state shared by all instances running on one tile.
type pass[C numeric.Float] struct {
	ctx *tile.Context[C]
	cfg *Config

	// slots hold the tile-sized values written by Split producers, by slot index.
	slots [][]C
}

// binder carries the state of Compile while it resolves a graph.
type binder struct {
	cfg      *Config
	kernelID string
	path     []string
	numKeys  int

	// atRoot is true while binding the node whose values are the final results of the graph.
	atRoot bool

	// Slots: open ones are visible to Fetch; closed ones were already used by a Split.
	slots     map[any]int
	openSlots map[any]bool
	numSlots  int
}

func newBinder(cfg *Config, kernelID string) *binder {
	return &binder{
		cfg:       cfg,
		kernelID:  kernelID,
		atRoot:    true,
		slots:     make(map[any]int),
		openSlots: make(map[any]bool),
	}
}

// push a node name in the path used in error messages. It must be matched by a pop.
func (b *binder) push(name string) { b.path = append(b.path, name) }

func (b *binder) pop() { b.path = b.path[:len(b.path)-1] }

// failf throws a build-time error, prefixed with the path of the node being bound.
func (b *binder) failf(format string, args ...any) {
	exceptions.Panicf("%s: %s", strings.Join(b.path, "/"), fmt.Sprintf(format, args...))
}

// newKey returns a key unique to the kernel, used to name staging rings.
func (b *binder) newKey(kind string) string {
	b.numKeys++
	return fmt.Sprintf("%s/%s#%d", b.kernelID, kind, b.numKeys)
}

// argsAs converts the node arguments to the type T expected by the node.
// A nil args returns the zero value of T.
func argsAs[T any](b *binder, args Args) T {
	var t T
	if args == nil {
		return t
	}
	t, ok := args.(T)
	if !ok {
		b.failf("expected arguments of type %T, got %T", t, args)
	}
	return t
}

// makeBuffers allocates count buffers of size elements.
func makeBuffers[C numeric.Float](count, size int) [][]C {
	flat := make([]C, count*size)
	bufs := make([][]C, count)
	for ii := range bufs {
		bufs[ii] = flat[ii*size : (ii+1)*size]
	}
	return bufs
}
