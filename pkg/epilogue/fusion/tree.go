// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// EVTArgs are the arguments of a tree node: those of its Op and of each of its children, in order.
// Missing trailing children arguments are nil.
type EVTArgs struct {
	Op       Args
	Children []Args
}

type treeNode[C numeric.Float] struct {
	op       Op[C]
	children []Node[C]
}

// EVT returns a tree node: op applied to the values of children, evaluated left to right for each
// fragment of the tile. Its arguments are EVTArgs.
func EVT[C numeric.Float](op Op[C], children ...Node[C]) Node[C] {
	return &treeNode[C]{op: op, children: children}
}

// String implements fmt.Stringer.
func (t *treeNode[C]) String() string {
	parts := make([]string, len(t.children))
	for ii, child := range t.children {
		parts[ii] = child.String()
	}
	return fmt.Sprintf("%s(%s)", t.op, strings.Join(parts, ", "))
}

func (t *treeNode[C]) bind(b *binder, args Args) bound[C] {
	b.push(t.op.String())
	defer b.pop()
	treeArgs := argsAs[EVTArgs](b, args)
	numChildren := len(t.children)
	minChildren, maxChildren := t.op.arity()
	if numChildren < minChildren || (maxChildren >= 0 && numChildren > maxChildren) {
		if maxChildren < 0 {
			b.failf("takes at least %d children, got %d", minChildren, numChildren)
		}
		b.failf("takes %d to %d children, got %d", minChildren, maxChildren, numChildren)
	}
	if len(treeArgs.Children) > numChildren {
		b.failf("%d children arguments given for %d children", len(treeArgs.Children), numChildren)
	}

	op := t.op.bindOp(b, treeArgs.Op, numChildren)
	used := numChildren
	if op.elides() {
		used = 1
	}
	atRoot := b.atRoot
	b.atRoot = false
	children := make([]bound[C], used)
	for ii := range used {
		b.push(fmt.Sprintf("#%d", ii))
		var childArgs Args
		if ii < len(treeArgs.Children) {
			childArgs = treeArgs.Children[ii]
		}
		children[ii] = t.children[ii].bind(b, childArgs)
		b.pop()
	}
	b.atRoot = atRoot
	return &treeBound[C]{op: op, children: children}
}

type treeBound[C numeric.Float] struct {
	op       boundOp[C]
	children []bound[C]
}

func (t *treeBound[C]) sourceNeeded() bool {
	for _, child := range t.children {
		if child.sourceNeeded() {
			return true
		}
	}
	return false
}

func (t *treeBound[C]) instance(p *pass[C]) instance[C] {
	workers, numChildren := p.cfg.Workers, len(t.children)
	inst := &treeInstance[C]{
		op:       t.op.instance(p),
		children: make([]instance[C], numChildren),
		bufs:     make([][][]C, workers),
		views:    make([][][]C, workers),
	}
	for ii, child := range t.children {
		inst.children[ii] = child.instance(p)
	}
	for w := range workers {
		inst.bufs[w] = makeBuffers[C](numChildren, p.cfg.FragmentSize)
		inst.views[w] = make([][]C, numChildren)
	}
	return inst
}

type treeInstance[C numeric.Float] struct {
	op       opInstance[C]
	children []instance[C]

	// Per worker, per child: fragment buffers and their views truncated to the current fragment.
	bufs, views [][][]C
}

func (t *treeInstance[C]) begin() {
	for _, child := range t.children {
		child.begin()
	}
	t.op.begin()
}

func (t *treeInstance[C]) visit(worker int, frag tile.Fragment, out []C) {
	bufs, views := t.bufs[worker], t.views[worker]
	for ii, child := range t.children {
		views[ii] = bufs[ii][:frag.Len]
		child.visit(worker, frag, views[ii])
	}
	t.op.visit(worker, frag, views, out)
}

func (t *treeInstance[C]) reduce(results []C) {
	for _, child := range t.children {
		child.reduce(results)
	}
	t.op.reduce(results)
}

func (t *treeInstance[C]) end() {
	for _, child := range t.children {
		child.end()
	}
	t.op.end()
}

func (t *treeInstance[C]) abort() {
	for _, child := range t.children {
		child.abort()
	}
	t.op.abort()
}
