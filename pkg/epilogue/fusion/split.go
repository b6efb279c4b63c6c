// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// Slot names a value computed once by the producer of a Split and read by Fetch nodes in its consumers.
type Slot[C numeric.Float] struct {
	name string
}

// NewSlot creates a new slot. The name is only used in descriptions and error messages.
func NewSlot[C numeric.Float](name string) *Slot[C] {
	return &Slot[C]{name: name}
}

// String implements fmt.Stringer.
func (s *Slot[C]) String() string { return s.name }

// SplitArgs are the arguments of a Split node: those of the producer and of each consumer.
type SplitArgs struct {
	Producer  Args
	Consumers []Args
}

type splitNode[C numeric.Float] struct {
	slot      *Slot[C]
	producer  Node[C]
	consumers []Node[C]
}

// Split turns a tree into a DAG: producer is evaluated once per fragment, its values stored in slot,
// and then each consumer is evaluated in order, reading the values with Fetch(slot).
//
// The value of the Split is the one of its last consumer: the other consumers are evaluated for their
// side effects (stores and reductions).
// Per fragment, the producer is evaluated before any consumer; per tile, the producer's reduce and end
// phases run before the consumers' ones.
//
// Its arguments are SplitArgs.
func Split[C numeric.Float](slot *Slot[C], producer Node[C], consumers ...Node[C]) Node[C] {
	return &splitNode[C]{slot: slot, producer: producer, consumers: consumers}
}

// String implements fmt.Stringer.
func (s *splitNode[C]) String() string {
	parts := make([]string, len(s.consumers))
	for ii, consumer := range s.consumers {
		parts[ii] = consumer.String()
	}
	return fmt.Sprintf("Split(%s=%s; %s)", s.slot, s.producer, strings.Join(parts, "; "))
}

func (s *splitNode[C]) bind(b *binder, args Args) bound[C] {
	b.push(fmt.Sprintf("Split(%s)", s.slot))
	defer b.pop()
	if len(s.consumers) == 0 {
		b.failf("Split requires at least one consumer")
	}
	if _, found := b.slots[s.slot]; found {
		b.failf("slot %q is split more than once", s.slot)
	}
	splitArgs := argsAs[SplitArgs](b, args)
	if len(splitArgs.Consumers) > len(s.consumers) {
		b.failf("%d consumers arguments given for %d consumers", len(splitArgs.Consumers), len(s.consumers))
	}

	atRoot := b.atRoot
	b.atRoot = false
	b.push("producer")
	producer := s.producer.bind(b, splitArgs.Producer)
	b.pop()

	idx := b.numSlots
	b.numSlots++
	b.slots[s.slot] = idx
	b.openSlots[s.slot] = true
	last := len(s.consumers) - 1
	consumers := make([]bound[C], len(s.consumers))
	for ii, consumer := range s.consumers {
		b.push(fmt.Sprintf("consumer#%d", ii))
		b.atRoot = atRoot && ii == last
		var consumerArgs Args
		if ii < len(splitArgs.Consumers) {
			consumerArgs = splitArgs.Consumers[ii]
		}
		consumers[ii] = consumer.bind(b, consumerArgs)
		b.pop()
	}
	delete(b.openSlots, s.slot)
	b.atRoot = atRoot
	return &splitBound[C]{slot: idx, producer: producer, consumers: consumers}
}

type splitBound[C numeric.Float] struct {
	slot      int
	producer  bound[C]
	consumers []bound[C]
}

func (s *splitBound[C]) sourceNeeded() bool {
	if s.producer.sourceNeeded() {
		return true
	}
	for _, consumer := range s.consumers {
		if consumer.sourceNeeded() {
			return true
		}
	}
	return false
}

func (s *splitBound[C]) instance(p *pass[C]) instance[C] {
	inst := &splitInstance[C]{
		p:         p,
		slot:      s.slot,
		producer:  s.producer.instance(p),
		consumers: make([]instance[C], len(s.consumers)),
		scratch:   makeBuffers[C](p.cfg.Workers, p.cfg.FragmentSize),
	}
	for ii, consumer := range s.consumers {
		inst.consumers[ii] = consumer.instance(p)
	}
	return inst
}

type splitInstance[C numeric.Float] struct {
	p         *pass[C]
	slot      int
	producer  instance[C]
	consumers []instance[C]
	scratch   [][]C // Per worker: output of the side consumers, discarded.
}

func (s *splitInstance[C]) begin() {
	s.producer.begin()
	for _, consumer := range s.consumers {
		consumer.begin()
	}
}

func (s *splitInstance[C]) visit(worker int, frag tile.Fragment, out []C) {
	s.producer.visit(worker, frag, s.p.slots[s.slot][frag.Start:frag.End()])
	last := len(s.consumers) - 1
	for _, consumer := range s.consumers[:last] {
		consumer.visit(worker, frag, s.scratch[worker][:frag.Len])
	}
	s.consumers[last].visit(worker, frag, out)
}

func (s *splitInstance[C]) reduce(results []C) {
	s.producer.reduce(results)
	for _, consumer := range s.consumers {
		consumer.reduce(results)
	}
}

func (s *splitInstance[C]) end() {
	s.producer.end()
	for _, consumer := range s.consumers {
		consumer.end()
	}
}

func (s *splitInstance[C]) abort() {
	s.producer.abort()
	for _, consumer := range s.consumers {
		consumer.abort()
	}
}

type fetchNode[C numeric.Float] struct {
	slot *Slot[C]
}

// Fetch reads the values stored in slot by the enclosing Split's producer. It takes no arguments.
//
// It is a build-time error to use Fetch outside the consumers of the Split of its slot.
func Fetch[C numeric.Float](slot *Slot[C]) Node[C] {
	return &fetchNode[C]{slot: slot}
}

// String implements fmt.Stringer.
func (f *fetchNode[C]) String() string { return fmt.Sprintf("Fetch(%s)", f.slot) }

func (f *fetchNode[C]) bind(b *binder, args Args) bound[C] {
	b.push(f.String())
	defer b.pop()
	idx, found := b.slots[f.slot]
	if !found {
		b.failf("slot %q is not bound by an enclosing Split", f.slot)
	}
	if !b.openSlots[f.slot] {
		b.failf("slot %q is fetched outside the consumers of its Split", f.slot)
	}
	return fetchBound[C]{slot: idx}
}

type fetchBound[C numeric.Float] struct {
	slot int
}

func (f fetchBound[C]) sourceNeeded() bool { return false }

func (f fetchBound[C]) instance(p *pass[C]) instance[C] {
	return &fetchInstance[C]{p: p, slot: f.slot}
}

type fetchInstance[C numeric.Float] struct {
	phases[C]
	p    *pass[C]
	slot int
}

func (f *fetchInstance[C]) visit(worker int, frag tile.Fragment, out []C) {
	copy(out, f.p.slots[f.slot][frag.Start:frag.End()])
}
