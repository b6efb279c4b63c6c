// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitChan returns the channel that one can use on a `select` to check when the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// SyncMap is a trivial wrapper to sync.Map that casts the key and value types accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key, or the zero value if no value is present.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadOrCreate returns the existing value for the key if present.
// Otherwise, it calls create and stores its result, unless another goroutine stored a value first,
// in which case that value is returned instead.
func (m *SyncMap[K, V]) LoadOrCreate(key K, create func() V) (actual V) {
	if v, ok := m.Map.Load(key); ok {
		return v.(V)
	}
	v, _ := m.Map.LoadOrStore(key, create())
	return v.(V)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// AtomicFloat holds a float updated atomically with compare-and-swap.
//
// The zero value holds 0.
type AtomicFloat[F constraints.Float] struct {
	bits atomic.Uint64
}

// Load returns the current value.
func (a *AtomicFloat[F]) Load() F {
	return F(math.Float64frombits(a.bits.Load()))
}

// Store sets the value, disregarding the current one.
func (a *AtomicFloat[F]) Store(value F) {
	a.bits.Store(math.Float64bits(float64(value)))
}

// Update atomically replaces the current value v by fn(v), retrying if another goroutine
// changed it concurrently. fn must be free of side effects, since it may be called more than once.
//
// It returns the new value.
func (a *AtomicFloat[F]) Update(fn func(current F) F) F {
	for {
		oldBits := a.bits.Load()
		newValue := fn(F(math.Float64frombits(oldBits)))
		if a.bits.CompareAndSwap(oldBits, math.Float64bits(float64(newValue))) {
			return newValue
		}
	}
}
