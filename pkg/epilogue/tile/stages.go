// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tile

import (
	"sync"

	"github.com/gomlx/evt/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Stages is a ring of staging buffers with a depth fixed when it is created.
//
// A buffer is acquired by a store (or load) for one tile and released by the copy engine once its
// transfer completed. Acquire blocks until the next buffer of the ring is free, so a stage is never
// reused before the pipeline signals it.
type Stages[E any] struct {
	buffers [][]E
	free    []chan struct{} // One token per buffer, present when the buffer is free.
	next    int
	mu      sync.Mutex
}

// Stage is one acquired buffer of a Stages ring.
type Stage[E any] struct {
	Index int
	Data  []E
	ring  *Stages[E]
}

// NewStages creates a ring of depth buffers with size elements each.
func NewStages[E any](depth, size int) *Stages[E] {
	if depth <= 0 {
		panic(errors.Errorf("tile.NewStages: depth must be > 0, got %d", depth))
	}
	s := &Stages[E]{
		buffers: make([][]E, depth),
		free:    make([]chan struct{}, depth),
	}
	for ii := range depth {
		s.buffers[ii] = make([]E, size)
		s.free[ii] = make(chan struct{}, 1)
		s.free[ii] <- struct{}{}
	}
	return s
}

// Depth returns the number of buffers in the ring.
func (s *Stages[E]) Depth() int { return len(s.buffers) }

// Acquire blocks until the next buffer in the ring is released, and returns it.
// Buffers are handed out in ring order.
func (s *Stages[E]) Acquire() *Stage[E] {
	s.mu.Lock()
	idx := s.next
	s.next = (s.next + 1) % len(s.buffers)
	s.mu.Unlock()
	<-s.free[idx]
	return &Stage[E]{Index: idx, Data: s.buffers[idx], ring: s}
}

// TryAcquire is like Acquire, but returns nil instead of blocking if the next buffer is not free.
func (s *Stages[E]) TryAcquire() *Stage[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next
	select {
	case <-s.free[idx]:
		s.next = (s.next + 1) % len(s.buffers)
		return &Stage[E]{Index: idx, Data: s.buffers[idx], ring: s}
	default:
		return nil
	}
}

// Release marks the stage as free for reuse. It is called once the transfer of its data completed.
func (st *Stage[E]) Release() {
	st.ring.free[st.Index] <- struct{}{}
}

// SharedStorage holds the staging rings of a group of workers processing tiles one after the other.
// Rings are keyed by the graph node that owns them, and created on first use.
type SharedStorage struct {
	rings xsync.SyncMap[string, any]
}

// NewSharedStorage creates an empty SharedStorage.
func NewSharedStorage() *SharedStorage {
	return &SharedStorage{}
}

// Ring returns the ring for key, creating it with the given depth and buffer size if needed.
func Ring[E any](storage *SharedStorage, key string, depth, size int) *Stages[E] {
	ring := storage.rings.LoadOrCreate(key, func() any { return NewStages[E](depth, size) })
	stages, ok := ring.(*Stages[E])
	if !ok {
		panic(errors.Errorf("tile.Ring: ring %q holds %T, not %T", key, ring, stages))
	}
	return stages
}

// CopyEngine moves staged data between tile buffers and memory.
//
// Issue runs copyFn, possibly asynchronously, and calls done once it finished.
type CopyEngine interface {
	Issue(copyFn func(), done func())
}

// SyncCopy is a CopyEngine that runs copies immediately in the caller's goroutine.
type SyncCopy struct{}

// Issue implements CopyEngine.
func (SyncCopy) Issue(copyFn func(), done func()) {
	copyFn()
	done()
}

// AsyncCopy is a CopyEngine that runs each copy in its own goroutine.
// Wait blocks until all issued copies finished.
type AsyncCopy struct {
	wg sync.WaitGroup
}

// Issue implements CopyEngine.
func (a *AsyncCopy) Issue(copyFn func(), done func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		copyFn()
		done()
	}()
}

// Wait for all issued copies to finish.
func (a *AsyncCopy) Wait() {
	a.wg.Wait()
}
