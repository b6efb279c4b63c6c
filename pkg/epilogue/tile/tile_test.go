// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tile

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragments(t *testing.T) {
	frags := Fragments(Shape{M: 3, N: 4}, 5)
	require.Len(t, frags, 3)
	assert.Equal(t, Fragment{Index: 2, Start: 10, Len: 2}, frags[2])
	assert.Equal(t, 10, frags[1].End())
	assert.Len(t, Fragments(Shape{M: 2, N: 2}, 0), 1)
}

func TestContext(t *testing.T) {
	ctx := &Context[float32]{
		Problem: Problem{M: 5, N: 3, K: 1, L: 1},
		Shape:   Shape{M: 4, N: 2},
		Coord:   Coord{M: 1, N: 1},
	}
	assert.Equal(t, 5, ctx.Row(1))
	assert.Equal(t, 2, ctx.Col(0))
	assert.True(t, ctx.Valid(0, 0))
	assert.False(t, ctx.Valid(1, 0))
	assert.False(t, ctx.Valid(0, 1))
	assert.Equal(t, 1, ctx.ValidRows())
	assert.Equal(t, 1, ctx.ValidCols())
	r, c := ctx.RowCol(5)
	assert.Equal(t, []int{2, 1}, []int{r, c})
	m, n := ctx.Shape.Count(ctx.Problem)
	assert.Equal(t, []int{2, 2}, []int{m, n})
	require.Error(t, Problem{M: 1, N: 0, K: 1, L: 1}.Validate())
}

func TestStride(t *testing.T) {
	s := RowMajor(2, 3)
	assert.Equal(t, 1*3+2+6, s.Offset(1, 2, 1))
	assert.Equal(t, 1+2, ColMajor(2, 3).Offset(1, 1, 0))
	broadcast := Stride{M: One, N: Zero, L: Zero}
	assert.Equal(t, broadcast.Offset(3, 0, 0), broadcast.Offset(3, 99, 7))
	assert.Equal(t, "(_1, _0, _0)", broadcast.String())
	assert.Equal(t, 0, Step(0).Offset(5))
}

func TestTensor(t *testing.T) {
	tensor := Tensor[float32]{Data: []float32{1, 2, 3, 4}, Stride: RowMajor(2, 2)}
	v, ok := tensor.At(1, 0, 0)
	assert.True(t, ok)
	assert.Equal(t, float32(3), v)
	_, ok = tensor.At(1, 0, 1)
	assert.False(t, ok)

	t.Run("alignment", func(t *testing.T) {
		aligned := Tensor[float32]{Stride: RowMajor(4, 8)}
		require.NoError(t, aligned.CheckAlignment(8))
		require.Error(t, aligned.CheckAlignment(16))
		noContiguous := Tensor[float32]{Stride: Stride{M: Step(2), N: Step(2), L: Zero}}
		require.Error(t, noContiguous.CheckAlignment(2))
		require.NoError(t, noContiguous.CheckAlignment(1))
	})

	t.Run("load-store", func(t *testing.T) {
		problem := Problem{M: 3, N: 3, K: 1, L: 1}
		src := NewTensor[float32](problem)
		for ii := range src.Data {
			src.Data[ii] = float32(ii + 1)
		}
		ctx := &Context[float64]{Problem: problem, Shape: Shape{M: 2, N: 2}, Coord: Coord{M: 1, N: 1}}
		dst := make([]float64, 4)
		LoadTile(ctx, src, func(e float32) float64 { return float64(e) }, -1, dst)
		assert.Equal(t, []float64{9, -1, -1, -1}, dst)

		out := NewTensor[float32](problem)
		StoreTile(ctx, []float32{7, 8, 9, 10}, out)
		assert.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0, 0, 7}, out.Data)
	})
}

func TestStages(t *testing.T) {
	ring := NewStages[float32](2, 4)
	assert.Equal(t, 2, ring.Depth())
	s0 := ring.Acquire()
	s1 := ring.Acquire()
	assert.Equal(t, 0, s0.Index)
	assert.Equal(t, 1, s1.Index)
	assert.Len(t, s0.Data, 4)
	assert.Nil(t, ring.TryAcquire())

	// The third acquisition must wait for stage 0, even if stage 1 is released first.
	var acquired atomic.Int32
	done := make(chan *Stage[float32])
	go func() {
		st := ring.Acquire()
		acquired.Store(1)
		done <- st
	}()
	s1.Release()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(0), acquired.Load())
	s0.Release()
	s2 := <-done
	assert.Equal(t, 0, s2.Index)
}

func TestRing(t *testing.T) {
	storage := NewSharedStorage()
	r0 := Ring[float32](storage, "D", 2, 16)
	r1 := Ring[float32](storage, "D", 3, 8)
	assert.Same(t, r0, r1)
	assert.Equal(t, 2, r1.Depth())
	assert.Panics(t, func() { Ring[int8](storage, "D", 2, 16) })
}

func TestCopyEngines(t *testing.T) {
	var count atomic.Int32
	SyncCopy{}.Issue(func() { count.Add(1) }, func() { count.Add(10) })
	assert.Equal(t, int32(11), count.Load())

	var async AsyncCopy
	for range 8 {
		async.Issue(func() { count.Add(1) }, func() { count.Add(10) })
	}
	async.Wait()
	assert.Equal(t, int32(11+8*11), count.Load())
}
