package xslices

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillSlice(t *testing.T) {
	s := make([]int, 7)
	FillSlice(s, 3)
	assert.Equal(t, []int{3, 3, 3, 3, 3, 3, 3}, s)
	assert.Equal(t, []float32{1, 1, 1}, SliceWithValue(3, float32(1)))
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Equal(t, []int{2, 4}, Map([]int{1, 2}, func(e int) int { return 2 * e }))
}

func TestSlicesInRelDelta(t *testing.T) {
	require.NoError(t, SlicesInRelDelta([]float32{1, 1000}, []float32{1.0001, 1000.5}, 1e-3))
	require.Error(t, SlicesInRelDelta([]float32{1, 1000}, []float32{1, 1002}, 1e-3))
	require.Error(t, SlicesInRelDelta([]float64{1}, []float64{1, 2}, 1e-3))
	nan := math.NaN()
	require.NoError(t, SlicesInRelDelta([]float64{nan}, []float64{nan}, 0))
	require.Error(t, SlicesInRelDelta([]float64{0}, []float64{nan}, 0))
}
