// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package numeric

import (
	"math"
	"testing"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/evt/pkg/core/dtypes/float8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNarrow(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		x := 1 + math.Ldexp(1, -30)
		assert.Equal(t, float32(1), Narrow[float64, float32](RoundToNearest)(x))
		y := 1 - math.Ldexp(1, -30)
		assert.Equal(t, float32(1), Narrow[float64, float32](RoundToNearest)(y))
		assert.Less(t, Narrow[float64, float32](RoundTowardZero)(y), float32(1))
		assert.Equal(t, float32(math.MaxFloat32), Narrow[float64, float32](RoundTowardZero)(1e300))
	})
	t.Run("float16", func(t *testing.T) {
		toNearest := Narrow[float32, float16.Float16](RoundToNearest)
		towardZero := Narrow[float32, float16.Float16](RoundTowardZero)
		// 1 + 3*2^-12 is closer to 1 + 2^-10 than to 1.
		x := float32(1 + 3.0/4096)
		assert.Equal(t, float32(1+1.0/1024), toNearest(x).Float32())
		assert.Equal(t, float32(1), towardZero(x).Float32())
		assert.Equal(t, float32(-1), towardZero(-x).Float32())
		assert.Equal(t, float32(65504), towardZero(1e6).Float32())
		assert.True(t, math.IsInf(float64(toNearest(1e6).Float32()), 1))
	})
	t.Run("bfloat16", func(t *testing.T) {
		x := float32(1 + 3.0/512)
		assert.Equal(t, float32(1+1.0/128), Narrow[float32, bfloat16.BFloat16](RoundToNearest)(x).Float32())
		assert.Equal(t, float32(1), Narrow[float32, bfloat16.BFloat16](RoundTowardZero)(x).Float32())
	})
	t.Run("float8", func(t *testing.T) {
		assert.Equal(t, float8.E4M3FNFromFloat64(448), Narrow[float32, float8.E4M3FN](RoundToNearest)(1000))
		assert.Equal(t, 1.0, Narrow[float32, float8.E5M2](RoundTowardZero)(1.2).Float64())
	})
	t.Run("int", func(t *testing.T) {
		assert.Equal(t, int8(127), Narrow[float32, int8](RoundToNearest)(300))
		assert.Equal(t, int8(-128), Narrow[float32, int8](RoundToNearest)(-300))
		assert.Equal(t, int8(2), Narrow[float32, int8](RoundToNearest)(2.5))
		assert.Equal(t, int8(-2), Narrow[float32, int8](RoundTowardZero)(-2.7))
		assert.Equal(t, uint8(0), Narrow[float32, uint8](RoundToNearest)(-3))
		assert.Equal(t, uint8(0), Narrow[float32, uint8](RoundToNearest)(float32(math.NaN())))
		assert.Equal(t, int32(7), Narrow[float64, int32](RoundToNearest)(6.6))
	})
}

func TestWidenAndConvert(t *testing.T) {
	assert.Equal(t, 448.0, Widen[float64, float8.E4M3FN]()(float8.E4M3FNFromFloat64(448)))
	assert.Equal(t, float32(-3), Widen[float32, int8]()(-3))
	convert := Convert[float32, float8.E4M3FN](RoundToNearest)
	assert.Equal(t, float32(1.125), convert(1.1))
	assert.Equal(t, float32(448), convert(1e9))
}

// storeInComputePrecision narrows and widens x with C as both compute precision and element type.
func storeInComputePrecision[C Float](x C) (dtypes.DType, C) {
	return dtypes.FromGenericsType[C](), Widen[C, C]()(Narrow[C, C](RoundToNearest)(x))
}

func TestComputePrecisionAsElement(t *testing.T) {
	dtype, x := storeInComputePrecision(float32(1.5))
	assert.Equal(t, dtypes.Float32, dtype)
	assert.Equal(t, float32(1.5), x)
	dtype, y := storeInComputePrecision(-0.25)
	assert.Equal(t, dtypes.Float64, dtype)
	assert.Equal(t, -0.25, y)
}

func TestParseRoundStyle(t *testing.T) {
	r, err := ParseRoundStyle("zero")
	require.NoError(t, err)
	assert.Equal(t, RoundTowardZero, r)
	_, err = ParseRoundStyle("up")
	require.Error(t, err)
}
