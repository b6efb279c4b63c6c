// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package float8

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE4M3FN(t *testing.T) {
	t.Run("exact", func(t *testing.T) {
		for _, v := range []float64{0, 1, -1, 0.5, 1.125, 3.5, 240, 448, -448, math.Ldexp(1, -9), math.Ldexp(3, -9)} {
			assert.Equal(t, v, E4M3FNFromFloat64(v).Float64(), "value %g", v)
		}
	})
	t.Run("encoding", func(t *testing.T) {
		assert.Equal(t, uint8(0x38), E4M3FNFromFloat64(1).Bits())
		assert.Equal(t, uint8(0x7E), E4M3FNFromFloat64(448).Bits())
		assert.Equal(t, uint8(0x01), E4M3FNFromFloat64(math.Ldexp(1, -9)).Bits())
		assert.Equal(t, uint8(0x80), E4M3FNFromFloat64(math.Copysign(0, -1)).Bits())
	})
	t.Run("saturate", func(t *testing.T) {
		assert.Equal(t, 448.0, E4M3FNFromFloat64(1e6).Float64())
		assert.Equal(t, -448.0, E4M3FNFromFloat64(math.Inf(-1)).Float64())
		assert.Equal(t, 448.0, E4M3FNFromFloat64(470).Float64())
	})
	t.Run("rounding", func(t *testing.T) {
		// Between 1 and 1.125: 1.0625 is a tie, goes to even mantissa (1).
		assert.Equal(t, 1.0, E4M3FNFromFloat64(1.0625).Float64())
		assert.Equal(t, 1.125, E4M3FNFromFloat64(1.07).Float64())
		assert.Equal(t, 1.0, E4M3FNTowardZero(1.12).Float64())
		assert.Equal(t, -1.0, E4M3FNTowardZero(-1.12).Float64())
		// Carry into the next binade.
		assert.Equal(t, 2.0, E4M3FNFromFloat64(1.97).Float64())
	})
	t.Run("nan", func(t *testing.T) {
		f := E4M3FNFromFloat64(math.NaN())
		require.True(t, f.IsNaN())
		assert.True(t, math.IsNaN(f.Float64()))
	})
}

func TestE5M2(t *testing.T) {
	for _, v := range []float64{0, 1, -2, 0.75, 57344, math.Ldexp(1, -16)} {
		assert.Equal(t, v, E5M2FromFloat64(v).Float64(), "value %g", v)
	}
	assert.Equal(t, uint8(0x3C), E5M2FromFloat64(1).Bits())
	assert.Equal(t, 57344.0, E5M2FromFloat64(math.Inf(1)).Float64())
	assert.Equal(t, 1.5, E5M2FromFloat64(1.4).Float64())
	assert.True(t, E5M2FromFloat64(math.NaN()).IsNaN())
	assert.True(t, math.IsInf(E5M2(0x7C).Float64(), 1))
	assert.False(t, E5M2(0x7C).IsNaN())
}

func TestAllEncodingsRoundTrip(t *testing.T) {
	for b := range 256 {
		f := E4M3FN(b)
		if f.IsNaN() {
			continue
		}
		assert.Equal(t, uint8(b), E4M3FNFromFloat64(f.Float64()).Bits(), "E4M3FN bits 0x%02x", b)
	}
	for b := range 256 {
		f := E5M2(b)
		if f.IsNaN() || math.IsInf(f.Float64(), 0) {
			continue
		}
		assert.Equal(t, uint8(b), E5M2FromFloat64(f.Float64()).Bits(), "E5M2 bits 0x%02x", b)
	}
}
