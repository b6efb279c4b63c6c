// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package float8 implements the two 8-bit floating point formats used for narrow outputs of fused
// epilogues: E4M3FN and E5M2, following the OCP 8-bit floating point specification.
//
// Conversions from wider floats saturate to the largest finite value ("satfinite"), the way
// hardware converters do when writing narrow outputs: values beyond range, including infinities,
// become ±MaxValue. NaN is preserved.
package float8

import (
	"math"
	"strconv"
)

// E4M3FN has 1 sign bit, 4 exponent bits (bias 7) and 3 mantissa bits. It has no infinities and a
// single NaN encoding (S.1111.111). Its largest finite value is 448.
type E4M3FN uint8

// E5M2 has 1 sign bit, 5 exponent bits (bias 15) and 2 mantissa bits, with IEEE-like infinities and
// NaNs. Its largest finite value is 57344.
type E5M2 uint8

// format describes the layout of an 8-bit float.
type format struct {
	mantissaBits int
	bias         int
	maxFinite    float64
	maxBits      uint8 // encoding of maxFinite, without sign.
	nanBits      uint8 // canonical NaN, without sign.
	hasInf       bool
}

var (
	e4m3fn = format{mantissaBits: 3, bias: 7, maxFinite: 448, maxBits: 0x7E, nanBits: 0x7F}
	e5m2   = format{mantissaBits: 2, bias: 15, maxFinite: 57344, maxBits: 0x7B, nanBits: 0x7E, hasInf: true}
)

const (
	signBit = 0x80
)

// decode converts the bits of an 8-bit float to float64. Every value is exactly representable.
func (f format) decode(bits uint8) float64 {
	sign := 1.0
	if bits&signBit != 0 {
		sign = -1
	}
	mag := bits &^ signBit
	expField := int(mag >> f.mantissaBits)
	manField := int(mag & (1<<f.mantissaBits - 1))
	maxExpField := (1 << (7 - f.mantissaBits)) - 1
	if f.hasInf {
		if expField == maxExpField {
			if manField == 0 {
				return math.Inf(int(sign))
			}
			return math.NaN()
		}
	} else if mag == f.nanBits {
		return math.NaN()
	}
	if expField == 0 {
		// Subnormal.
		return sign * math.Ldexp(float64(manField), 1-f.bias-f.mantissaBits)
	}
	return sign * math.Ldexp(float64(manField|1<<f.mantissaBits), expField-f.bias-f.mantissaBits)
}

// encode converts x to the 8-bit format, saturating to the largest finite value.
// If truncate is true it rounds toward zero, otherwise to nearest, ties to even.
func (f format) encode(x float64, truncate bool) uint8 {
	var sign uint8
	if math.Signbit(x) {
		sign = signBit
		x = -x
	}
	if math.IsNaN(x) {
		return sign | f.nanBits
	}
	if x >= f.maxFinite {
		return sign | f.maxBits
	}
	if x == 0 {
		return sign
	}

	// Quantum (spacing of representable values) at the magnitude of x.
	_, exp := math.Frexp(x) // x = frac * 2^exp, frac in [0.5, 1)
	e := exp - 1
	minNormalExp := 1 - f.bias
	if e < minNormalExp {
		e = minNormalExp
	}
	quantumExp := e - f.mantissaBits
	steps := math.Ldexp(x, -quantumExp)
	if truncate {
		steps = math.Trunc(steps)
	} else {
		steps = math.RoundToEven(steps)
	}
	v := math.Ldexp(steps, quantumExp)
	if v >= f.maxFinite {
		return sign | f.maxBits
	}
	if v == 0 {
		return sign
	}

	// Rounding may have carried into the next binade: recompute the exponent from v.
	_, exp = math.Frexp(v)
	e = exp - 1
	if e < minNormalExp {
		// Subnormal: exponent field is 0.
		man := uint8(math.Ldexp(v, f.bias-1+f.mantissaBits))
		return sign | man
	}
	man := uint8(math.Ldexp(v, f.mantissaBits-e)) &^ (1 << f.mantissaBits)
	expField := uint8(e + f.bias)
	return sign | expField<<f.mantissaBits | man
}

// E4M3FNFromFloat64 converts x to E4M3FN, rounding to nearest-even and saturating.
func E4M3FNFromFloat64(x float64) E4M3FN { return E4M3FN(e4m3fn.encode(x, false)) }

// E4M3FNFromFloat32 converts x to E4M3FN, rounding to nearest-even and saturating.
func E4M3FNFromFloat32(x float32) E4M3FN { return E4M3FNFromFloat64(float64(x)) }

// E4M3FNTowardZero converts x to E4M3FN, rounding toward zero and saturating.
func E4M3FNTowardZero(x float64) E4M3FN { return E4M3FN(e4m3fn.encode(x, true)) }

// Float64 returns the exact value of f.
func (f E4M3FN) Float64() float64 { return e4m3fn.decode(uint8(f)) }

// Float32 returns the exact value of f.
func (f E4M3FN) Float32() float32 { return float32(f.Float64()) }

// Bits returns the raw encoding.
func (f E4M3FN) Bits() uint8 { return uint8(f) }

// IsNaN reports whether f is NaN.
func (f E4M3FN) IsNaN() bool { return uint8(f)&^signBit == e4m3fn.nanBits }

// String implements fmt.Stringer.
func (f E4M3FN) String() string {
	return strconv.FormatFloat(f.Float64(), 'g', -1, 32)
}

// E5M2FromFloat64 converts x to E5M2, rounding to nearest-even and saturating.
func E5M2FromFloat64(x float64) E5M2 { return E5M2(e5m2.encode(x, false)) }

// E5M2FromFloat32 converts x to E5M2, rounding to nearest-even and saturating.
func E5M2FromFloat32(x float32) E5M2 { return E5M2FromFloat64(float64(x)) }

// E5M2TowardZero converts x to E5M2, rounding toward zero and saturating.
func E5M2TowardZero(x float64) E5M2 { return E5M2(e5m2.encode(x, true)) }

// Float64 returns the exact value of f.
func (f E5M2) Float64() float64 { return e5m2.decode(uint8(f)) }

// Float32 returns the exact value of f.
func (f E5M2) Float32() float32 { return float32(f.Float64()) }

// Bits returns the raw encoding.
func (f E5M2) Bits() uint8 { return uint8(f) }

// IsNaN reports whether f is NaN.
func (f E5M2) IsNaN() bool {
	mag := uint8(f) &^ signBit
	return mag > 0x7C
}

// String implements fmt.Stringer.
func (f E5M2) String() string {
	return strconv.FormatFloat(f.Float64(), 'g', -1, 32)
}

// Largest finite values.
const (
	MaxE4M3FN = 448.0
	MaxE5M2   = 57344.0
)
