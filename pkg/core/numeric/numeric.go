// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numeric defines the compute precision of fused epilogues and the converters between compute
// precision and storage element types.
//
// Converters are resolved once, when a graph is built, into a plain function: there is no per-element
// type dispatch.
package numeric

import (
	"math"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/evt/pkg/core/dtypes/float8"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Float is the constraint for compute precision. It is also a dtypes.Element, so values in compute
// precision can be stored and loaded like any other element type.
type Float interface {
	dtypes.GoFloat
}

// RoundStyle is the rounding policy applied when narrowing from compute precision to a storage type.
//
// Conversions to 8-bit floats and to integers always saturate to the finite range of the target.
type RoundStyle int

const (
	// RoundToNearest rounds to the nearest representable value, ties to even.
	RoundToNearest RoundStyle = iota

	// RoundTowardZero truncates the extra precision.
	RoundTowardZero
)

// String implements fmt.Stringer.
func (r RoundStyle) String() string {
	switch r {
	case RoundToNearest:
		return "RoundToNearest"
	case RoundTowardZero:
		return "RoundTowardZero"
	default:
		return "RoundStyle(?)"
	}
}

// ParseRoundStyle converts "nearest" or "zero" (or the String() names) to a RoundStyle.
func ParseRoundStyle(s string) (RoundStyle, error) {
	switch s {
	case "nearest", "RoundToNearest", "rn":
		return RoundToNearest, nil
	case "zero", "toward_zero", "RoundTowardZero", "rz":
		return RoundTowardZero, nil
	}
	return 0, errors.Errorf("unknown rounding style %q, valid values are \"nearest\" or \"zero\"", s)
}

// Narrow returns the converter from compute precision C to the storage type E, with the given rounding.
func Narrow[C Float, E dtypes.Element](round RoundStyle) func(C) E {
	var e E
	truncate := round == RoundTowardZero
	var fn any
	switch any(e).(type) {
	case float64:
		fn = func(x C) float64 { return float64(x) }
	case float32:
		if truncate {
			fn = func(x C) float32 { return float32TowardZero(float64(x)) }
		} else {
			fn = func(x C) float32 { return float32(x) }
		}
	case float16.Float16:
		if truncate {
			fn = func(x C) float16.Float16 { return float16TowardZero(float64(x)) }
		} else {
			fn = func(x C) float16.Float16 { return float16.Fromfloat32(float32(x)) }
		}
	case bfloat16.BFloat16:
		if truncate {
			fn = func(x C) bfloat16.BFloat16 { return bfloat16.FromFloat32(float32TowardZero(float64(x))) }
		} else {
			fn = func(x C) bfloat16.BFloat16 { return bfloat16.FromFloat32RoundNearest(float32(x)) }
		}
	case float8.E4M3FN:
		if truncate {
			fn = func(x C) float8.E4M3FN { return float8.E4M3FNTowardZero(float64(x)) }
		} else {
			fn = func(x C) float8.E4M3FN { return float8.E4M3FNFromFloat64(float64(x)) }
		}
	case float8.E5M2:
		if truncate {
			fn = func(x C) float8.E5M2 { return float8.E5M2TowardZero(float64(x)) }
		} else {
			fn = func(x C) float8.E5M2 { return float8.E5M2FromFloat64(float64(x)) }
		}
	case int8:
		fn = func(x C) int8 { return int8(toInt(float64(x), math.MinInt8, math.MaxInt8, truncate)) }
	case uint8:
		fn = func(x C) uint8 { return uint8(toInt(float64(x), 0, math.MaxUint8, truncate)) }
	case int32:
		fn = func(x C) int32 { return int32(toInt(float64(x), math.MinInt32, math.MaxInt32, truncate)) }
	}
	return fn.(func(C) E)
}

// Widen returns the converter from the storage type E to compute precision C.
func Widen[C Float, E dtypes.Element]() func(E) C {
	var e E
	var fn any
	switch any(e).(type) {
	case float64:
		fn = func(x float64) C { return C(x) }
	case float32:
		fn = func(x float32) C { return C(x) }
	case float16.Float16:
		fn = func(x float16.Float16) C { return C(x.Float32()) }
	case bfloat16.BFloat16:
		fn = func(x bfloat16.BFloat16) C { return C(x.Float32()) }
	case float8.E4M3FN:
		fn = func(x float8.E4M3FN) C { return C(x.Float64()) }
	case float8.E5M2:
		fn = func(x float8.E5M2) C { return C(x.Float64()) }
	case int8:
		fn = func(x int8) C { return C(x) }
	case uint8:
		fn = func(x uint8) C { return C(x) }
	case int32:
		fn = func(x int32) C { return C(x) }
	}
	return fn.(func(E) C)
}

// Convert is a round trip through E: the value of x once stored as E with the given rounding.
func Convert[C Float, E dtypes.Element](round RoundStyle) func(C) C {
	narrow, widen := Narrow[C, E](round), Widen[C, E]()
	return func(x C) C { return widen(narrow(x)) }
}

func float32TowardZero(x float64) float32 {
	f := float32(x)
	if math.IsInf(float64(f), 0) && !math.IsInf(x, 0) {
		return float32(math.Copysign(math.MaxFloat32, x))
	}
	if math.Abs(float64(f)) > math.Abs(x) {
		f = math.Nextafter32(f, 0)
	}
	return f
}

func float16TowardZero(x float64) float16.Float16 {
	f := float16.Fromfloat32(float32TowardZero(x))
	if f.IsNaN() {
		return f
	}
	if math.Abs(float64(f.Float32())) > math.Abs(x) {
		// Step the magnitude one ulp toward zero, which also turns an overflow to infinity into the
		// largest finite value.
		f = float16.Frombits(f.Bits() - 1)
	}
	return f
}

// toInt rounds and saturates x to [lowest, highest]. NaN converts to 0.
func toInt(x, lowest, highest float64, truncate bool) int64 {
	if math.IsNaN(x) {
		return 0
	}
	if truncate {
		x = math.Trunc(x)
	} else {
		x = math.RoundToEven(x)
	}
	return int64(max(lowest, min(highest, x)))
}
