// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types of tensors read and written by
// fused epilogues, converters to/from Go types, and generics constraints.
//
// It is derived from GoMLX's dtypes package, restricted to the types an epilogue can store, and
// extended with the 8-bit float formats (see subpackage float8).
package dtypes

import (
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/evt/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/evt/pkg/core/dtypes/float8"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters are not valid.
// In principle, it should never happen -- the same way nil-pointer panics should never happen.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// Element lists the Go types a fused epilogue can load from or store to.
// Used as a generics constraint.
type Element interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16 | float8.E4M3FN | float8.E5M2 |
		int8 | uint8 | int32
}

// GoFloat represent a continuous Go numeric type, used as compute precision.
type GoFloat interface {
	float32 | float64
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Element]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case float8.E4M3FN:
		return F8E4M3FN
	case float8.E5M2:
		return F8E5M2
	case int8:
		return Int8
	case uint8:
		return Uint8
	case int32:
		return Int32
	}
	return InvalidDType
}

// IsNarrowFloat returns whether T is one of the 8-bit float formats, which require explicit
// per-tensor scaling to preserve dynamic range.
//
// It depends only on the type, so callers use it to choose between build-time variants.
func IsNarrowFloat[T Element]() bool {
	return FromGenericsType[T]().IsNarrowFloat()
}

// Pre-generate constant reflect.TypeOf for convenience.
var (
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
	e4m3fnType   = reflect.TypeOf(float8.E4M3FN(0))
	e5m2Type     = reflect.TypeOf(float8.E5M2(0))
)

// FromGoType returns the DType for the given "reflect.Type", or InvalidDType if not an Element.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float16Type:
		return Float16
	case bfloat16Type:
		return BFloat16
	case e4m3fnType:
		return F8E4M3FN
	case e5m2Type:
		return F8E5M2
	}
	switch t.Kind() {
	case reflect.Int32:
		return Int32
	case reflect.Int8:
		return Int8
	case reflect.Uint8:
		return Uint8
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

// FromAny introspects the underlying type of any and returns the corresponding DType.
// Non-scalar types, or unsupported types return an InvalidType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// GoType returns the Go `reflect.Type` corresponding to the DType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int8:
		return reflect.TypeOf(int8(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Float16:
		return float16Type
	case BFloat16:
		return bfloat16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	case F8E4M3FN:
		return e4m3fnType
	case F8E5M2:
		return e5m2Type
	default:
		panicf("unknown dtype %q (%d) in DType.GoType", dtype, int32(dtype))
		panic(nil)
	}
}

// Size returns the number of bytes for the given DType.
func (dtype DType) Size() int {
	return int(dtype.GoType().Size())
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// IsFloat returns whether dtype is a float, including the 16 and 8 bits formats.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype.IsFloat16() || dtype.IsNarrowFloat()
}

// IsFloat16 returns whether dtype is a supported float with 16 bits: [Float16] or [BFloat16].
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsNarrowFloat returns whether dtype is an 8-bit float: [F8E4M3FN] or [F8E5M2].
func (dtype DType) IsNarrowFloat() bool {
	return dtype == F8E4M3FN || dtype == F8E5M2
}

// IsInt returns whether dtype is an integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int8 || dtype == Uint8 || dtype == Int32
}

// HighestFinite returns the largest finite value representable by dtype, as a float64.
// Conversions that saturate clamp to it.
func (dtype DType) HighestFinite() float64 {
	switch dtype {
	case Float64:
		return math.MaxFloat64
	case Float32:
		return math.MaxFloat32
	case Float16:
		return 65504
	case BFloat16:
		return float64(math.Float32frombits(0x7F7F0000))
	case F8E4M3FN:
		return float8.MaxE4M3FN
	case F8E5M2:
		return float8.MaxE5M2
	case Int8:
		return math.MaxInt8
	case Uint8:
		return math.MaxUint8
	case Int32:
		return math.MaxInt32
	default:
		return 0
	}
}

// LowestFinite returns the lowest finite value representable by dtype, as a float64.
func (dtype DType) LowestFinite() float64 {
	switch dtype {
	case Uint8:
		return 0
	case Int8:
		return math.MinInt8
	case Int32:
		return math.MinInt32
	default:
		return -dtype.HighestFinite()
	}
}
