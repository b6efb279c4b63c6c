// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum for the element types a fused epilogue can load from or store to.
//
// The numbering follows the XLA/PJRT buffer types, so values can be exchanged with other GoMLX tools.
type DType int32

const (
	// InvalidDType is the zero value, used for unknown types.
	InvalidDType DType = 0

	// Int8 is a signed 8-bit integer, used for quantized outputs.
	Int8 DType = 2

	// Int32 is a signed 32-bit integer.
	Int32 DType = 4

	// Uint8 is an unsigned 8-bit integer, used for quantized outputs.
	Uint8 DType = 6

	// Float16 is the IEEE half-precision float (github.com/x448/float16).
	Float16 DType = 10

	// Float32 is the IEEE single-precision float.
	Float32 DType = 11

	// Float64 is the IEEE double-precision float.
	Float64 DType = 12

	// BFloat16 is the truncated 16-bit float: 1 sign bit, 8 exponent bits and 7 mantissa bits.
	BFloat16 DType = 13

	// F8E5M2 is the 8-bit float with 5 exponent bits and 2 mantissa bits, with infinities.
	F8E5M2 DType = 16

	// F8E4M3FN is the 8-bit float with 4 exponent bits and 3 mantissa bits, finite only (no infinities)
	// and a single NaN mantissa.
	F8E4M3FN DType = 17
)

// Aliases.
const (
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
	S8   = Int8
	S32  = Int32
	U8   = Uint8
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int8:         "Int8",
	Int32:        "Int32",
	Uint8:        "Uint8",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	F8E5M2:       "F8E5M2",
	F8E4M3FN:     "F8E4M3FN",
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Int8":         Int8,
	"S8":           Int8,
	"Int32":        Int32,
	"S32":          Int32,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Float16":      Float16,
	"F16":          Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
	"F8E5M2":       F8E5M2,
	"E5M2":         F8E5M2,
	"F8E4M3FN":     F8E4M3FN,
	"E4M3":         F8E4M3FN,
}
