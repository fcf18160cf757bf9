// Package bf16 implements bfloat16 encoding/decoding.

// This package is internal: it exists to support bfloat16 as a storage and
// output format while keeping execution in float32.
package bf16

import (
	"math"
)

// Bits is the raw bfloat16 bit-pattern: the upper 16 bits of an IEEE-754
// binary32 with the same sign and exponent layout.
//
// Layout:
//
//	sign: 1 bit
//	exp:  8 bits (bias 127)
//	frac: 7 bits
type Bits uint16

// FromFloat32 narrows to bfloat16 with round-to-nearest, ties-to-even.
// NaN payloads are quieted so rounding cannot turn a NaN into infinity.
func FromFloat32(f float32) Bits {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return Bits(bits>>16) | 0x0040
	}
	// Add half an ULP of the 16-bit result, plus the parity bit for ties.
	bits += 0x7FFF + ((bits >> 16) & 1)
	return Bits(bits >> 16)
}

// ToFloat32 widens a bfloat16 bit-pattern to float32 exactly.
func ToFloat32(h Bits) float32 {
	return math.Float32frombits(uint32(h) << 16)
}
