package rowcodec

import "math"

// FP8 here is the e4m3 variant: 1 sign bit, 4 exponent bits (bias 7),
// 3 mantissa bits. There is no infinity encoding; the all-ones pattern
// (exponent 15, mantissa 7) is NaN and every other exponent-15 pattern is a
// normal number, giving a maximum finite magnitude of 448.

const (
	fp8ExpBias  = 7
	fp8NaN      = 0x7F
	fp8MaxBits  = 0x7E // 448
	fp8MaxValue = 448.0
)

// fp8FromFloat32 narrows to e4m3 with round-to-nearest, ties-to-even.
// Values beyond the finite range saturate; NaN stays NaN.
func fp8FromFloat32(f float32) uint8 {
	bits := math.Float32bits(f)
	sign := uint8(bits>>24) & 0x80
	abs := bits & 0x7FFFFFFF

	if abs > 0x7F800000 {
		return sign | fp8NaN
	}
	if math.Float32frombits(abs) > fp8MaxValue {
		return sign | fp8MaxBits
	}
	if abs == 0 {
		return sign
	}

	exp := int32(abs>>23) - 127
	mant := abs & 0x007FFFFF

	if exp < -6 {
		// Subnormal target: magnitude is m * 2^-9 with m in [0, 7].
		shift := uint32(20 + (-6 - exp))
		if shift >= 32 {
			return sign
		}
		m := mant | 0x00800000
		q := m >> shift
		rem := m & (1<<shift - 1)
		half := uint32(1) << (shift - 1)
		if rem > half || (rem == half && q&1 == 1) {
			q++
		}
		// q == 8 carries into the smallest normal (exponent field 1).
		return sign | uint8(q)
	}

	q := mant >> 20
	rem := mant & 0x000FFFFF
	if rem > 0x00080000 || (rem == 0x00080000 && q&1 == 1) {
		q++
		if q == 8 {
			q = 0
			exp++
		}
	}
	e := exp + fp8ExpBias
	if e > 15 || (e == 15 && q == 7) {
		return sign | fp8MaxBits
	}
	return sign | uint8(e)<<3 | uint8(q)
}

func fp8ToFloat32(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int32(b>>3) & 0x0F
	mant := float32(b & 0x07)

	if exp == 0 {
		// Subnormal: mant * 2^-9.
		return sign * mant * float32(1.0/512.0)
	}
	if exp == 15 && mant == 7 {
		return float32(math.NaN())
	}
	return sign * (1 + mant/8) * float32(math.Pow(2, float64(exp-fp8ExpBias)))
}
