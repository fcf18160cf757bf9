package rowcodec

import "fmt"

// Format is the closed set of supported row encodings. It replaces runtime
// duck-typed dispatch with a tagged variant: every (Format, dimension)
// combination is verified at table construction time, not at lookup time.
type Format uint8

const (
	// FP32 stores each element as IEEE-754 binary32. No scale/bias.
	FP32 Format = iota
	// FP16 stores each element as IEEE-754 binary16. No scale/bias.
	FP16
	// BF16 stores each element as bfloat16 (truncated binary32). No scale/bias.
	BF16
	// FP8 stores each element as an 8-bit e4m3 float. No scale/bias.
	FP8
	// INT8 stores each element as an unsigned 8-bit code with a trailing
	// per-row (scale, bias) pair of binary16 values.
	INT8
	// INT4 packs two unsigned 4-bit codes per byte, low-order bits first,
	// with a trailing per-row (scale, bias) pair of binary16 values.
	INT4
	// INT2 packs four unsigned 2-bit codes per byte, low-order bits first,
	// with a trailing per-row (scale, bias) pair of binary16 values.
	INT2
)

// ScaleBiasBytes is the size of the trailing per-row (scale, bias) pair for
// integer formats: two IEEE-754 binary16 values, little-endian.
const ScaleBiasBytes = 4

// BitRate returns the storage width per element in bits.
func (f Format) BitRate() int {
	switch f {
	case FP32:
		return 32
	case FP16, BF16:
		return 16
	case FP8, INT8:
		return 8
	case INT4:
		return 4
	case INT2:
		return 2
	default:
		return 0
	}
}

// AlignSize returns the element-count granularity a row dimension must be a
// multiple of. Sub-byte formats pack multiple elements per byte, so partial
// trailing bytes are not representable.
func (f Format) AlignSize() int {
	bits := f.BitRate()
	if bits == 0 || bits%8 == 0 {
		return 1
	}
	return 8 / bits
}

// HasScaleBias reports whether rows of this format carry a trailing
// (scale, bias) pair.
func (f Format) HasScaleBias() bool {
	switch f {
	case INT8, INT4, INT2:
		return true
	default:
		return false
	}
}

// IsValid reports whether f is one of the declared formats.
func (f Format) IsValid() bool {
	return f <= INT2
}

func (f Format) String() string {
	switch f {
	case FP32:
		return "fp32"
	case FP16:
		return "fp16"
	case BF16:
		return "bf16"
	case FP8:
		return "fp8"
	case INT8:
		return "int8"
	case INT4:
		return "int4"
	case INT2:
		return "int2"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat converts a textual format name (as used in table configs)
// into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "fp32", "FP32":
		return FP32, nil
	case "fp16", "FP16":
		return FP16, nil
	case "bf16", "BF16":
		return BF16, nil
	case "fp8", "FP8":
		return FP8, nil
	case "int8", "INT8":
		return INT8, nil
	case "int4", "INT4":
		return INT4, nil
	case "int2", "INT2":
		return INT2, nil
	default:
		return 0, fmt.Errorf("rowcodec: unknown format %q", s)
	}
}

// RowBytes returns the encoded byte length of a row with dim elements:
// ceil(dim*bits/8) plus the trailing scale/bias pair for integer formats.
// dim must be positive and a multiple of AlignSize.
func RowBytes(f Format, dim int) (int, error) {
	if !f.IsValid() {
		return 0, fmt.Errorf("rowcodec: invalid format %d", uint8(f))
	}
	if dim <= 0 {
		return 0, fmt.Errorf("rowcodec: invalid dimension %d", dim)
	}
	if align := f.AlignSize(); dim%align != 0 {
		return 0, fmt.Errorf("rowcodec: dimension %d not a multiple of %d for %s", dim, align, f)
	}
	n := (dim*f.BitRate() + 7) / 8
	if f.HasScaleBias() {
		n += ScaleBiasBytes
	}
	return n, nil
}
