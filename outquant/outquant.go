// Package outquant converts the float32 lookup output into its final wire
// format.
//
// Output rows keep the per-table segment structure of the pooled layout. The
// float formats are plain element-wise narrowing. The fused 8-bit format
// quantizes each segment of each row independently and appends that
// segment's (scale, bias) as two little-endian float32 values, so a segment
// of dimension D occupies D+8 bytes.
package outquant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/hupe1980/embedbag/internal/bf16"
)

// Format selects the output element encoding.
type Format uint8

const (
	// FP32 passes the pooled values through unchanged.
	FP32 Format = iota
	// FP16 narrows each element to IEEE-754 binary16.
	FP16
	// BF16 narrows each element to bfloat16.
	BF16
	// INT8 quantizes each row segment to uint8 codes with a trailing
	// float32 (scale, bias) pair.
	INT8
)

func (f Format) String() string {
	switch f {
	case FP32:
		return "fp32"
	case FP16:
		return "fp16"
	case BF16:
		return "bf16"
	case INT8:
		return "int8"
	default:
		return fmt.Sprintf("output(%d)", uint8(f))
	}
}

// IsValid reports whether f is a known output format.
func (f Format) IsValid() bool { return f <= INT8 }

// sideBytes is the trailing per-segment metadata of the fused 8-bit format.
const sideBytes = 8

// SegmentBytes returns the encoded byte width of one segment of dimension
// dim.
func SegmentBytes(f Format, dim int) int {
	switch f {
	case FP32:
		return 4 * dim
	case FP16, BF16:
		return 2 * dim
	case INT8:
		return dim + sideBytes
	default:
		return 0
	}
}

// Quantizer encodes row-major float32 matrices whose rows consist of fixed
// per-table segments. Safe for concurrent use.
type Quantizer struct {
	format   Format
	dims     []int
	width    int   // float32 elements per input row
	offsets  []int // byte offset of each segment within an output row
	rowBytes int
}

// New builds a quantizer for rows made of the given segment dimensions.
func New(format Format, dims []int) (*Quantizer, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("outquant: invalid output format %d", uint8(format))
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("outquant: no segments")
	}
	q := &Quantizer{
		format:  format,
		dims:    make([]int, len(dims)),
		offsets: make([]int, len(dims)),
	}
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("outquant: invalid segment dimension %d", d)
		}
		q.dims[i] = d
		q.offsets[i] = q.rowBytes
		q.width += d
		q.rowBytes += SegmentBytes(format, d)
	}
	return q, nil
}

// Format returns the output format.
func (q *Quantizer) Format() Format { return q.format }

// Width returns the float32 elements per input row.
func (q *Quantizer) Width() int { return q.width }

// RowBytes returns the encoded byte length of one output row.
func (q *Quantizer) RowBytes() int { return q.rowBytes }

// Quantize encodes rows consecutive input rows from src.
func (q *Quantizer) Quantize(src []float32, rows int) ([]byte, error) {
	dst := make([]byte, rows*q.rowBytes)
	if err := q.QuantizeInto(dst, src, rows); err != nil {
		return nil, err
	}
	return dst, nil
}

// QuantizeInto encodes into dst, which must hold rows*RowBytes() bytes.
func (q *Quantizer) QuantizeInto(dst []byte, src []float32, rows int) error {
	if len(src) != rows*q.width {
		return fmt.Errorf("outquant: %d input elements for %d rows of width %d", len(src), rows, q.width)
	}
	if len(dst) != rows*q.rowBytes {
		return fmt.Errorf("outquant: %d output bytes for %d rows of %d bytes", len(dst), rows, q.rowBytes)
	}
	for r := 0; r < rows; r++ {
		in := src[r*q.width : (r+1)*q.width]
		out := dst[r*q.rowBytes : (r+1)*q.rowBytes]
		col := 0
		for s, d := range q.dims {
			q.encodeSegment(out[q.offsets[s]:], in[col:col+d])
			col += d
		}
	}
	return nil
}

func (q *Quantizer) encodeSegment(dst []byte, src []float32) {
	switch q.format {
	case FP32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case FP16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(float16.Fromfloat32(v)))
		}
	case BF16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(bf16.FromFloat32(v)))
		}
	case INT8:
		encodeFused8(dst, src)
	}
}

// encodeFused8 writes len(src) uint8 codes followed by float32 scale and
// bias. Reconstruction is code*scale + bias.
func encodeFused8(dst []byte, src []float32) {
	minV, maxV := src[0], src[0]
	for _, v := range src[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	rng := maxV - minV
	scale := rng / 255
	if rng > 0 {
		inv := 255 / rng
		for i, v := range src {
			c := int((v-minV)*inv + 0.5)
			if c > 255 {
				c = 255
			}
			dst[i] = byte(c)
		}
	} else {
		for i := range src {
			dst[i] = 0
		}
	}
	binary.LittleEndian.PutUint32(dst[len(src):], math.Float32bits(scale))
	binary.LittleEndian.PutUint32(dst[len(src)+4:], math.Float32bits(minV))
}

// Dequantize decodes rows encoded output rows back to float32.
func (q *Quantizer) Dequantize(raw []byte, rows int) ([]float32, error) {
	dst := make([]float32, rows*q.width)
	if err := q.DequantizeInto(dst, raw, rows); err != nil {
		return nil, err
	}
	return dst, nil
}

// DequantizeInto decodes into dst, which must hold rows*Width() elements.
func (q *Quantizer) DequantizeInto(dst []float32, raw []byte, rows int) error {
	if len(raw) != rows*q.rowBytes {
		return fmt.Errorf("outquant: %d input bytes for %d rows of %d bytes", len(raw), rows, q.rowBytes)
	}
	if len(dst) != rows*q.width {
		return fmt.Errorf("outquant: %d output elements for %d rows of width %d", len(dst), rows, q.width)
	}
	for r := 0; r < rows; r++ {
		in := raw[r*q.rowBytes : (r+1)*q.rowBytes]
		out := dst[r*q.width : (r+1)*q.width]
		col := 0
		for s, d := range q.dims {
			q.decodeSegment(out[col:col+d], in[q.offsets[s]:])
			col += d
		}
	}
	return nil
}

func (q *Quantizer) decodeSegment(dst []float32, src []byte) {
	switch q.format {
	case FP32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case FP16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case BF16:
		for i := range dst {
			dst[i] = bf16.ToFloat32(bf16.Bits(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case INT8:
		scale := math.Float32frombits(binary.LittleEndian.Uint32(src[len(dst):]))
		bias := math.Float32frombits(binary.LittleEndian.Uint32(src[len(dst)+4:]))
		for i := range dst {
			dst[i] = float32(src[i])*scale + bias
		}
	}
}
