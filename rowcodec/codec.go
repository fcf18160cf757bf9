// Package rowcodec encodes and decodes single embedding rows between their
// compact storage layout and a float32 working representation.
//
// Integer formats (INT8/INT4/INT2) use per-row affine quantization: the
// stored code c reconstructs as c*scale + bias, with scale and bias kept as
// two binary16 values trailing the packed codes. Sub-byte formats pack codes
// low-order bits first within each byte, independent of platform endianness.
// Floating formats (FP32/FP16/BF16/FP8) are straight numeric widen/narrow
// with no side data.
package rowcodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/hupe1980/embedbag/internal/bf16"
)

// ErrFormatMismatch indicates a row buffer whose byte length is inconsistent
// with the declared format and dimension.
type ErrFormatMismatch struct {
	Format Format
	Dim    int
	Want   int
	Got    int
}

func (e *ErrFormatMismatch) Error() string {
	return fmt.Sprintf("row length mismatch for %s dim %d: want %d bytes, got %d", e.Format, e.Dim, e.Want, e.Got)
}

type codecFns struct {
	encode func(dst []byte, src []float32)
	decode func(dst []float32, src []byte)
}

// codecs is the dispatch table over the closed Format set. Integer formats
// are handled separately because they carry per-row side data.
var codecs = [...]codecFns{
	FP32: {encodeFP32, decodeFP32},
	FP16: {encodeFP16, decodeFP16},
	BF16: {encodeBF16, decodeBF16},
	FP8:  {encodeFP8, decodeFP8},
}

// Encode quantizes a float32 row into the compact layout for f.
// The returned buffer has length RowBytes(f, len(row)).
func Encode(row []float32, f Format) ([]byte, error) {
	n, err := RowBytes(f, len(row))
	if err != nil {
		return nil, err
	}
	dst := make([]byte, n)
	if err := EncodeInto(dst, row, f); err != nil {
		return nil, err
	}
	return dst, nil
}

// EncodeInto is Encode writing into a caller-supplied buffer of exactly
// RowBytes(f, len(row)) bytes.
func EncodeInto(dst []byte, row []float32, f Format) error {
	want, err := RowBytes(f, len(row))
	if err != nil {
		return err
	}
	if len(dst) != want {
		return &ErrFormatMismatch{Format: f, Dim: len(row), Want: want, Got: len(dst)}
	}
	if f.HasScaleBias() {
		encodeAffine(dst, row, f.BitRate())
		return nil
	}
	codecs[f].encode(dst, row)
	return nil
}

// Decode reconstructs a float32 row of dim elements from its compact layout.
// It fails with ErrFormatMismatch if len(b) does not match the declared
// format and dimension.
func Decode(b []byte, f Format, dim int) ([]float32, error) {
	dst := make([]float32, dim)
	if err := DecodeInto(dst, b, f); err != nil {
		return nil, err
	}
	return dst, nil
}

// DecodeInto is Decode writing into a caller-supplied row of the target
// dimension.
func DecodeInto(dst []float32, b []byte, f Format) error {
	want, err := RowBytes(f, len(dst))
	if err != nil {
		return err
	}
	if len(b) != want {
		return &ErrFormatMismatch{Format: f, Dim: len(dst), Want: want, Got: len(b)}
	}
	if f.HasScaleBias() {
		decodeAffine(dst, b, f.BitRate())
		return nil
	}
	codecs[f].decode(dst, b)
	return nil
}

// ScaleBias extracts the trailing (scale, bias) pair of an integer-format
// row.
func ScaleBias(b []byte, f Format, dim int) (scale, bias float32, err error) {
	if !f.HasScaleBias() {
		return 0, 0, fmt.Errorf("rowcodec: %s rows carry no scale/bias", f)
	}
	want, err := RowBytes(f, dim)
	if err != nil {
		return 0, 0, err
	}
	if len(b) != want {
		return 0, 0, &ErrFormatMismatch{Format: f, Dim: dim, Want: want, Got: len(b)}
	}
	scale, bias = readScaleBias(b[len(b)-ScaleBiasBytes:])
	return scale, bias, nil
}

// PutScaleBias overwrites the trailing (scale, bias) pair of an
// integer-format row. Test fixtures use this to pin scale=1, bias=0 for
// lossless integer round trips.
func PutScaleBias(b []byte, f Format, dim int, scale, bias float32) error {
	if !f.HasScaleBias() {
		return fmt.Errorf("rowcodec: %s rows carry no scale/bias", f)
	}
	want, err := RowBytes(f, dim)
	if err != nil {
		return err
	}
	if len(b) != want {
		return &ErrFormatMismatch{Format: f, Dim: dim, Want: want, Got: len(b)}
	}
	writeScaleBias(b[len(b)-ScaleBiasBytes:], scale, bias)
	return nil
}

func readScaleBias(b []byte) (scale, bias float32) {
	scale = float16.Frombits(binary.LittleEndian.Uint16(b[0:2])).Float32()
	bias = float16.Frombits(binary.LittleEndian.Uint16(b[2:4])).Float32()
	return scale, bias
}

func writeScaleBias(b []byte, scale, bias float32) {
	binary.LittleEndian.PutUint16(b[0:2], float16.Fromfloat32(scale).Bits())
	binary.LittleEndian.PutUint16(b[2:4], float16.Fromfloat32(bias).Bits())
}

// encodeAffine maps the row's [min, max] onto [0, 2^bits-1] and stores the
// resulting codes packed low-order bits first, followed by the binary16
// (scale, bias) pair. The scale/bias are rounded to binary16 before
// quantizing so that re-encoding a decoded row reproduces identical bytes.
func encodeAffine(dst []byte, row []float32, bits int) {
	levels := float32(int(1)<<bits - 1)

	minVal, maxVal := row[0], row[0]
	for _, v := range row[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}

	// Round through binary16 first: decode uses the stored halves, so the
	// quantization grid must be built from the same rounded values.
	bias := float16.Fromfloat32(minVal).Float32()
	scale := float16.Fromfloat32((maxVal - bias) / levels).Float32()

	packed := dst[:len(dst)-ScaleBiasBytes]
	for i := range packed {
		packed[i] = 0
	}

	inv := float32(0)
	if scale != 0 {
		inv = 1 / scale
	}
	perByte := 8 / bits
	for i, v := range row {
		q := int((v-bias)*inv + 0.5)
		if q < 0 {
			q = 0
		}
		if q > int(levels) {
			q = int(levels)
		}
		shift := uint((i % perByte) * bits)
		packed[i/perByte] |= byte(q) << shift
	}

	writeScaleBias(dst[len(dst)-ScaleBiasBytes:], scale, bias)
}

func decodeAffine(dst []float32, b []byte, bits int) {
	scale, bias := readScaleBias(b[len(b)-ScaleBiasBytes:])
	packed := b[:len(b)-ScaleBiasBytes]

	perByte := 8 / bits
	mask := byte(int(1)<<bits - 1)
	for i := range dst {
		shift := uint((i % perByte) * bits)
		q := (packed[i/perByte] >> shift) & mask
		dst[i] = float32(q)*scale + bias
	}
}

func encodeFP32(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func decodeFP32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

func encodeFP16(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
	}
}

func decodeFP16(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
	}
}

func encodeBF16(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(bf16.FromFloat32(v)))
	}
}

func decodeBF16(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = bf16.ToFloat32(bf16.Bits(binary.LittleEndian.Uint16(src[i*2:])))
	}
}

func encodeFP8(dst []byte, src []float32) {
	for i, v := range src {
		dst[i] = fp8FromFloat32(v)
	}
}

func decodeFP8(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = fp8ToFloat32(src[i])
	}
}
