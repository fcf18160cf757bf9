package outquant

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestSegmentBytes(t *testing.T) {
	tests := []struct {
		format Format
		dim    int
		want   int
	}{
		{FP32, 16, 64},
		{FP16, 16, 32},
		{BF16, 16, 32},
		{INT8, 16, 24},
	}
	for _, tt := range tests {
		if got := SegmentBytes(tt.format, tt.dim); got != tt.want {
			t.Errorf("SegmentBytes(%s, %d) = %d, want %d", tt.format, tt.dim, got, tt.want)
		}
	}
}

func TestQuantize_FP32PassThrough(t *testing.T) {
	q, err := New(FP32, []int{4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	src := []float32{1.5, -2.25, 0, 1e-7}

	raw, err := q.Quantize(src, 1)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	got, err := q.Dequantize(raw, 1)
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}
	for i := range src {
		if got[i] != src[i] {
			t.Errorf("Element %d = %v, want %v", i, got[i], src[i])
		}
	}
}

func TestQuantize_NarrowFloatsExact(t *testing.T) {
	// Values representable in both binary16 and bfloat16 must survive.
	src := []float32{0, 1, -1, 0.5, 2, -0.25, 8, -32}
	for _, f := range []Format{FP16, BF16} {
		q, err := New(f, []int{len(src)})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", f, err)
		}
		raw, err := q.Quantize(src, 1)
		if err != nil {
			t.Fatalf("Quantize(%s) failed: %v", f, err)
		}
		got, err := q.Dequantize(raw, 1)
		if err != nil {
			t.Fatalf("Dequantize(%s) failed: %v", f, err)
		}
		for i := range src {
			if got[i] != src[i] {
				t.Errorf("%s element %d = %v, want %v", f, i, got[i], src[i])
			}
		}
	}
}

func TestQuantize_Fused8Layout(t *testing.T) {
	q, err := New(INT8, []int{2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	raw, err := q.Quantize([]float32{0, 255}, 1)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	if len(raw) != 10 {
		t.Fatalf("RowBytes = %d, want 10", len(raw))
	}
	if raw[0] != 0 || raw[1] != 255 {
		t.Errorf("Codes = [%d %d], want [0 255]", raw[0], raw[1])
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(raw[2:]))
	bias := math.Float32frombits(binary.LittleEndian.Uint32(raw[6:]))
	if scale != 1 || bias != 0 {
		t.Errorf("(scale, bias) = (%v, %v), want (1, 0)", scale, bias)
	}
}

func TestQuantize_Fused8Uniform(t *testing.T) {
	q, err := New(INT8, []int{4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	raw, err := q.Quantize([]float32{3.5, 3.5, 3.5, 3.5}, 1)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	got, err := q.Dequantize(raw, 1)
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}
	for i, v := range got {
		if v != 3.5 {
			t.Errorf("Element %d = %v, want 3.5", i, v)
		}
	}
}

func TestQuantize_Fused8ErrorBound(t *testing.T) {
	const dim = 32
	q, err := New(INT8, []int{dim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	src := make([]float32, dim)
	for i := range src {
		src[i] = float32(math.Sin(float64(i))) * 10
	}
	raw, err := q.Quantize(src, 1)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	got, err := q.Dequantize(raw, 1)
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}

	scale := math.Float32frombits(binary.LittleEndian.Uint32(raw[dim:]))
	for i := range src {
		if diff := math.Abs(float64(got[i] - src[i])); diff > float64(scale)*0.5+1e-5 {
			t.Errorf("Element %d off by %v, scale %v", i, diff, scale)
		}
	}
}

func TestQuantize_Fused8SegmentsIndependent(t *testing.T) {
	q, err := New(INT8, []int{2, 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Segment ranges differ by 100x; per-segment scaling keeps the small
	// segment precise.
	src := []float32{0, 1, 0, 100}
	raw, err := q.Quantize(src, 1)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	got, err := q.Dequantize(raw, 1)
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}
	if diff := math.Abs(float64(got[1] - 1)); diff > 1.0/255+1e-6 {
		t.Errorf("Small segment lost precision: %v", got[1])
	}
}

func TestQuantize_StableAfterFirstCycle(t *testing.T) {
	// Re-encoding a decoded row must reproduce the same bytes: the first
	// cycle snaps values onto the code grid, where they stay.
	const dim = 32
	src := make([]float32, dim)
	for i := range src {
		src[i] = float32(math.Sin(float64(i))) * 10
	}

	for _, f := range []Format{FP32, FP16, BF16, INT8} {
		q, err := New(f, []int{dim})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", f, err)
		}
		first, err := q.Quantize(src, 1)
		if err != nil {
			t.Fatalf("Quantize(%s) failed: %v", f, err)
		}
		decoded, err := q.Dequantize(first, 1)
		if err != nil {
			t.Fatalf("Dequantize(%s) failed: %v", f, err)
		}
		second, err := q.Quantize(decoded, 1)
		if err != nil {
			t.Fatalf("Re-quantize(%s) failed: %v", f, err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%s bytes changed on the second cycle", f)
		}
	}
}

func TestQuantize_Deterministic(t *testing.T) {
	dims := []int{8, 4}
	src := make([]float32, 24)
	for i := range src {
		src[i] = float32(i)*0.37 - 2
	}

	for _, f := range []Format{FP32, FP16, BF16, INT8} {
		a, err := New(f, dims)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", f, err)
		}
		b, err := New(f, dims)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", f, err)
		}
		ra, err := a.Quantize(src, 2)
		if err != nil {
			t.Fatalf("Quantize(%s) failed: %v", f, err)
		}
		rb, err := b.Quantize(src, 2)
		if err != nil {
			t.Fatalf("Quantize(%s) failed: %v", f, err)
		}
		if !bytes.Equal(ra, rb) {
			t.Errorf("%s output differs between identically configured quantizers", f)
		}
	}
}

func TestQuantize_SizeChecks(t *testing.T) {
	q, err := New(FP32, []int{4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := q.Quantize(make([]float32, 3), 1); err == nil {
		t.Error("Short input accepted")
	}
	if err := q.QuantizeInto(make([]byte, 15), make([]float32, 4), 1); err == nil {
		t.Error("Short output accepted")
	}
	if _, err := q.Dequantize(make([]byte, 15), 1); err == nil {
		t.Error("Short encoded input accepted")
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New(Format(9), []int{4}); err == nil {
		t.Error("Unknown format accepted")
	}
	if _, err := New(FP32, nil); err == nil {
		t.Error("Empty segment list accepted")
	}
	if _, err := New(FP32, []int{0}); err == nil {
		t.Error("Zero dimension accepted")
	}
}
