package bf16

import (
	"math"
	"testing"
)

func TestFromFloat32_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want Bits
	}{
		{"+0", 0, 0x0000},
		{"+1", 1, 0x3F80},
		{"-1", -1, 0xBF80},
		{"+2", 2, 0x4000},
		{"0.5", 0.5, 0x3F00},
		{"+inf", float32(math.Inf(1)), 0x7F80},
		{"-inf", float32(math.Inf(-1)), 0xFF80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromFloat32(tt.in); got != tt.want {
				t.Errorf("FromFloat32(%v) = %#04x, want %#04x", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromFloat32_RoundsToNearestEven(t *testing.T) {
	// 1 + 2^-8 sits exactly between 1.0 and the next bfloat16 (1 + 2^-7).
	// Ties-to-even must pick 1.0 (even fraction).
	in := float32(1) + float32(1)/256
	if got := FromFloat32(in); got != 0x3F80 {
		t.Errorf("FromFloat32(%v) = %#04x, want 0x3f80 (tie to even)", in, got)
	}

	// Just above the tie rounds up.
	in = float32(1) + float32(3)/512
	if got := FromFloat32(in); got != 0x3F81 {
		t.Errorf("FromFloat32(%v) = %#04x, want 0x3f81", in, got)
	}
}

func TestFromFloat32_NaNStaysNaN(t *testing.T) {
	got := ToFloat32(FromFloat32(float32(math.NaN())))
	if !math.IsNaN(float64(got)) {
		t.Errorf("NaN round-trip produced %v", got)
	}
}

func TestRoundTrip_Exact(t *testing.T) {
	// Values exactly representable in bfloat16 must survive unchanged.
	for _, v := range []float32{0, 1, -1, 0.5, 2, 4, -0.25, 128, 3.5} {
		if got := ToFloat32(FromFloat32(v)); got != v {
			t.Errorf("Round trip of %v = %v", v, got)
		}
	}
}
