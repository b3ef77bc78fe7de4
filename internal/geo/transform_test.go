package geo

import (
	"errors"
	"math"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		feet  float64
		scale float64
	}{
		{0, 1},
		{100, 1},
		{37.5, 0.25},
		{1234.56, 3.125},
		{0.001, 10},
	}
	for _, tc := range cases {
		canvas, err := ToCanvas(tc.feet, tc.scale)
		if err != nil {
			t.Fatalf("ToCanvas(%v, %v): %v", tc.feet, tc.scale, err)
		}
		back, err := ToFeet(canvas, tc.scale)
		if err != nil {
			t.Fatalf("ToFeet(%v, %v): %v", canvas, tc.scale, err)
		}
		if math.Abs(back-tc.feet) > 1e-9 {
			t.Errorf("round trip feet=%v scale=%v: got %v", tc.feet, tc.scale, back)
		}
	}
}

func TestInvalidScale(t *testing.T) {
	for _, scale := range []float64{0, -1, -0.001} {
		if _, err := ToCanvas(10, scale); !errors.Is(err, ErrInvalidScale) {
			t.Errorf("ToCanvas scale=%v: expected ErrInvalidScale, got %v", scale, err)
		}
		if _, err := ToFeet(10, scale); !errors.Is(err, ErrInvalidScale) {
			t.Errorf("ToFeet scale=%v: expected ErrInvalidScale, got %v", scale, err)
		}
	}
}
