package units

import (
	"math"
	"testing"
)

func TestMpsToKmh(t *testing.T) {
	if got := MpsToKmh(10); got != 36 {
		t.Errorf("expected 36, got %f", got)
	}
}

func TestKmhToMpsRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 5, 13.9, 120} {
		if got := MpsToKmh(KmhToMps(v)); math.Abs(got-v) > 1e-9 {
			t.Errorf("round trip of %f gave %f", v, got)
		}
	}
}
