package transform

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var testCal = Calibration{
	Sides: [NumSides]Coefficients{
		{
			SFPToProbe:   Affine{C0: 1, Cxx: 2, Cxy: 0.5, D0: -1, Dyx: 0.25, Dyy: 3},
			ProbeToSFP:   Affine{C0: -0.4, Cxx: 0.5, Cxy: -0.1, D0: 0.3, Dyx: 0, Dyy: 0.33},
			PixelToProbe: Linear{Xx: 0.01, Xy: 0, Yx: 0, Yy: -0.01},
			Focus:        FocusPlane{F0: 0.2, Fx: 0.001, Fy: -0.002},
		},
		{
			SFPToProbe:   Affine{C0: 0, Cxx: -1, Cxy: 0, D0: 0, Dyx: 0, Dyy: -1},
			ProbeToSFP:   Affine{C0: 0.1, Cxx: -1, Cxy: 0, D0: 0.1, Dyx: 0, Dyy: -1},
			PixelToProbe: Linear{Xx: 0, Xy: 0.02, Yx: 0.02, Yy: 0},
		},
	},
}

var approx = cmpopts.EquateApprox(0, 1e-12)

func TestTransforms(t *testing.T) {
	type pair struct{ X, Y float64 }
	for _, test := range []struct {
		name string
		fn   func() (float64, float64)
		want pair
	}{
		{"sfp to probe side A", func() (float64, float64) { return testCal.SFPToProbe(10, 4, SideA) }, pair{1 + 20 + 2, -1 + 2.5 + 12}},
		{"sfp to probe side B", func() (float64, float64) { return testCal.SFPToProbe(10, 4, SideB) }, pair{-10, -4}},
		{"probe to sfp side A", func() (float64, float64) { return testCal.ProbeToSFP(10, 4, SideA) }, pair{-0.4 + 5 - 0.4, 0.3 + 1.32}},
		{"probe to sfp side B", func() (float64, float64) { return testCal.ProbeToSFP(2, -3, SideB) }, pair{-1.9, 3.1}},
		{"pixel delta side A", func() (float64, float64) { return testCal.PixelToProbeDelta(100, 50, SideA) }, pair{1, -0.5}},
		{"pixel delta side B", func() (float64, float64) { return testCal.PixelToProbeDelta(100, 50, SideB) }, pair{1, 2}},
		{"invalid side is zero", func() (float64, float64) { return testCal.SFPToProbe(10, 4, Side(7)) }, pair{0, 0}},
	} {
		t.Run(test.name, func(t *testing.T) {
			x, y := test.fn()
			if diff := cmp.Diff(test.want, pair{x, y}, approx); diff != "" {
				t.Errorf("unexpected result (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPixelToSFPDeltaComposes(t *testing.T) {
	// pixel (100, 50) relative to ref (20, 10) -> (80, 40)
	// side A pixel->probe: (0.8, -0.4)
	// probe->sfp linear part: (0.5*0.8 + -0.1*-0.4, 0.33*-0.4)
	x, y := testCal.PixelToSFPDelta(100, 50, 20, 10, SideA)
	want := []float64{0.4 + 0.04, -0.132}
	if diff := cmp.Diff(want, []float64{x, y}, approx); diff != "" {
		t.Errorf("unexpected delta (-want +got):\n%s", diff)
	}

	// No intermediate offset is applied, so a zero delta stays zero.
	x, y = testCal.PixelToSFPDelta(5, 5, 5, 5, SideA)
	if x != 0 || y != 0 {
		t.Errorf("zero delta mapped to (%v, %v)", x, y)
	}
}

func TestRoundTripNotAssumed(t *testing.T) {
	px, py := testCal.SFPToProbe(10, 4, SideA)
	x, y := testCal.ProbeToSFP(px, py, SideA)
	if math.Abs(x-10) < 1e-9 && math.Abs(y-4) < 1e-9 {
		t.Errorf("independent calibrations unexpectedly invert each other")
	}
}

func TestFocusAt(t *testing.T) {
	if got, want := testCal.FocusAt(100, 50, SideA), 0.2+0.1-0.1; math.Abs(got-want) > 1e-12 {
		t.Errorf("FocusAt = %v, want %v", got, want)
	}
	if got := testCal.FocusAt(100, 50, SideB); got != 0 {
		t.Errorf("FocusAt side B = %v, want 0", got)
	}
}

func TestThen(t *testing.T) {
	a := Linear{Xx: 1, Xy: 2, Yx: 3, Yy: 4}
	b := Linear{Xx: 0, Xy: 1, Yx: 1, Yy: 0}
	x, y := a.Then(b).Apply(1, 1)
	ax, ay := a.Apply(1, 1)
	bx, by := b.Apply(ax, ay)
	if diff := cmp.Diff([]float64{bx, by}, []float64{x, y}); diff != "" {
		t.Errorf("composition mismatch (-want +got):\n%s", diff)
	}
}
