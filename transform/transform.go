// Package transform converts between the guide probe, standard focal plane
// (SFP) and detector pixel coordinate systems of one instrument side.
//
// Every mapping is calibrated on its own. In particular ProbeToSFP is not
// the inverse of SFPToProbe, and a round trip is not expected to be exact.
package transform

import "fmt"

// Side indexes the two instrument ports.
type Side int

const (
	SideA Side = iota
	SideB

	NumSides = 2
)

func (s Side) Valid() bool {
	return s >= 0 && s < NumSides
}

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// Affine is x' = C0 + Cxx·x + Cxy·y, y' = D0 + Dyx·x + Dyy·y.
type Affine struct {
	C0  float64 `mapstructure:"c0" json:"c0"`
	Cxx float64 `mapstructure:"cxx" json:"cxx"`
	Cxy float64 `mapstructure:"cxy" json:"cxy"`
	D0  float64 `mapstructure:"d0" json:"d0"`
	Dyx float64 `mapstructure:"dyx" json:"dyx"`
	Dyy float64 `mapstructure:"dyy" json:"dyy"`
}

func (a Affine) Apply(x, y float64) (float64, float64) {
	return a.C0 + a.Cxx*x + a.Cxy*y, a.D0 + a.Dyx*x + a.Dyy*y
}

// Linear drops the offsets.
func (a Affine) Linear() Linear {
	return Linear{Xx: a.Cxx, Xy: a.Cxy, Yx: a.Dyx, Yy: a.Dyy}
}

// Linear is a 2x2 matrix applied to deltas.
type Linear struct {
	Xx float64 `mapstructure:"xx" json:"xx"`
	Xy float64 `mapstructure:"xy" json:"xy"`
	Yx float64 `mapstructure:"yx" json:"yx"`
	Yy float64 `mapstructure:"yy" json:"yy"`
}

func (l Linear) Apply(dx, dy float64) (float64, float64) {
	return l.Xx*dx + l.Xy*dy, l.Yx*dx + l.Yy*dy
}

// Then returns the map that applies l first and next second.
func (l Linear) Then(next Linear) Linear {
	return Linear{
		Xx: next.Xx*l.Xx + next.Xy*l.Yx,
		Xy: next.Xx*l.Xy + next.Xy*l.Yy,
		Yx: next.Yx*l.Xx + next.Yy*l.Yx,
		Yy: next.Yx*l.Xy + next.Yy*l.Yy,
	}
}

// FocusPlane models the best focus offset across the field as
// F0 + Fx·x + Fy·y at SFP position (x, y).
type FocusPlane struct {
	F0 float64 `mapstructure:"f0" json:"f0"`
	Fx float64 `mapstructure:"fx" json:"fx"`
	Fy float64 `mapstructure:"fy" json:"fy"`
}

// Coefficients is the calibration of one side.
type Coefficients struct {
	SFPToProbe   Affine     `mapstructure:"sfp-to-probe" json:"sfpToProbe"`
	ProbeToSFP   Affine     `mapstructure:"probe-to-sfp" json:"probeToSfp"`
	PixelToProbe Linear     `mapstructure:"pixel-to-probe" json:"pixelToProbe"`
	Focus        FocusPlane `mapstructure:"focus-plane" json:"focusPlane"`
}

// Calibration holds the coefficients of both sides. It is loaded once and
// never modified afterwards.
type Calibration struct {
	Sides [NumSides]Coefficients `mapstructure:"sides" json:"sides"`
}

// For returns the coefficients of side. An invalid side yields zero
// coefficients, so every transform stays total.
func (c *Calibration) For(side Side) Coefficients {
	if !side.Valid() {
		return Coefficients{}
	}
	return c.Sides[side]
}

// SFPToProbe maps a focal plane position to guide probe coordinates.
func (c *Calibration) SFPToProbe(x, y float64, side Side) (float64, float64) {
	return c.For(side).SFPToProbe.Apply(x, y)
}

// ProbeToSFP maps a guide probe position to the focal plane.
func (c *Calibration) ProbeToSFP(x, y float64, side Side) (float64, float64) {
	return c.For(side).ProbeToSFP.Apply(x, y)
}

// PixelToProbeDelta maps a detector pixel offset to a probe offset.
func (c *Calibration) PixelToProbeDelta(dx, dy float64, side Side) (float64, float64) {
	return c.For(side).PixelToProbe.Apply(dx, dy)
}

// PixelToSFPDelta maps the pixel offset (dx-xref, dy-yref) to a focal plane
// offset through the composed linear parts of pixel→probe and probe→SFP.
func (c *Calibration) PixelToSFPDelta(dx, dy, xref, yref float64, side Side) (float64, float64) {
	co := c.For(side)
	m := co.PixelToProbe.Then(co.ProbeToSFP.Linear())
	return m.Apply(dx-xref, dy-yref)
}

// FocusAt is the calibrated focus offset for a focal plane position.
func (c *Calibration) FocusAt(x, y float64, side Side) float64 {
	f := c.For(side).Focus
	return f.F0 + f.Fx*x + f.Fy*y
}
