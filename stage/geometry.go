package stage

import "fmt"

// Geometry relates the actuator positions to guide probe coordinates.
// The focus actuator rides on the Y stage, so the probe Y position
// depends on both:
//
//	x_probe      = x_stage - X0
//	y_probe      = y_stage + focus_stage - Y0
//	focus_offset = focus_stage - Focus0
type Geometry struct {
	X0     float64 `mapstructure:"x0" json:"x0"`
	Y0     float64 `mapstructure:"y0" json:"y0"`
	Focus0 float64 `mapstructure:"focus0" json:"focus0"`
}

// Range is a closed travel interval.
type Range struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%.3f, %.3f]", r.Min, r.Max)
}

// Limits are the calibrated travel limits, in stage coordinates.
type Limits struct {
	X       Range `mapstructure:"x" json:"x"`
	Y       Range `mapstructure:"y" json:"y"`
	Focus   Range `mapstructure:"focus" json:"focus"`
	Filters int   `mapstructure:"filters" json:"filters"`
}

func (l Limits) rangeOf(axis Axis) Range {
	switch axis {
	case AxisX:
		return l.X
	case AxisY:
		return l.Y
	case AxisFocus:
		return l.Focus
	}
	return Range{Min: 1, Max: float64(l.Filters)}
}

// Pose is the last known actuator position.
type Pose struct {
	XStage     float64
	YStage     float64
	FocusStage float64
	Filter     int
	// Stale is set when the positions could not be read back after a
	// command and may not reflect the hardware.
	Stale bool
}

func (p Pose) get(axis Axis) float64 {
	switch axis {
	case AxisX:
		return p.XStage
	case AxisY:
		return p.YStage
	case AxisFocus:
		return p.FocusStage
	}
	return float64(p.Filter)
}

func (p *Pose) set(axis Axis, v float64) {
	switch axis {
	case AxisX:
		p.XStage = v
	case AxisY:
		p.YStage = v
	case AxisFocus:
		p.FocusStage = v
	default:
		p.Filter = int(v + 0.5)
	}
}

// Probe returns the guide probe position and focus offset of p.
func (g Geometry) Probe(p Pose) (x, y, focus float64) {
	return p.XStage - g.X0, p.YStage + p.FocusStage - g.Y0, p.FocusStage - g.Focus0
}

// Stage returns the actuator positions that put the probe at (x, y) with
// the given focus offset.
func (g Geometry) Stage(x, y, focus float64) (xs, ys, fs float64) {
	fs = focus + g.Focus0
	return x + g.X0, y - fs + g.Y0, fs
}

// Reflex is the Y move that keeps the probe Y position fixed while the
// focus actuator moves by df.
func Reflex(df float64) float64 {
	return -df
}
