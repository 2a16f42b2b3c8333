package stage

import (
	"context"
	"fmt"
	"strings"
)

// Axis is one stage actuator.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisFocus
	AxisFilter
)

// Axes lists every axis in command order.
var Axes = []Axis{AxisX, AxisY, AxisFocus, AxisFilter}

var axisNames = []string{"x", "y", "focus", "filter"}

func (a Axis) String() string {
	if a >= 0 && int(a) < len(axisNames) {
		return axisNames[a]
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

func ParseAxis(s string) (Axis, error) {
	for i, name := range axisNames {
		if strings.EqualFold(s, name) {
			return Axis(i), nil
		}
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Device is the motion controller. Positions are in stage coordinates
// (millimetres for x, y and focus; slot number for the filter wheel).
// A non-nil error means the command failed and the axis state is unknown.
type Device interface {
	Init(ctx context.Context) error
	Home(ctx context.Context, axis Axis) error
	Move(ctx context.Context, axis Axis, position float64) error
	Position(ctx context.Context, axis Axis) (float64, error)
	Moving(ctx context.Context, axis Axis) (bool, error)
	Stop(ctx context.Context, axis Axis) error
}

// Interlock reports whether the calibration tower is in the beam.
type Interlock interface {
	InBeam(ctx context.Context) (bool, error)
}
