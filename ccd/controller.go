package ccd

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Controller is the CCD controller as seen by the exposure state machine.
// Every call is one directive; a non-nil error means the directive failed
// and nothing may be assumed about the controller afterwards.
type Controller interface {
	StartExposure(ctx context.Context, frame Frame) error
	// Readout reads the detector without exposing it.
	Readout(ctx context.Context, frame Frame) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Abort(ctx context.Context) error
	CloseShutter(ctx context.Context) error
	Reset(ctx context.Context) error
	Progress(ctx context.Context) (Progress, error)
}

// Phase is what the controller reports it is doing.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseExposing
	PhasePaused
	PhaseReading
)

var phaseNames = []string{"idle", "exposing", "paused", "reading"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			return Phase(i), nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown phase %q", s)
}

// Progress is a controller status report.
type Progress struct {
	Phase Phase
	// Remaining is the exposure time left; zero or less once the shutter
	// should have closed.
	Remaining time.Duration
	// Rows is the number of rows read out so far.
	Rows int
}

// ImageType is the frame type of the next exposure.
type ImageType string

const (
	ImageObject ImageType = "object"
	ImageFlat   ImageType = "flat"
	ImageComp   ImageType = "comp"
	ImageDark   ImageType = "dark"
	ImageBias   ImageType = "bias"
	ImageZero   ImageType = "zero"
)

var imageTypes = []ImageType{ImageObject, ImageFlat, ImageComp, ImageDark, ImageBias, ImageZero}

func ParseImageType(s string) (ImageType, error) {
	for _, t := range imageTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown image type %q", s)
}

// OpenShutter reports whether the shutter opens during the exposure.
func (t ImageType) OpenShutter() bool {
	return t == ImageObject || t == ImageFlat || t == ImageComp
}

// ZeroTime reports whether the frame is a readout with no exposure.
func (t ImageType) ZeroTime() bool {
	return t == ImageBias || t == ImageZero
}

// Frame describes one exposure.
type Frame struct {
	ExpTime float64
	Type    ImageType
	Object  string
	Number  int
}
