package ccd

import (
	"errors"
	"fmt"
)

// Stable reply codes for the CCD verbs.
const (
	CodeBusy           = 20
	CodeDevice         = 21
	CodePauseIdle      = 22
	CodePausePaused    = 23
	CodePauseReading   = 24
	CodeResumeIdle     = 25
	CodeResumeExposing = 26
	CodeResumeReading  = 27
	CodeAbortIdle      = 28
	CodeAbortReading   = 29
	CodeAbortDevice    = 30
	CodeBadArgument    = 31
	CodeParamsBusy     = 32
	CodeResetBusy      = 33
)

// ErrBusy matches the refusal of go while an exposure is in progress.
var ErrBusy = errors.New("exposure/readout in progress")

// Error is a refused or failed exposure operation.
type Error struct {
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func refuse(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Is lets errors.Is(err, ErrBusy) match a refused go.
func (e *Error) Is(target error) bool {
	return target == ErrBusy && e.Code == CodeBusy
}

// refusals lists, per event, the states it may not fire from and why. They
// are checked before the state machine is asked, so the controller is never
// touched for a refused command.
var refusals = map[string]map[string]*Error{
	eventGo: {
		StateExposing: refuse(CodeBusy, ErrBusy.Error()),
		StatePaused:   refuse(CodeBusy, ErrBusy.Error()),
		StateReading:  refuse(CodeBusy, ErrBusy.Error()),
	},
	eventPause: {
		StateIdle:    refuse(CodePauseIdle, "no exposure to pause"),
		StatePaused:  refuse(CodePausePaused, "exposure already paused"),
		StateReading: refuse(CodePauseReading, "readout in progress"),
	},
	eventResume: {
		StateIdle:     refuse(CodeResumeIdle, "no paused exposure; resuming an idle controller can hang it"),
		StateExposing: refuse(CodeResumeExposing, "exposure is not paused"),
		StateReading:  refuse(CodeResumeReading, "readout in progress"),
	},
	eventAbort: {
		StateIdle:    refuse(CodeAbortIdle, "nothing to abort"),
		StateReading: refuse(CodeAbortReading, "readout in progress"),
	},
}
