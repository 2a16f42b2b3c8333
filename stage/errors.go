package stage

import "errors"

// Stable reply codes for the stage verbs.
const (
	CodeLocked      = 41
	CodeLockHeld    = 42
	CodeLockMine    = 43
	CodeNotLocked   = 44
	CodeOutOfRange  = 45
	CodeReflex      = 46
	CodeInBeam      = 47
	CodeDevice      = 48
	CodeDriftZero   = 49
	CodeDriftActive = 50
	CodeBadArgument = 51
)

var (
	ErrLocked      = errors.New("AGW locked")
	ErrNotLocked   = errors.New("AGW not locked")
	ErrOutOfRange  = errors.New("target out of range")
	ErrInBeam      = errors.New("calibration tower in beam")
	ErrDriftActive = errors.New("drift active")
	ErrNoDriftRate = errors.New("no drift rate")
)

// Error is a refused or failed stage operation.
type Error struct {
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
