package command

import (
	"fmt"

	"github.com/w1xm/instrument_interface/wire"
)

// Status is the kind of result a handler produced.
type Status int

const (
	StatusOK Status = iota
	StatusError
	// StatusNoReply means nothing is sent back: the command was a
	// handshake pseudo-command, or completion is reported later.
	StatusNoReply
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusNoReply:
		return "noreply"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is the result of one handler invocation.
type Outcome struct {
	Status Status
	// Code is a stable diagnostic number carried by error outcomes.
	Code int
	Text string
}

// NoReply is the outcome of a command that must not be answered now.
var NoReply = Outcome{Status: StatusNoReply}

// OK returns a successful outcome.
func OK(text string) Outcome {
	return Outcome{Status: StatusOK, Text: text}
}

// OKf returns a successful outcome with formatted text.
func OKf(format string, args ...any) Outcome {
	return Outcome{Status: StatusOK, Text: fmt.Sprintf(format, args...)}
}

// Errorf returns an error outcome with the given code.
func Errorf(code int, format string, args ...any) Outcome {
	return Outcome{Status: StatusError, Code: code, Text: fmt.Sprintf(format, args...)}
}

// Reply is the body text sent to the requester: "<code> <text>" for errors
// that carry a code, the bare text otherwise.
func (o Outcome) Reply() string {
	if o.Status == StatusError && o.Code != 0 {
		return fmt.Sprintf("%d %s", o.Code, o.Text)
	}
	return o.Text
}

// Kind is the reply message kind for o. NoReply outcomes have KindUnknown.
func (o Outcome) Kind() wire.Kind {
	switch o.Status {
	case StatusOK:
		return wire.KindDONE
	case StatusError:
		return wire.KindERROR
	}
	return wire.KindUnknown
}

func (o Outcome) String() string {
	if o.Status == StatusNoReply {
		return "NOREPLY"
	}
	return o.Kind().String() + ": " + o.Reply()
}
