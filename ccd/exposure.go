package ccd

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Exposure states.
const (
	StateIdle     = "idle"
	StateExposing = "exposing"
	StatePaused   = "paused"
	StateReading  = "reading"
)

const (
	eventGo      = "go"
	eventPause   = "pause"
	eventResume  = "resume"
	eventAbort   = "abort"
	eventReadout = "readout"
	eventDone    = "done"
)

func (c *CCD) newMachine() *fsm.FSM {
	events := fsm.Events{
		{Name: eventGo, Src: []string{StateIdle}, Dst: StateExposing},
		{Name: eventPause, Src: []string{StateExposing}, Dst: StatePaused},
		{Name: eventResume, Src: []string{StatePaused}, Dst: StateExposing},
		{Name: eventAbort, Src: []string{StateExposing, StatePaused}, Dst: StateIdle},
		{Name: eventReadout, Src: []string{StateExposing}, Dst: StateReading},
		{Name: eventDone, Src: []string{StateExposing, StateReading}, Dst: StateIdle},
	}
	callbacks := fsm.Callbacks{
		// Device directives run as guards: a failed directive cancels the
		// transition and leaves the state alone.
		"before_" + eventGo:     c.beforeGo,
		"before_" + eventPause:  c.beforePause,
		"before_" + eventResume: c.beforeResume,
		// Abort never cancels; its errors ride on the event.
		"before_" + eventAbort: c.beforeAbort,

		"enter_" + StateExposing: c.enterExposing,
		"enter_" + StateIdle:     c.enterIdle,
	}
	return fsm.NewFSM(StateIdle, events, callbacks)
}

func (c *CCD) beforeGo(ctx context.Context, e *fsm.Event) {
	frame := c.frame
	frame.Number = c.expnum + 1
	var err error
	if frame.Type.ZeroTime() {
		err = c.ctrl.Readout(ctx, frame)
	} else {
		err = c.ctrl.StartExposure(ctx, frame)
	}
	if err != nil {
		e.Cancel(&Error{Code: CodeDevice, Msg: "starting exposure", Err: err})
	}
}

func (c *CCD) beforePause(ctx context.Context, e *fsm.Event) {
	if err := c.ctrl.Pause(ctx); err != nil {
		e.Cancel(&Error{Code: CodeDevice, Msg: "pausing exposure", Err: err})
	}
}

func (c *CCD) beforeResume(ctx context.Context, e *fsm.Event) {
	if err := c.ctrl.Resume(ctx); err != nil {
		e.Cancel(&Error{Code: CodeDevice, Msg: "resuming exposure", Err: err})
	}
}

// beforeAbort sends the abort directive. A running exposure is paused
// first: the controller wedges if it receives abort while exposing, and
// only a power cycle recovers it.
func (c *CCD) beforeAbort(ctx context.Context, e *fsm.Event) {
	if e.Src == StateExposing {
		if err := c.ctrl.Pause(ctx); err != nil {
			e.Err = &Error{Code: CodeAbortDevice, Msg: "pausing before abort", Err: err}
			return
		}
	}
	if err := c.ctrl.Abort(ctx); err != nil {
		e.Err = &Error{Code: CodeAbortDevice, Msg: "aborting exposure", Err: err}
	}
}

func (c *CCD) enterExposing(ctx context.Context, e *fsm.Event) {
	if e.Event != eventGo {
		return
	}
	c.expnum++
	c.overdue = 0
}

func (c *CCD) enterIdle(ctx context.Context, e *fsm.Event) {
	c.overdue = 0
}

// fire runs event, checking the refusal table first.
func (c *CCD) fire(ctx context.Context, event string) error {
	if r, ok := refusals[event][c.machine.Current()]; ok {
		return r
	}
	err := c.machine.Event(ctx, event)
	if err == nil {
		return nil
	}
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}
