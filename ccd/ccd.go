// Package ccd sequences CCD exposures: start, pause, resume, abort and
// readout, with the controller's hazards encoded as state transitions.
package ccd

import (
	"context"
	"fmt"
	"strings"

	"github.com/looplab/fsm"

	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/wire"
)

// NotifyFunc delivers an unsolicited message to a requester, such as the
// completion of an exposure started earlier.
type NotifyFunc func(to string, kind wire.Kind, text string)

type Options struct {
	// ReadoutLimit is the number of poll ticks an overdue exposure or
	// readout is given before polling stops.
	ReadoutLimit int
}

// CCD is the exposure subsystem. It is owned by the agent event loop and
// must not be shared between goroutines.
type CCD struct {
	ctrl    Controller
	machine *fsm.FSM
	log     log.Logger
	notify  NotifyFunc
	limit   int

	frame  Frame
	expnum int
	// pending is the origin waiting for the current exposure.
	pending string
	// polling is set while the event loop watches for completion.
	polling bool
	overdue int
}

// Status is a snapshot for status replies and telemetry.
type Status struct {
	State     string  `json:"state"`
	ExpTime   float64 `json:"exptime"`
	ImageType string  `json:"imagetyp"`
	Object    string  `json:"object"`
	ExpNum    int     `json:"expnum"`
	Pending   string  `json:"pending,omitempty"`
}

func New(ctrl Controller, logger log.Logger, notify NotifyFunc, opts Options) *CCD {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if notify == nil {
		notify = func(string, wire.Kind, string) {}
	}
	if opts.ReadoutLimit <= 0 {
		opts.ReadoutLimit = 60
	}
	c := &CCD{
		ctrl:   ctrl,
		log:    logger,
		notify: notify,
		limit:  opts.ReadoutLimit,
		frame:  Frame{ExpTime: 1, Type: ImageObject},
	}
	c.machine = c.newMachine()
	return c
}

func (c *CCD) State() string {
	return c.machine.Current()
}

func (c *CCD) Status() Status {
	return Status{
		State:     c.State(),
		ExpTime:   c.frame.ExpTime,
		ImageType: string(c.frame.Type),
		Object:    c.frame.Object,
		ExpNum:    c.expnum,
		Pending:   c.pending,
	}
}

func (s Status) String() string {
	return fmt.Sprintf("state=%s exptime=%.3f imagetyp=%s object=%q expnum=%d", s.State, s.ExpTime, s.ImageType, s.Object, s.ExpNum)
}

// Go starts an exposure for origin. Completion is reported to origin
// later by Poll.
func (c *CCD) Go(ctx context.Context, origin string) error {
	if err := c.fire(ctx, eventGo); err != nil {
		return err
	}
	c.pending = origin
	c.polling = true
	c.log.Info("exposure started", "expnum", c.expnum, "imagetyp", c.frame.Type, "exptime", c.frame.ExpTime, "origin", origin)
	return nil
}

func (c *CCD) Pause(ctx context.Context) error {
	return c.fire(ctx, eventPause)
}

func (c *CCD) Resume(ctx context.Context) error {
	return c.fire(ctx, eventResume)
}

// Abort stops a running or paused exposure. Whatever the controller
// answers, the state ends at idle.
func (c *CCD) Abort(ctx context.Context) error {
	if r, ok := refusals[eventAbort][c.State()]; ok {
		return r
	}
	err := c.fire(ctx, eventAbort)
	if !c.machine.Is(StateIdle) {
		c.machine.SetState(StateIdle)
	}
	if err != nil {
		c.log.Error(err, "abort")
	}
	c.dropPending("exposure aborted")
	return err
}

// Cleanup drives the controller and the state machine to a safe idle
// state whatever they were doing. Device errors are logged and returned
// for reporting but never stop the sequence.
func (c *CCD) Cleanup(ctx context.Context) []error {
	var errs []error
	if c.machine.Is(StateExposing) {
		if err := c.ctrl.Pause(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pause: %w", err))
		}
	}
	if err := c.ctrl.Abort(ctx); err != nil {
		errs = append(errs, fmt.Errorf("abort: %w", err))
	}
	if err := c.ctrl.CloseShutter(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close shutter: %w", err))
	}
	c.machine.SetState(StateIdle)
	c.overdue = 0
	for _, err := range errs {
		c.log.Error(err, "cleanup")
	}
	c.dropPending("exposure aborted")
	return errs
}

// Reset reinitialises the controller. It is only allowed when idle.
func (c *CCD) Reset(ctx context.Context) error {
	if !c.machine.Is(StateIdle) {
		return refuse(CodeResetBusy, "cannot reset during an exposure")
	}
	if err := c.ctrl.Reset(ctx); err != nil {
		return &Error{Code: CodeDevice, Msg: "resetting controller", Err: err}
	}
	return nil
}

func (c *CCD) SetExpTime(sec float64) error {
	if sec < 0 {
		return refuse(CodeBadArgument, "exposure time must not be negative")
	}
	if !c.machine.Is(StateIdle) {
		return refuse(CodeParamsBusy, "cannot change parameters during an exposure")
	}
	c.frame.ExpTime = sec
	return nil
}

func (c *CCD) SetImageType(t ImageType) error {
	if !c.machine.Is(StateIdle) {
		return refuse(CodeParamsBusy, "cannot change parameters during an exposure")
	}
	c.frame.Type = t
	return nil
}

func (c *CCD) SetObject(object string) error {
	if !c.machine.Is(StateIdle) {
		return refuse(CodeParamsBusy, "cannot change parameters during an exposure")
	}
	c.frame.Object = object
	return nil
}

// Poll advances a running exposure from the controller's progress report.
// It is called once per tick by the event loop; an exposure that stays
// overdue for more than ReadoutLimit ticks stops being polled and its
// requester is warned.
func (c *CCD) Poll(ctx context.Context) {
	if !c.polling || !c.running() {
		return
	}
	p, err := c.ctrl.Progress(ctx)
	if err != nil {
		c.log.Warn("reading exposure progress", "error", err)
		c.overdue++
	} else if c.advance(ctx, p) {
		return
	} else if p.Phase == PhaseReading || p.Remaining <= 0 {
		c.overdue++
	}
	if c.overdue > c.limit {
		c.log.Warn("exposure overdue; polling stopped", "expnum", c.expnum, "state", c.State())
		c.polling = false
		if c.pending != "" {
			c.notify(c.pending, wire.KindWARNING, "GO exposure status unknown")
		}
	}
}

// Refresh reads the controller once and brings the state machine up to
// date, whether or not the exposure is still being polled.
func (c *CCD) Refresh(ctx context.Context) error {
	if !c.running() {
		return nil
	}
	p, err := c.ctrl.Progress(ctx)
	if err != nil {
		return &Error{Code: CodeDevice, Msg: "reading exposure progress", Err: err}
	}
	c.advance(ctx, p)
	return nil
}

func (c *CCD) running() bool {
	return c.machine.Is(StateExposing) || c.machine.Is(StateReading)
}

// advance applies a progress report and reports whether the exposure
// finished.
func (c *CCD) advance(ctx context.Context, p Progress) bool {
	switch p.Phase {
	case PhaseIdle:
		c.complete(ctx)
		return true
	case PhaseReading:
		if c.machine.Is(StateExposing) {
			if err := c.fire(ctx, eventReadout); err != nil {
				c.log.Error(err, "entering readout")
			}
		}
	}
	return false
}

func (c *CCD) complete(ctx context.Context) {
	if err := c.fire(ctx, eventDone); err != nil {
		c.log.Error(err, "completing exposure")
		c.machine.SetState(StateIdle)
	}
	c.log.Info("exposure complete", "expnum", c.expnum)
	if c.pending != "" {
		c.notify(c.pending, wire.KindDONE, fmt.Sprintf("GO expnum=%d", c.expnum))
	}
	c.pending = ""
	c.polling = false
}

func (c *CCD) dropPending(reason string) {
	if c.polling && c.pending != "" {
		c.notify(c.pending, wire.KindERROR, "GO "+reason)
	}
	c.pending = ""
	c.polling = false
}

func joinErrors(errs []error) string {
	var parts []string
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
