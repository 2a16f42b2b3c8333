// Package stage runs the acquisition, guiding and focus stage: the
// single-owner motor lock, travel and interlock validation, multi-axis
// moves with bounded polling, drift and autofocus.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/transform"
	"github.com/w1xm/instrument_interface/wire"
)

// NotifyFunc delivers an unsolicited message to a requester.
type NotifyFunc func(to string, kind wire.Kind, text string)

type Config struct {
	Geometry Geometry `mapstructure:"geometry"`
	Limits   Limits   `mapstructure:"limits"`
	// Park is the probe position and focus offset used for calibration.
	Park struct {
		X     float64 `mapstructure:"x"`
		Y     float64 `mapstructure:"y"`
		Focus float64 `mapstructure:"focus"`
	} `mapstructure:"park"`
	// PollInterval and PollLimit bound the wait for an axis to settle.
	PollInterval time.Duration `mapstructure:"poll-interval"`
	PollLimit    int           `mapstructure:"poll-limit"`
}

// Stage is the explicit context every stage handler works on. It is owned
// by the agent event loop.
type Stage struct {
	dev       Device
	interlock Interlock
	cal       *transform.Calibration
	side      transform.Side
	cfg       Config
	log       log.Logger
	notify    NotifyFunc
	now       func() time.Time

	lock      Lock
	pose      Pose
	drift     drift
	autofocus bool
	inBeam    bool
}

// New returns a stage. interlock may be nil when there is no tower.
func New(dev Device, interlock Interlock, cal *transform.Calibration, side transform.Side, cfg Config, logger log.Logger, notify NotifyFunc) *Stage {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if notify == nil {
		notify = func(string, wire.Kind, string) {}
	}
	if cal == nil {
		cal = &transform.Calibration{}
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 100
	}
	return &Stage{
		dev:       dev,
		interlock: interlock,
		cal:       cal,
		side:      side,
		cfg:       cfg,
		log:       logger,
		notify:    notify,
		now:       time.Now,
	}
}

func (s *Stage) Lock() *Lock {
	return &s.lock
}

func (s *Stage) Pose() Pose {
	return s.pose
}

// Probe returns the current guide probe position and focus offset.
func (s *Stage) Probe() (x, y, focus float64) {
	return s.cfg.Geometry.Probe(s.pose)
}

type target struct {
	axis     Axis
	position float64
}

func (s *Stage) checkLock(origin string) error {
	if !s.lock.Permits(origin) {
		return &Error{Code: CodeLocked, Msg: ErrLocked.Error(), Err: ErrLocked}
	}
	return nil
}

func (s *Stage) checkRange(targets []target) error {
	for _, t := range targets {
		r := s.cfg.Limits.rangeOf(t.axis)
		if !r.Contains(t.position) {
			return &Error{
				Code: CodeOutOfRange,
				Msg:  fmt.Sprintf("%s target %.3f outside %s", t.axis, t.position, r),
				Err:  ErrOutOfRange,
			}
		}
	}
	return nil
}

// checkInterlock refuses motion while the calibration tower is in the
// beam. A tower that cannot be read is assumed to be in the beam.
func (s *Stage) checkInterlock(ctx context.Context) error {
	if !s.readInterlock(ctx) {
		return nil
	}
	return &Error{Code: CodeInBeam, Msg: ErrInBeam.Error(), Err: ErrInBeam}
}

func (s *Stage) readInterlock(ctx context.Context) bool {
	if s.interlock == nil {
		s.inBeam = false
		return false
	}
	in, err := s.interlock.InBeam(ctx)
	if err != nil {
		s.log.Warn("reading calibration tower interlock", "error", err)
		in = true
	}
	s.inBeam = in
	return in
}

// validate runs every check a move must pass before any device command.
func (s *Stage) validate(ctx context.Context, origin string, targets []target) error {
	if err := s.checkLock(origin); err != nil {
		return err
	}
	if err := s.checkRange(targets); err != nil {
		return err
	}
	return s.checkInterlock(ctx)
}

// move commands every target at once, then waits for each axis in turn.
// A failed command ends the move at once; the remaining axes are not
// waited for.
func (s *Stage) move(ctx context.Context, targets []target) error {
	for _, t := range targets {
		if err := s.dev.Move(ctx, t.axis, t.position); err != nil {
			s.pose.Stale = true
			return &Error{Code: CodeDevice, Msg: fmt.Sprintf("moving %s: %v", t.axis, err), Err: err}
		}
	}
	axes := make([]Axis, len(targets))
	for i, t := range targets {
		axes[i] = t.axis
	}
	if err := s.settle(ctx, axes); err != nil {
		return err
	}
	s.refresh(ctx)
	return nil
}

// settle polls each axis until it stops, at most PollLimit times. An axis
// that is still moving when the budget runs out is logged and left alone.
func (s *Stage) settle(ctx context.Context, axes []Axis) error {
	for _, axis := range axes {
		settled := false
		for i := 0; i < s.cfg.PollLimit; i++ {
			moving, err := s.dev.Moving(ctx, axis)
			if err != nil {
				s.pose.Stale = true
				return &Error{Code: CodeDevice, Msg: fmt.Sprintf("polling %s: %v", axis, err), Err: err}
			}
			if !moving {
				settled = true
				break
			}
			if err := sleep(ctx, s.cfg.PollInterval); err != nil {
				return err
			}
		}
		if !settled {
			s.log.Warn("axis still moving after poll limit", "axis", axis, "polls", s.cfg.PollLimit)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refresh reads back every axis. Axes that cannot be read keep their last
// value and mark the pose stale.
func (s *Stage) refresh(ctx context.Context) {
	stale := false
	for _, axis := range Axes {
		v, err := s.dev.Position(ctx, axis)
		if err != nil {
			s.log.Warn("reading position", "axis", axis, "error", err)
			stale = true
			continue
		}
		s.pose.set(axis, v)
	}
	s.pose.Stale = stale
}

// probeTargets converts a probe position and focus offset to axis targets.
func (s *Stage) probeTargets(x, y, focus float64) []target {
	xs, ys, fs := s.cfg.Geometry.Stage(x, y, focus)
	return []target{{AxisX, xs}, {AxisY, ys}, {AxisFocus, fs}}
}

// SetXY moves the probe, holding the focus offset.
func (s *Stage) SetXY(ctx context.Context, origin string, x, y float64) error {
	_, _, focus := s.Probe()
	targets := s.probeTargets(x, y, focus)[:2]
	if err := s.validate(ctx, origin, targets); err != nil {
		return err
	}
	return s.move(ctx, targets)
}

// SetFocus sets the focus offset, moving Y by the reflex so the probe
// stays on the same field position.
func (s *Stage) SetFocus(ctx context.Context, origin string, focus float64) error {
	if err := s.checkLock(origin); err != nil {
		return err
	}
	fs := focus + s.cfg.Geometry.Focus0
	ft := []target{{AxisFocus, fs}}
	if err := s.checkRange(ft); err != nil {
		return err
	}
	ys := s.pose.YStage + Reflex(fs-s.pose.FocusStage)
	if !s.cfg.Limits.Y.Contains(ys) {
		return &Error{
			Code: CodeReflex,
			Msg:  fmt.Sprintf("focus reflex would drive y to %.3f outside %s", ys, s.cfg.Limits.Y),
			Err:  ErrOutOfRange,
		}
	}
	if err := s.checkInterlock(ctx); err != nil {
		return err
	}
	return s.move(ctx, append(ft, target{AxisY, ys}))
}

func (s *Stage) SetFilter(ctx context.Context, origin string, filter int) error {
	targets := []target{{AxisFilter, float64(filter)}}
	if err := s.validate(ctx, origin, targets); err != nil {
		return err
	}
	return s.move(ctx, targets)
}

// SetPos puts the probe on a focal plane position. With autofocus on the
// focus offset follows the calibrated focal surface.
func (s *Stage) SetPos(ctx context.Context, origin string, xsfp, ysfp float64) error {
	x, y := s.cal.SFPToProbe(xsfp, ysfp, s.side)
	_, _, focus := s.Probe()
	if s.autofocus {
		focus = s.cal.FocusAt(xsfp, ysfp, s.side)
	}
	targets := s.probeTargets(x, y, focus)
	if err := s.validate(ctx, origin, targets); err != nil {
		return err
	}
	return s.move(ctx, targets)
}

// Center puts the probe on the field center.
func (s *Stage) Center(ctx context.Context, origin string) error {
	return s.SetPos(ctx, origin, 0, 0)
}

// Offset moves the probe by a detector pixel offset.
func (s *Stage) Offset(ctx context.Context, origin string, dxpix, dypix float64) error {
	dx, dy := s.cal.PixelToProbeDelta(dxpix, dypix, s.side)
	x, y, focus := s.Probe()
	targets := s.probeTargets(x+dx, y+dy, focus)[:2]
	if err := s.validate(ctx, origin, targets); err != nil {
		return err
	}
	return s.move(ctx, targets)
}

// Home drives every axis to its reference switch.
func (s *Stage) Home(ctx context.Context, origin string) error {
	if err := s.checkLock(origin); err != nil {
		return err
	}
	if err := s.checkInterlock(ctx); err != nil {
		return err
	}
	for _, axis := range Axes {
		if err := s.dev.Home(ctx, axis); err != nil {
			s.pose.Stale = true
			return &Error{Code: CodeDevice, Msg: fmt.Sprintf("homing %s: %v", axis, err), Err: err}
		}
	}
	if err := s.settle(ctx, Axes); err != nil {
		return err
	}
	s.refresh(ctx)
	return nil
}

// Calib parks the probe for calibration exposures. It ignores the lock.
func (s *Stage) Calib(ctx context.Context) error {
	park := s.cfg.Park
	targets := s.probeTargets(park.X, park.Y, park.Focus)
	if err := s.checkRange(targets); err != nil {
		return err
	}
	if err := s.checkInterlock(ctx); err != nil {
		return err
	}
	s.stopDrift("calibration park")
	return s.move(ctx, targets)
}

// Init reinitialises the controller and reads the axes back. It ignores
// the lock.
func (s *Stage) Init(ctx context.Context) error {
	if err := s.dev.Init(ctx); err != nil {
		s.pose.Stale = true
		return &Error{Code: CodeDevice, Msg: fmt.Sprintf("initialising controller: %v", err), Err: err}
	}
	s.refresh(ctx)
	return nil
}

// Abort stops every axis, ends any drift and releases the lock, whatever
// the controller answers. The first stop failure is returned.
func (s *Stage) Abort(ctx context.Context) error {
	var first error
	for _, axis := range Axes {
		if err := s.dev.Stop(ctx, axis); err != nil {
			s.log.Error(err, "stopping axis", "axis", axis)
			if first == nil {
				first = &Error{Code: CodeDevice, Msg: fmt.Sprintf("stopping %s: %v", axis, err), Err: err}
			}
		}
	}
	s.stopDrift("aborted")
	if holder, held := s.lock.Holder(); held {
		s.log.Info("abort released lock", "holder", holder)
	}
	s.lock.Clear()
	s.refresh(ctx)
	return first
}

func (s *Stage) SetAutofocus(on bool) {
	s.autofocus = on
}

func (s *Stage) Autofocus() bool {
	return s.autofocus
}

// PixelToSFP maps a detector offset relative to (xref, yref) to a focal
// plane offset.
func (s *Stage) PixelToSFP(dx, dy, xref, yref float64) (float64, float64) {
	return s.cal.PixelToSFPDelta(dx, dy, xref, yref, s.side)
}

// Poll advances an active drift and refreshes the interlock reading. It
// runs once per event loop tick.
func (s *Stage) Poll(ctx context.Context) {
	s.readInterlock(ctx)
	s.advanceDrift(ctx)
}

// Status is a snapshot for status replies and telemetry.
type Status struct {
	XProbe      float64 `json:"xProbe"`
	YProbe      float64 `json:"yProbe"`
	FocusOffset float64 `json:"focusOffset"`
	XStage      float64 `json:"xStage"`
	YStage      float64 `json:"yStage"`
	FocusStage  float64 `json:"focusStage"`
	Filter      int     `json:"filter"`
	Stale       bool    `json:"stale"`
	Locked      bool    `json:"locked"`
	LockHolder  string  `json:"lockHolder,omitempty"`
	Drifting    bool    `json:"drifting"`
	DriftX      float64 `json:"driftX"`
	DriftY      float64 `json:"driftY"`
	Autofocus   bool    `json:"autofocus"`
	InBeam      bool    `json:"inBeam"`
	Side        string  `json:"side"`
}

func (s *Stage) Status() Status {
	x, y, f := s.Probe()
	holder, held := s.lock.Holder()
	return Status{
		XProbe:      x,
		YProbe:      y,
		FocusOffset: f,
		XStage:      s.pose.XStage,
		YStage:      s.pose.YStage,
		FocusStage:  s.pose.FocusStage,
		Filter:      s.pose.Filter,
		Stale:       s.pose.Stale,
		Locked:      held,
		LockHolder:  holder,
		Drifting:    s.drift.active,
		DriftX:      s.drift.rateX,
		DriftY:      s.drift.rateY,
		Autofocus:   s.autofocus,
		InBeam:      s.inBeam,
		Side:        s.side.String(),
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (st Status) String() string {
	lock := "none"
	if st.Locked {
		lock = st.LockHolder
	}
	return fmt.Sprintf("x=%.3f y=%.3f focus=%.3f filter=%d xstage=%.3f ystage=%.3f fstage=%.3f lock=%s drift=%s rate=%.4f,%.4f autofocus=%s inbeam=%t stale=%t side=%s",
		st.XProbe, st.YProbe, st.FocusOffset, st.Filter, st.XStage, st.YStage, st.FocusStage,
		lock, onOff(st.Drifting), st.DriftX, st.DriftY, onOff(st.Autofocus), st.InBeam, st.Stale, st.Side)
}
