package stage

import (
	"context"
	"time"

	"github.com/w1xm/instrument_interface/wire"
)

// drift moves the probe at a constant rate, in mm/s of probe coordinates,
// one step per poll tick.
type drift struct {
	rateX, rateY float64
	active       bool
	last         time.Time
	// origin started the drift and is told if it stops on its own.
	origin string
}

// SetDriftRate sets the drift vector. It never moves anything and is
// refused while drifting.
func (s *Stage) SetDriftRate(dx, dy float64) error {
	if s.drift.active {
		return &Error{Code: CodeDriftActive, Msg: "drift active; stop it before changing the rate", Err: ErrDriftActive}
	}
	s.drift.rateX, s.drift.rateY = dx, dy
	return nil
}

func (s *Stage) DriftRate() (float64, float64) {
	return s.drift.rateX, s.drift.rateY
}

func (s *Stage) Drifting() bool {
	return s.drift.active
}

func (s *Stage) StartDrift(ctx context.Context, origin string) error {
	if err := s.checkLock(origin); err != nil {
		return err
	}
	if s.drift.rateX == 0 && s.drift.rateY == 0 {
		return &Error{Code: CodeDriftZero, Msg: "drift rate is zero", Err: ErrNoDriftRate}
	}
	if s.drift.active {
		return &Error{Code: CodeDriftActive, Msg: "drift already active", Err: ErrDriftActive}
	}
	if err := s.checkInterlock(ctx); err != nil {
		return err
	}
	s.drift.active = true
	s.drift.last = s.now()
	s.drift.origin = origin
	s.log.Info("drift started", "dx", s.drift.rateX, "dy", s.drift.rateY, "origin", origin)
	return nil
}

func (s *Stage) StopDrift(ctx context.Context, origin string) error {
	if err := s.checkLock(origin); err != nil {
		return err
	}
	if s.drift.active {
		s.drift.active = false
		s.log.Info("drift stopped", "origin", origin)
	}
	return nil
}

// stopDrift ends a drift for a reason other than a request to stop it.
func (s *Stage) stopDrift(reason string) {
	if !s.drift.active {
		return
	}
	s.drift.active = false
	s.log.Info("drift stopped", "reason", reason)
}

func (s *Stage) advanceDrift(ctx context.Context) {
	if !s.drift.active {
		return
	}
	now := s.now()
	dt := now.Sub(s.drift.last).Seconds()
	if dt <= 0 {
		return
	}
	s.drift.last = now
	x, y, focus := s.Probe()
	targets := s.probeTargets(x+s.drift.rateX*dt, y+s.drift.rateY*dt, focus)[:2]
	err := s.checkRange(targets)
	if err == nil && s.inBeam {
		err = &Error{Code: CodeInBeam, Msg: ErrInBeam.Error(), Err: ErrInBeam}
	}
	if err == nil {
		for _, t := range targets {
			if err = s.dev.Move(ctx, t.axis, t.position); err != nil {
				s.pose.Stale = true
				break
			}
		}
	}
	if err != nil {
		s.drift.active = false
		s.log.Warn("drift stopped", "error", err)
		s.notify(s.drift.origin, wire.KindWARNING, "DRIFT stopped: "+err.Error())
		return
	}
	s.refresh(ctx)
}
