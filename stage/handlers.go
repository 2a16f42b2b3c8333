package stage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/w1xm/instrument_interface/command"
)

// Entries returns the stage verbs for the agent's command table.
func (s *Stage) Entries() []command.Entry {
	return []command.Entry{
		{Verb: "lock", Usage: "lock", Description: "take exclusive control of the stage", Handler: s.handleLock},
		{Verb: "unlock", Usage: "unlock [force]", Description: "release the stage lock; force (executive) breaks another holder's lock", Handler: s.handleUnlock},
		{Verb: "setxy", Usage: "setxy <x> <y>", Description: "move the probe to (x, y) mm", Handler: s.handleSetXY},
		{Verb: "setfocus", Usage: "setfocus <offset>", Description: "set the focus offset, with Y reflex", Handler: s.handleSetFocus},
		{Verb: "setfilter", Usage: "setfilter <n>", Description: "select filter n", Handler: s.handleSetFilter},
		{Verb: "setpos", Usage: "setpos <xsfp> <ysfp>", Description: "put the probe on a focal plane position", Handler: s.handleSetPos},
		{Verb: "center", Usage: "center", Description: "put the probe on the field center", Handler: s.handleCenter},
		{Verb: "offset", Usage: "offset <dxpix> <dypix>", Description: "move the probe by a detector pixel offset", Handler: s.handleOffset},
		{Verb: "home", Usage: "home", Description: "home every axis", Handler: s.handleHome},
		{Verb: "drift", Usage: "drift start|stop", Description: "start or stop drifting at the drift rate", Handler: s.handleDrift},
		{Verb: "driftvec", Usage: "driftvec [dx dy]", Description: "show or set the drift rate in mm/s", Handler: s.handleDriftVec},
		{Verb: "autofocus", Usage: "autofocus [on|off]", Description: "show or set focus tracking of the focal surface", Handler: s.handleAutofocus},
		{Verb: "init", Usage: "init", Description: "reinitialise the motion controller", Handler: s.handleInit},
		{Verb: "abort", Usage: "abort", Description: "stop all motion and release the lock", Handler: s.handleAbort},
		{Verb: "calib", Usage: "calib", Description: "park the probe for calibration", Handler: s.handleCalib},
		{Verb: "status", Usage: "status", Description: "report the stage state", Handler: s.handleStatus},
		{Verb: "getxy", Usage: "getxy", Description: "report the probe position", Handler: s.handleGetXY},
		{Verb: "getfocus", Usage: "getfocus", Description: "report the focus offset", Handler: s.handleGetFocus},
		{Verb: "getfilter", Usage: "getfilter", Description: "report the filter", Handler: s.handleGetFilter},
		{Verb: "pix2sfp", Usage: "pix2sfp <dx> <dy> [xref yref]", Description: "convert a pixel offset to a focal plane offset", Handler: s.handlePix2SFP},
	}
}

func failure(err error) command.Outcome {
	var e *Error
	if errors.As(err, &e) {
		return command.Errorf(e.Code, "%s", e.Msg)
	}
	return command.Errorf(CodeDevice, "%v", err)
}

// floats parses exactly n numbers from args.
func floats(args string, n ...int) ([]float64, bool) {
	fields := strings.Fields(args)
	ok := false
	for _, want := range n {
		if len(fields) == want {
			ok = true
		}
	}
	if !ok {
		return nil, false
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func usage(text string) command.Outcome {
	return command.Errorf(CodeBadArgument, "usage: %s", text)
}

func (s *Stage) xy() string {
	x, y, _ := s.Probe()
	return fmt.Sprintf("x=%.3f y=%.3f", x, y)
}

func (s *Stage) handleLock(ctx context.Context, req command.Request) command.Outcome {
	if err := s.lock.Acquire(req.Origin.ID()); err != nil {
		return failure(err)
	}
	return command.OKf("+lock lockHost=%s", req.Origin.ID())
}

func (s *Stage) handleUnlock(ctx context.Context, req command.Request) command.Outcome {
	force := false
	switch strings.ToLower(req.Args) {
	case "":
	case "force":
		if !req.Executive() {
			return command.Errorf(command.CodeNotExecutive, "operation not allowed except as executive")
		}
		force = true
	default:
		return usage("unlock [force]")
	}
	prev, err := s.lock.Release(req.Origin.ID(), force)
	if err != nil {
		return failure(err)
	}
	if !req.Origin.Same(prev) {
		s.log.Warn("lock broken", "holder", prev, "by", req.Origin.String())
		return command.OKf("-lock lockHost=%s forced", prev)
	}
	return command.OKf("-lock lockHost=%s", prev)
}

func (s *Stage) handleSetXY(ctx context.Context, req command.Request) command.Outcome {
	v, ok := floats(req.Args, 2)
	if !ok {
		return usage("setxy <x> <y>")
	}
	if err := s.SetXY(ctx, req.Origin.ID(), v[0], v[1]); err != nil {
		return failure(err)
	}
	return command.OK("SETXY " + s.xy())
}

func (s *Stage) handleSetFocus(ctx context.Context, req command.Request) command.Outcome {
	v, ok := floats(req.Args, 1)
	if !ok {
		return usage("setfocus <offset>")
	}
	if err := s.SetFocus(ctx, req.Origin.ID(), v[0]); err != nil {
		return failure(err)
	}
	_, _, f := s.Probe()
	return command.OKf("SETFOCUS focus=%.3f", f)
}

func (s *Stage) handleSetFilter(ctx context.Context, req command.Request) command.Outcome {
	n, err := strconv.Atoi(strings.TrimSpace(req.Args))
	if err != nil {
		return usage("setfilter <n>")
	}
	if err := s.SetFilter(ctx, req.Origin.ID(), n); err != nil {
		return failure(err)
	}
	return command.OKf("SETFILTER filter=%d", s.pose.Filter)
}

func (s *Stage) handleSetPos(ctx context.Context, req command.Request) command.Outcome {
	v, ok := floats(req.Args, 2)
	if !ok {
		return usage("setpos <xsfp> <ysfp>")
	}
	if err := s.SetPos(ctx, req.Origin.ID(), v[0], v[1]); err != nil {
		return failure(err)
	}
	return command.OK("SETPOS " + s.xy())
}

func (s *Stage) handleCenter(ctx context.Context, req command.Request) command.Outcome {
	if err := s.Center(ctx, req.Origin.ID()); err != nil {
		return failure(err)
	}
	return command.OK("CENTER " + s.xy())
}

func (s *Stage) handleOffset(ctx context.Context, req command.Request) command.Outcome {
	v, ok := floats(req.Args, 2)
	if !ok {
		return usage("offset <dxpix> <dypix>")
	}
	if err := s.Offset(ctx, req.Origin.ID(), v[0], v[1]); err != nil {
		return failure(err)
	}
	return command.OK("OFFSET " + s.xy())
}

func (s *Stage) handleHome(ctx context.Context, req command.Request) command.Outcome {
	if err := s.Home(ctx, req.Origin.ID()); err != nil {
		return failure(err)
	}
	return command.OK("HOME " + s.xy())
}

func (s *Stage) handleDrift(ctx context.Context, req command.Request) command.Outcome {
	var err error
	switch strings.ToLower(req.Args) {
	case "start":
		err = s.StartDrift(ctx, req.Origin.ID())
	case "stop":
		err = s.StopDrift(ctx, req.Origin.ID())
	default:
		return usage("drift start|stop")
	}
	if err != nil {
		return failure(err)
	}
	return command.OKf("DRIFT %s", onOff(s.drift.active))
}

func (s *Stage) handleDriftVec(ctx context.Context, req command.Request) command.Outcome {
	if req.Args != "" {
		v, ok := floats(req.Args, 2)
		if !ok {
			return usage("driftvec [dx dy]")
		}
		if err := s.SetDriftRate(v[0], v[1]); err != nil {
			return failure(err)
		}
	}
	return command.OKf("driftvec=%.4f,%.4f", s.drift.rateX, s.drift.rateY)
}

func (s *Stage) handleAutofocus(ctx context.Context, req command.Request) command.Outcome {
	switch strings.ToLower(req.Args) {
	case "":
	case "on":
		s.SetAutofocus(true)
	case "off":
		s.SetAutofocus(false)
	default:
		return usage("autofocus [on|off]")
	}
	return command.OKf("autofocus=%s", onOff(s.autofocus))
}

func (s *Stage) handleInit(ctx context.Context, req command.Request) command.Outcome {
	if err := s.Init(ctx); err != nil {
		return failure(err)
	}
	return command.OK("INIT " + s.xy())
}

func (s *Stage) handleAbort(ctx context.Context, req command.Request) command.Outcome {
	if err := s.Abort(ctx); err != nil {
		return failure(err)
	}
	return command.OK("ABORT stopped; lock released")
}

func (s *Stage) handleCalib(ctx context.Context, req command.Request) command.Outcome {
	if err := s.Calib(ctx); err != nil {
		return failure(err)
	}
	return command.OK("CALIB " + s.xy())
}

func (s *Stage) handleStatus(ctx context.Context, req command.Request) command.Outcome {
	s.readInterlock(ctx)
	return command.OK(s.Status().String())
}

func (s *Stage) handleGetXY(ctx context.Context, req command.Request) command.Outcome {
	return command.OK(s.xy())
}

func (s *Stage) handleGetFocus(ctx context.Context, req command.Request) command.Outcome {
	_, _, f := s.Probe()
	return command.OKf("focus=%.3f", f)
}

func (s *Stage) handleGetFilter(ctx context.Context, req command.Request) command.Outcome {
	return command.OKf("filter=%d", s.pose.Filter)
}

func (s *Stage) handlePix2SFP(ctx context.Context, req command.Request) command.Outcome {
	v, ok := floats(req.Args, 2, 4)
	if !ok {
		return usage("pix2sfp <dx> <dy> [xref yref]")
	}
	var xref, yref float64
	if len(v) == 4 {
		xref, yref = v[2], v[3]
	}
	x, y := s.PixelToSFP(v[0], v[1], xref, yref)
	return command.OKf("dx=%.4f dy=%.4f", x, y)
}
