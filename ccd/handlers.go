package ccd

import (
	"context"
	"errors"
	"strconv"

	"github.com/w1xm/instrument_interface/command"
)

// Entries returns the CCD verbs for the agent's command table.
func (c *CCD) Entries() []command.Entry {
	return []command.Entry{
		{Verb: "go", Usage: "go", Description: "start an exposure; DONE is sent when it is read out", Handler: c.handleGo},
		{Verb: "pause", Usage: "pause", Description: "pause the running exposure", Handler: c.handlePause},
		{Verb: "resume", Usage: "resume", Description: "resume a paused exposure", Handler: c.handleResume},
		{Verb: "abort", Usage: "abort", Description: "abort the running or paused exposure", Handler: c.handleAbort},
		{Verb: "cleanup", Usage: "cleanup", Description: "force the controller to a safe idle state", Handler: c.handleCleanup},
		{Verb: "exptime", Usage: "exptime [seconds]", Description: "show or set the exposure time", Handler: c.handleExpTime},
		{Verb: "imagetyp", Usage: "imagetyp [object|flat|comp|dark|bias|zero]", Description: "show or set the frame type", Handler: c.handleImageType},
		{Verb: "object", Usage: "object [title]", Description: "show or set the object title", Handler: c.handleObject},
		{Verb: "status", Usage: "status", Description: "report the exposure state", Handler: c.handleStatus},
		{Verb: "reset", Usage: "reset", Description: "reinitialise the controller", Executive: true, Handler: c.handleReset},
	}
}

func failure(err error) command.Outcome {
	var e *Error
	if errors.As(err, &e) {
		return command.Errorf(e.Code, "%s", e.Error())
	}
	return command.Errorf(CodeDevice, "%v", err)
}

func (c *CCD) handleGo(ctx context.Context, req command.Request) command.Outcome {
	if err := c.Go(ctx, req.Origin.ID()); err != nil {
		return failure(err)
	}
	return command.NoReply
}

func (c *CCD) handlePause(ctx context.Context, req command.Request) command.Outcome {
	if err := c.Pause(ctx); err != nil {
		return failure(err)
	}
	return command.OK("PAUSE exposure paused")
}

func (c *CCD) handleResume(ctx context.Context, req command.Request) command.Outcome {
	if err := c.Resume(ctx); err != nil {
		return failure(err)
	}
	return command.OK("RESUME exposure resumed")
}

func (c *CCD) handleAbort(ctx context.Context, req command.Request) command.Outcome {
	if err := c.Abort(ctx); err != nil {
		return failure(err)
	}
	return command.OK("ABORT exposure aborted")
}

func (c *CCD) handleCleanup(ctx context.Context, req command.Request) command.Outcome {
	if errs := c.Cleanup(ctx); len(errs) > 0 {
		return command.OKf("CLEANUP idle; controller reported: %s", joinErrors(errs))
	}
	return command.OK("CLEANUP idle")
}

func (c *CCD) handleExpTime(ctx context.Context, req command.Request) command.Outcome {
	if req.Args != "" {
		sec, err := strconv.ParseFloat(req.Args, 64)
		if err != nil {
			return command.Errorf(CodeBadArgument, "usage: exptime [seconds]")
		}
		if err := c.SetExpTime(sec); err != nil {
			return failure(err)
		}
	}
	return command.OKf("exptime=%.3f", c.frame.ExpTime)
}

func (c *CCD) handleImageType(ctx context.Context, req command.Request) command.Outcome {
	if req.Args != "" {
		t, err := ParseImageType(req.Args)
		if err != nil {
			return command.Errorf(CodeBadArgument, "%v", err)
		}
		if err := c.SetImageType(t); err != nil {
			return failure(err)
		}
	}
	return command.OKf("imagetyp=%s", c.frame.Type)
}

func (c *CCD) handleObject(ctx context.Context, req command.Request) command.Outcome {
	if req.Args != "" {
		if err := c.SetObject(req.Args); err != nil {
			return failure(err)
		}
	}
	return command.OKf("object=%q", c.frame.Object)
}

func (c *CCD) handleStatus(ctx context.Context, req command.Request) command.Outcome {
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("status refresh", "error", err)
	}
	return command.OK(c.Status().String())
}

func (c *CCD) handleReset(ctx context.Context, req command.Request) command.Outcome {
	if err := c.Reset(ctx); err != nil {
		return failure(err)
	}
	return command.OK("RESET controller reset")
}
