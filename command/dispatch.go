package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/wire"
)

// Dispatcher-level error codes. Subsystems number their own paths from 20 up.
const (
	CodeUnknownVerb  = 1
	CodeNotExecutive = 2
	CodeUsage        = 3
	CodeInternal     = 9
)

// Observer is told about every dispatched command.
type Observer interface {
	ObserveDispatch(verb string, outcome Outcome, elapsed time.Duration)
}

// Dispatcher looks up verbs and runs their handlers.
type Dispatcher struct {
	table    *Table
	log      log.Logger
	observer Observer
}

// NewDispatcher returns a dispatcher over table. observer may be nil.
func NewDispatcher(table *Table, logger log.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{table: table, log: logger, observer: observer}
}

// Table returns the dispatcher's verb table.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// DispatchLine splits line into verb and arguments and dispatches it.
func (d *Dispatcher) DispatchLine(ctx context.Context, line string, origin Origin) Outcome {
	verb, args := wire.SplitVerb(line)
	return d.Dispatch(ctx, verb, args, origin)
}

// Dispatch runs verb to completion for origin. Unknown verbs are never
// forwarded anywhere; they fail without touching any device.
func (d *Dispatcher) Dispatch(ctx context.Context, verb, args string, origin Origin) (out Outcome) {
	start := time.Now()
	defer func() {
		if out.Status == StatusOK && out.Text == "" {
			out.Text = strings.ToUpper(verb)
		}
		if out.Status == StatusError && out.Text == "" {
			out.Text = "failed"
		}
		d.log.Debug("dispatched", "verb", verb, "args", args, "origin", origin.String(), "outcome", out.String())
		if d.observer != nil {
			d.observer.ObserveDispatch(strings.ToLower(verb), out, time.Since(start))
		}
	}()

	entry, ok := d.table.Lookup(verb)
	if !ok {
		return Errorf(CodeUnknownVerb, "unknown command")
	}
	if entry.Executive && !origin.Executive() {
		return Errorf(CodeNotExecutive, "operation not allowed except as executive")
	}
	return d.invoke(ctx, entry, Request{Verb: verb, Args: args, Origin: origin})
}

func (d *Dispatcher) invoke(ctx context.Context, entry Entry, req Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(fmt.Errorf("%v", r), "handler panicked", "verb", req.Verb)
			out = Errorf(CodeInternal, "%s failed: internal error", strings.ToUpper(req.Verb))
		}
	}()
	return entry.Handler(ctx, req)
}
