package command

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/wire"
)

type recordingObserver struct {
	verbs    []string
	outcomes []Outcome
}

func (r *recordingObserver) ObserveDispatch(verb string, outcome Outcome, elapsed time.Duration) {
	r.verbs = append(r.verbs, verb)
	r.outcomes = append(r.outcomes, outcome)
}

func newTestTable(t *testing.T, calls *int) *Table {
	t.Helper()
	table, err := NewTable(
		Entry{
			Verb:        "GO",
			Usage:       "go",
			Description: "start an exposure",
			Handler: func(ctx context.Context, req Request) Outcome {
				*calls++
				return NoReply
			},
		},
		Entry{
			Verb:        "getxy",
			Usage:       "getxy",
			Description: "report the probe position",
			Handler: func(ctx context.Context, req Request) Outcome {
				*calls++
				return OK("")
			},
		},
		Entry{
			Verb:        "reset",
			Usage:       "reset",
			Description: "reset the controller",
			Executive:   true,
			Handler: func(ctx context.Context, req Request) Outcome {
				*calls++
				return OKf("reset by %s", req.Origin.ID())
			},
		},
		Entry{
			Verb: "boom",
			Handler: func(ctx context.Context, req Request) Outcome {
				panic("device table corrupt")
			},
		},
	)
	require.NoError(t, err)
	return table
}

func TestLookupCaseInsensitive(t *testing.T) {
	var calls int
	table := newTestTable(t, &calls)
	a, ok := table.Lookup("GO")
	require.True(t, ok)
	b, _ := table.Lookup("go")
	c, _ := table.Lookup("Go")
	assert.Equal(t, a.Verb, b.Verb)
	assert.Equal(t, a.Verb, c.Verb)

	_, ok = table.Lookup("g")
	assert.False(t, ok, "abbreviations must not match")
	_, ok = table.Lookup("getx")
	assert.False(t, ok)
}

func TestNewTableRejects(t *testing.T) {
	h := func(ctx context.Context, req Request) Outcome { return OK("x") }
	_, err := NewTable(Entry{Verb: "lock", Handler: h}, Entry{Verb: "LOCK", Handler: h})
	assert.Error(t, err)
	_, err = NewTable(Entry{Verb: "help", Handler: h})
	assert.Error(t, err, "help is built in")
	_, err = NewTable(Entry{Verb: "set xy", Handler: h})
	assert.Error(t, err)
	_, err = NewTable(Entry{Verb: "lock"})
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	var calls int
	obs := &recordingObserver{}
	d := NewDispatcher(newTestTable(t, &calls), log.NewNopLogger(), obs)
	ctx := context.Background()

	for _, test := range []struct {
		name   string
		line   string
		origin Origin
		want   Outcome
		calls  int
	}{
		{"unknown verb", "frobnicate 1 2", Console(), Errorf(CodeUnknownVerb, "unknown command"), 0},
		{"no reply", "go", Remote("IE", wire.KindREQ), NoReply, 1},
		{"empty ok text is filled", "GetXY", Remote("IE", wire.KindREQ), OK("GETXY"), 1},
		{"gated from REQ", "reset", Remote("IE", wire.KindREQ), Errorf(CodeNotExecutive, "operation not allowed except as executive"), 0},
		{"gated from EXEC", "reset", Remote("IE", wire.KindEXEC), OK("reset by IE"), 1},
		{"gated from console", "RESET", Console(), OK("reset by console"), 1},
		{"panic is contained", "boom", Console(), Errorf(CodeInternal, "BOOM failed: internal error"), 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			calls = 0
			got := d.DispatchLine(ctx, test.line, test.origin)
			assert.Equal(t, test.want, got)
			assert.Equal(t, test.calls, calls)
		})
	}
	assert.Equal(t, []string{"frobnicate", "go", "getxy", "reset", "reset", "reset", "boom"}, obs.verbs)
}

func TestReply(t *testing.T) {
	assert.Equal(t, "1 unknown command", Errorf(CodeUnknownVerb, "unknown command").Reply())
	assert.Equal(t, "+lock lockHost=gcs", OK("+lock lockHost=gcs").Reply())
	assert.Equal(t, wire.KindDONE, OK("x").Kind())
	assert.Equal(t, wire.KindERROR, Errorf(5, "x").Kind())
	assert.Equal(t, wire.KindUnknown, NoReply.Kind())
}

func TestHelp(t *testing.T) {
	var calls int
	stopped := false
	entries := Builtins(func() { stopped = true }, log.NewNopLogger())
	table, err := NewTable(entries...)
	require.NoError(t, err)
	d := NewDispatcher(table, nil, nil)
	ctx := context.Background()

	out := d.DispatchLine(ctx, "help", Console())
	require.Equal(t, StatusOK, out.Status)
	assert.Contains(t, out.Text, "quit")
	assert.Contains(t, out.Text, "verbose [on|off]")
	assert.NotContains(t, out.Text, "ping", "hidden verbs are not listed")

	out = d.DispatchLine(ctx, "help QUIT", Console())
	assert.Equal(t, StatusOK, out.Status)
	assert.True(t, strings.HasPrefix(out.Text, "usage: quit"))
	assert.Contains(t, out.Text, "executive only")

	out = d.DispatchLine(ctx, "help pong", Console())
	assert.Equal(t, StatusError, out.Status)

	// Hidden verbs still dispatch.
	assert.Equal(t, OK("PONG"), d.DispatchLine(ctx, "PING", Remote("IE", wire.KindREQ)))
	assert.Equal(t, NoReply, d.DispatchLine(ctx, "pong", Remote("IE", wire.KindREQ)))

	assert.Equal(t, StatusError, d.DispatchLine(ctx, "quit", Remote("IE", wire.KindREQ)).Status)
	assert.False(t, stopped)
	assert.Equal(t, StatusOK, d.DispatchLine(ctx, "quit", Console()).Status)
	assert.True(t, stopped)
	assert.Equal(t, 0, calls)
}

func TestVerbose(t *testing.T) {
	logger := log.NewLogger(&log.Options{Level: "info", Format: "json", OutputPaths: []string{"stderr"}})
	table, err := NewTable(Builtins(func() {}, logger)...)
	require.NoError(t, err)
	d := NewDispatcher(table, nil, nil)
	ctx := context.Background()

	assert.Equal(t, OK("verbose=off"), d.DispatchLine(ctx, "verbose", Console()))
	assert.Equal(t, OK("verbose=on"), d.DispatchLine(ctx, "verbose on", Remote("IE", wire.KindEXEC)))
	assert.True(t, logger.DebugEnabled())
	assert.Equal(t, StatusError, d.DispatchLine(ctx, "verbose loud", Console()).Status)
	assert.Equal(t, OK("verbose=off"), d.DispatchLine(ctx, "verbose OFF", Console()))
}

func TestOrigin(t *testing.T) {
	assert.True(t, Console().Executive())
	assert.True(t, Console().IsConsole())
	assert.Equal(t, ConsoleID, Console().ID())
	assert.False(t, Remote("gcs", wire.KindREQ).Executive())
	assert.True(t, Remote("gcs", wire.KindEXEC).Executive())
	assert.True(t, Remote("GCS", wire.KindREQ).Same("gcs"))
}
