package ccd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/instrument_interface/command"
	"github.com/w1xm/instrument_interface/wire"
)

type fakeController struct {
	directives []string
	fail       map[string]error
	progress   Progress
	frames     []Frame
}

func (f *fakeController) do(name string) error {
	f.directives = append(f.directives, name)
	return f.fail[name]
}

func (f *fakeController) StartExposure(ctx context.Context, frame Frame) error {
	f.frames = append(f.frames, frame)
	return f.do("start")
}

func (f *fakeController) Readout(ctx context.Context, frame Frame) error {
	f.frames = append(f.frames, frame)
	return f.do("readout")
}

func (f *fakeController) Pause(ctx context.Context) error        { return f.do("pause") }
func (f *fakeController) Resume(ctx context.Context) error       { return f.do("resume") }
func (f *fakeController) Abort(ctx context.Context) error        { return f.do("abort") }
func (f *fakeController) CloseShutter(ctx context.Context) error { return f.do("close") }
func (f *fakeController) Reset(ctx context.Context) error        { return f.do("reset") }

func (f *fakeController) Progress(ctx context.Context) (Progress, error) {
	if err := f.fail["progress"]; err != nil {
		return Progress{}, err
	}
	return f.progress, nil
}

type notice struct {
	To   string
	Kind wire.Kind
	Text string
}

type harness struct {
	ctrl    *fakeController
	ccd     *CCD
	notices []notice
	d       *command.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ctrl: &fakeController{fail: map[string]error{}, progress: Progress{Phase: PhaseExposing, Remaining: time.Second}}}
	h.ccd = New(h.ctrl, nil, func(to string, kind wire.Kind, text string) {
		h.notices = append(h.notices, notice{to, kind, text})
	}, Options{ReadoutLimit: 3})
	table, err := command.NewTable(h.ccd.Entries()...)
	require.NoError(t, err)
	h.d = command.NewDispatcher(table, nil, nil)
	return h
}

func (h *harness) run(line string, origin command.Origin) command.Outcome {
	return h.d.DispatchLine(context.Background(), line, origin)
}

var gcs = command.Remote("gcs", wire.KindREQ)

func TestGoThenAbort(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, command.NoReply, h.run("GO", gcs))
	assert.Equal(t, StateExposing, h.ccd.State())

	out := h.run("abort", gcs)
	assert.Equal(t, command.StatusOK, out.Status)
	assert.Equal(t, StateIdle, h.ccd.State())
	if diff := cmp.Diff([]string{"start", "pause", "abort"}, h.ctrl.directives); diff != "" {
		t.Errorf("unexpected directives (-want +got):\n%s", diff)
	}
	assert.Equal(t, []notice{{"gcs", wire.KindERROR, "GO exposure aborted"}}, h.notices)
}

func TestAbortEndsIdleOnDeviceFailure(t *testing.T) {
	for _, test := range []struct {
		name       string
		fail       string
		directives []string
	}{
		{"abort fails", "abort", []string{"start", "pause", "abort"}},
		// A failed pause means the controller may still be exposing, so
		// the abort directive is withheld.
		{"pause fails", "pause", []string{"start", "pause"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			require.Equal(t, command.NoReply, h.run("go", gcs))
			h.ctrl.fail[test.fail] = errors.New("timeout")
			out := h.run("abort", gcs)
			assert.Equal(t, command.StatusError, out.Status)
			assert.Equal(t, CodeAbortDevice, out.Code)
			assert.Equal(t, StateIdle, h.ccd.State())
			assert.Equal(t, test.directives, h.ctrl.directives)
		})
	}
}

func TestAbortFromPausedSkipsPause(t *testing.T) {
	h := newHarness(t)
	h.run("go", gcs)
	require.Equal(t, command.StatusOK, h.run("pause", gcs).Status)
	require.Equal(t, StatePaused, h.ccd.State())
	require.Equal(t, command.StatusOK, h.run("abort", gcs).Status)
	assert.Equal(t, []string{"start", "pause", "abort"}, h.ctrl.directives)
	assert.Equal(t, StateIdle, h.ccd.State())
}

func TestRefusals(t *testing.T) {
	for _, test := range []struct {
		name  string
		setup []string
		line  string
		code  int
		state string
	}{
		{"resume from idle", nil, "resume", CodeResumeIdle, StateIdle},
		{"resume while exposing", []string{"go"}, "resume", CodeResumeExposing, StateExposing},
		{"go while exposing", []string{"go"}, "go", CodeBusy, StateExposing},
		{"go while paused", []string{"go", "pause"}, "go", CodeBusy, StatePaused},
		{"pause from idle", nil, "pause", CodePauseIdle, StateIdle},
		{"pause twice", []string{"go", "pause"}, "pause", CodePausePaused, StatePaused},
		{"abort from idle", nil, "abort", CodeAbortIdle, StateIdle},
		{"reset while exposing", []string{"go"}, "reset", CodeResetBusy, StateExposing},
		{"exptime while exposing", []string{"go"}, "exptime 5", CodeParamsBusy, StateExposing},
		{"bad exptime", nil, "exptime soon", CodeBadArgument, StateIdle},
		{"bad imagetyp", nil, "imagetyp sky", CodeBadArgument, StateIdle},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			for _, line := range test.setup {
				h.run(line, command.Console())
			}
			before := len(h.ctrl.directives)
			out := h.run(test.line, command.Console())
			assert.Equal(t, command.StatusError, out.Status)
			assert.Equal(t, test.code, out.Code)
			assert.Equal(t, test.state, h.ccd.State())
			assert.Len(t, h.ctrl.directives, before, "refused commands must not reach the controller")
		})
	}
}

func TestReadingRefusals(t *testing.T) {
	h := newHarness(t)
	h.run("go", gcs)
	h.ctrl.progress = Progress{Phase: PhaseReading}
	h.ccd.Poll(context.Background())
	require.Equal(t, StateReading, h.ccd.State())

	for line, code := range map[string]int{
		"abort":  CodeAbortReading,
		"pause":  CodePauseReading,
		"resume": CodeResumeReading,
		"go":     CodeBusy,
	} {
		out := h.run(line, gcs)
		assert.Equal(t, code, out.Code, line)
	}
	assert.Equal(t, StateReading, h.ccd.State())
}

func TestGoDeviceFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.ctrl.fail["start"] = errors.New("no link")
	out := h.run("go", gcs)
	assert.Equal(t, command.StatusError, out.Status)
	assert.Equal(t, CodeDevice, out.Code)
	assert.Equal(t, StateIdle, h.ccd.State())
	assert.Equal(t, 0, h.ccd.Status().ExpNum)

	err := h.ccd.Go(context.Background(), "gcs")
	assert.NotErrorIs(t, err, ErrBusy)
	h.ctrl.fail["start"] = nil
	require.NoError(t, h.ccd.Go(context.Background(), "gcs"))
	assert.ErrorIs(t, h.ccd.Go(context.Background(), "gcs"), ErrBusy)
}

func TestPauseFailureKeepsExposing(t *testing.T) {
	h := newHarness(t)
	h.run("go", gcs)
	h.ctrl.fail["pause"] = errors.New("nak")
	out := h.run("pause", gcs)
	assert.Equal(t, CodeDevice, out.Code)
	assert.Equal(t, StateExposing, h.ccd.State())
}

func TestZeroTimeFrames(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, command.OK("imagetyp=bias"), h.run("imagetyp BIAS", gcs))
	require.Equal(t, command.OK(`object="dome flat 3"`), h.run("object dome flat 3", gcs))
	h.run("go", gcs)
	assert.Equal(t, []string{"readout"}, h.ctrl.directives)
	assert.Equal(t, []Frame{{ExpTime: 1, Type: ImageBias, Object: "dome flat 3", Number: 1}}, h.ctrl.frames)
}

func TestPollCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.run("exptime 30", gcs)
	h.run("go", gcs)

	h.ccd.Poll(ctx)
	assert.Equal(t, StateExposing, h.ccd.State())
	h.ctrl.progress = Progress{Phase: PhaseReading, Rows: 10}
	h.ccd.Poll(ctx)
	assert.Equal(t, StateReading, h.ccd.State())
	h.ctrl.progress = Progress{Phase: PhaseIdle}
	h.ccd.Poll(ctx)
	assert.Equal(t, StateIdle, h.ccd.State())
	assert.Equal(t, []notice{{"gcs", wire.KindDONE, "GO expnum=1"}}, h.notices)

	// Nothing pending, nothing sent.
	h.ccd.Poll(ctx)
	assert.Len(t, h.notices, 1)
	assert.Equal(t, command.OK(`state=idle exptime=30.000 imagetyp=object object="" expnum=1`), h.run("status", gcs))
}

// Polling is bounded: an exposure the controller never finishes stops
// being polled and is left in its last known state for the operator.
func TestPollGivesUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.run("go", gcs)
	h.ctrl.progress = Progress{Phase: PhaseExposing, Remaining: -time.Second}
	for i := 0; i < 10; i++ {
		h.ccd.Poll(ctx)
	}
	assert.Equal(t, []notice{{"gcs", wire.KindWARNING, "GO exposure status unknown"}}, h.notices)
	assert.Equal(t, StateExposing, h.ccd.State())

	out := h.run("cleanup", command.Console())
	assert.Equal(t, command.OK("CLEANUP idle"), out)
	assert.Equal(t, StateIdle, h.ccd.State())
}

func TestStatusRefreshesAfterPollingStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.run("go", gcs)
	h.ctrl.progress = Progress{Phase: PhaseReading}
	for i := 0; i < 5; i++ {
		h.ccd.Poll(ctx)
	}
	require.Equal(t, StateReading, h.ccd.State())
	require.Len(t, h.notices, 1)

	h.ctrl.progress = Progress{Phase: PhaseIdle}
	for i := 0; i < 5; i++ {
		h.ccd.Poll(ctx)
	}
	assert.Equal(t, StateReading, h.ccd.State(), "polling has stopped")

	out := h.run("status", gcs)
	assert.Equal(t, command.OK(`state=idle exptime=1.000 imagetyp=object object="" expnum=1`), out)
	assert.Equal(t, notice{"gcs", wire.KindDONE, "GO expnum=1"}, h.notices[1])
	assert.Equal(t, command.StatusOK, h.run("go", gcs).Status)
}

func TestStatusRefreshError(t *testing.T) {
	h := newHarness(t)
	h.run("go", gcs)
	h.ctrl.fail["progress"] = errors.New("link down")
	out := h.run("status", gcs)
	assert.Equal(t, command.StatusOK, out.Status)
	assert.Equal(t, StateExposing, h.ccd.State())
}

func TestAnonymousExposureCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ccd.Go(ctx, ""))
	h.ctrl.progress = Progress{Phase: PhaseIdle}
	h.ccd.Poll(ctx)
	assert.Equal(t, StateIdle, h.ccd.State())
	assert.Empty(t, h.notices)
	require.NoError(t, h.ccd.Go(ctx, ""))
}

func TestPollProgressErrorsCount(t *testing.T) {
	h := newHarness(t)
	h.run("go", gcs)
	h.ctrl.fail["progress"] = errors.New("link down")
	for i := 0; i < 4; i++ {
		h.ccd.Poll(context.Background())
	}
	assert.Len(t, h.notices, 1)
	assert.Equal(t, wire.KindWARNING, h.notices[0].Kind)
}

func TestCleanupAlwaysSucceeds(t *testing.T) {
	h := newHarness(t)
	h.run("go", gcs)
	h.ctrl.fail["abort"] = errors.New("nak")
	h.ctrl.fail["close"] = errors.New("nak")
	out := h.run("cleanup", gcs)
	assert.Equal(t, command.StatusOK, out.Status)
	assert.Contains(t, out.Text, "abort: nak")
	assert.Equal(t, StateIdle, h.ccd.State())
	assert.Equal(t, []string{"start", "pause", "abort", "close"}, h.ctrl.directives)
	assert.Equal(t, []notice{{"gcs", wire.KindERROR, "GO exposure aborted"}}, h.notices)
}

func TestResetIsExecutive(t *testing.T) {
	h := newHarness(t)
	out := h.run("reset", gcs)
	assert.Equal(t, command.CodeNotExecutive, out.Code)
	assert.Empty(t, h.ctrl.directives)
	assert.Equal(t, command.StatusOK, h.run("reset", command.Remote("gcs", wire.KindEXEC)).Status)
	assert.Equal(t, []string{"reset"}, h.ctrl.directives)
}
