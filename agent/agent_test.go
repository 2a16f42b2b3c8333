package agent

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/instrument_interface/ccd"
	"github.com/w1xm/instrument_interface/command"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/telemetry"
)

type fakeConsole struct {
	lines chan string

	mu  sync.Mutex
	out bytes.Buffer
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{lines: make(chan string, 8)}
}

func (c *fakeConsole) ReadLine() (string, error) {
	line, ok := <-c.lines
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (c *fakeConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *fakeConsole) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// counter is a minimal subsystem.
type counter struct {
	n     int
	polls atomic.Int32
}

func (c *counter) subsystem() Subsystem {
	return Subsystem{
		Name: "counter",
		Entries: []command.Entry{{
			Verb:  "count",
			Usage: "count",
			Handler: func(ctx context.Context, req command.Request) command.Outcome {
				c.n++
				return command.OKf("count=%d", c.n)
			},
		}},
		Poll:   func(ctx context.Context) { c.polls.Add(1) },
		Status: func() any { return map[string]int{"n": c.n} },
	}
}

// fakeController finishes an exposure once done is set.
type fakeController struct {
	done atomic.Bool
}

func (f *fakeController) StartExposure(ctx context.Context, frame ccd.Frame) error { return nil }
func (f *fakeController) Readout(ctx context.Context, frame ccd.Frame) error       { return nil }
func (f *fakeController) Pause(ctx context.Context) error                          { return nil }
func (f *fakeController) Resume(ctx context.Context) error                         { return nil }
func (f *fakeController) Abort(ctx context.Context) error                          { return nil }
func (f *fakeController) CloseShutter(ctx context.Context) error                   { return nil }
func (f *fakeController) Reset(ctx context.Context) error                          { return nil }
func (f *fakeController) Progress(ctx context.Context) (ccd.Progress, error) {
	if f.done.Load() {
		return ccd.Progress{Phase: ccd.PhaseIdle}, nil
	}
	return ccd.Progress{Phase: ccd.PhaseExposing, Remaining: time.Second}, nil
}

type harness struct {
	agent   *Agent
	peer    net.PacketConn
	console *fakeConsole
	hub     *telemetry.Hub
	reg     *prometheus.Registry
	metrics *telemetry.Metrics
	errc    chan error
}

func startAgent(t *testing.T, node string, subsystems func(a *Agent) []Subsystem) *harness {
	t.Helper()
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	reg := prometheus.NewRegistry()
	h := &harness{
		peer:    peer,
		console: newFakeConsole(),
		hub:     telemetry.NewHub(node),
		reg:     reg,
		metrics: telemetry.NewMetrics(reg),
		errc:    make(chan error, 1),
	}
	h.agent, err = New(Config{
		Node:         node,
		Listen:       "127.0.0.1:0",
		Hub:          peer.LocalAddr().String(),
		PollInterval: 10 * time.Millisecond,
	}, log.NewNopLogger(), WithTelemetry(h.hub, h.metrics))
	require.NoError(t, err)
	h.agent.Register(subsystems(h.agent)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.agent.Run(ctx, h.console) }()
	t.Cleanup(func() {
		cancel()
		close(h.console.lines)
		select {
		case <-h.errc:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	_, err := h.peer.WriteTo([]byte(line+"\n"), h.agent.Addr())
	require.NoError(t, err)
}

func (h *harness) recv(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 4096)
	h.peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := h.peer.ReadFrom(buf)
	require.NoError(t, err)
	return strings.TrimSpace(string(buf[:n]))
}

func (h *harness) exchange(t *testing.T, line string) string {
	t.Helper()
	h.send(t, line)
	return h.recv(t)
}

func withCounter(c *counter) func(a *Agent) []Subsystem {
	return func(a *Agent) []Subsystem { return []Subsystem{c.subsystem()} }
}

func TestRemoteDispatch(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	assert.Equal(t, "M1.AGW>IE DONE: count=1", h.exchange(t, "IE>M1.AGW REQ: count"))
	assert.Equal(t, "M1.AGW>IE DONE: count=2", h.exchange(t, "REQ IE>m1.agw COUNT"))
	assert.Equal(t, "M1.AGW>IE ERROR: 1 unknown command", h.exchange(t, "IE>M1.AGW REQ: frobnicate"))
	assert.Equal(t, "M1.AGW>IE ERROR: 2 operation not allowed except as executive", h.exchange(t, "IE>M1.AGW REQ: quit"))
	assert.Equal(t, "M1.AGW>IE DONE: verbose=off", h.exchange(t, "IE>M1.AGW EXEC: verbose"))
}

func TestPing(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	assert.Equal(t, "M1.AGW>IE PONG", h.exchange(t, "IE>M1.AGW PING"))
	// A PONG is never answered.
	h.send(t, "IE>M1.AGW PONG")
	assert.Equal(t, "M1.AGW>IE DONE: count=1", h.exchange(t, "IE>M1.AGW REQ: count"))
}

func TestDroppedDatagrams(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	h.send(t, "IE>M1.CCD REQ: count")
	h.send(t, "IE>M1.AGW REQ:")
	h.send(t, ">M1.CCD count")
	assert.Equal(t, "M1.AGW>IE DONE: count=1", h.exchange(t, "IE>M1.AGW REQ: count"))
	expected := `
# HELP instrument_protocol_errors_total Malformed or misaddressed datagrams dropped.
# TYPE instrument_protocol_errors_total counter
instrument_protocol_errors_total 3
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "instrument_protocol_errors_total"))
}

func TestUnaddressedCommandsDropped(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	h.send(t, "count")
	h.send(t, "REQ count")
	h.send(t, "console>M1.AGW REQ: count")
	h.send(t, "CONSOLE>M1.AGW EXEC: quit")
	assert.Equal(t, "M1.AGW>IE DONE: count=1", h.exchange(t, "IE>M1.AGW REQ: count"))
	expected := `
# HELP instrument_protocol_errors_total Malformed or misaddressed datagrams dropped.
# TYPE instrument_protocol_errors_total counter
instrument_protocol_errors_total 4
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "instrument_protocol_errors_total"))
}

func TestConsole(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	h.console.lines <- "count"
	assert.Eventually(t, func() bool {
		return strings.Contains(h.console.String(), "DONE: count=1")
	}, 5*time.Second, 10*time.Millisecond)

	h.console.lines <- ">M1.CCD status"
	assert.Equal(t, "M1.AGW>M1.CCD REQ: status", h.recv(t))

	h.send(t, "M1.CCD>M1.AGW DONE: state=idle")
	assert.Eventually(t, func() bool {
		return strings.Contains(h.console.String(), "M1.CCD>M1.AGW DONE: state=idle")
	}, 5*time.Second, 10*time.Millisecond)

	h.console.lines <- "bogus"
	assert.Eventually(t, func() bool {
		return strings.Contains(h.console.String(), "ERROR: 1 unknown command")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPollAndTelemetry(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	assert.Eventually(t, func() bool { return c.polls.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	h.exchange(t, "IE>M1.AGW REQ: count")
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[string]int{"n": 1}, h.hub.Snapshot().Status["counter"])
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExposureCompletion(t *testing.T) {
	ctrl := &fakeController{}
	h := startAgent(t, "M1.CCD", func(a *Agent) []Subsystem {
		cam := ccd.New(ctrl, nil, a.Notify, ccd.Options{})
		return []Subsystem{{
			Name:    "ccd",
			Entries: cam.Entries(),
			Poll:    cam.Poll,
			Status:  func() any { return cam.Status() },
		}}
	})

	h.send(t, "IE>M1.CCD REQ: go")
	assert.Equal(t, "M1.CCD>IE ERROR: 20 exposure/readout in progress", h.exchange(t, "IE>M1.CCD REQ: go"))
	ctrl.done.Store(true)
	assert.Equal(t, "M1.CCD>IE DONE: GO expnum=1", h.recv(t))

	// From the console the completion is printed locally.
	ctrl.done.Store(false)
	h.console.lines <- "go"
	assert.Eventually(t, func() bool {
		return h.hub.Snapshot().Status["ccd"].(ccd.Status).State == "exposing"
	}, 5*time.Second, 10*time.Millisecond)
	ctrl.done.Store(true)
	assert.Eventually(t, func() bool {
		return strings.Contains(h.console.String(), "DONE: GO expnum=2")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQuit(t *testing.T) {
	c := &counter{}
	h := startAgent(t, "M1.AGW", withCounter(c))

	assert.Equal(t, "M1.AGW>IE DONE: QUIT agent shutting down", h.exchange(t, "IE>M1.AGW EXEC: quit"))
	select {
	case err := <-h.errc:
		assert.NoError(t, err)
		h.errc <- err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not quit")
	}
}

func TestNewRequiresNode(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
	_, err = New(Config{Node: "X", Hub: "not an address"}, nil)
	assert.Error(t, err)
}
