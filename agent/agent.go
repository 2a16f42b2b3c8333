// Package agent runs one instrument agent: a single event loop that takes
// lines from the operator console and datagrams from the message relay,
// dispatches them one at a time, routes replies, and ticks the device
// state machines between commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/instrument_interface/command"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/telemetry"
)

type Config struct {
	// Node is this agent's identity on the relay, e.g. "M1.AGW".
	Node string `mapstructure:"node"`
	// Listen is the local UDP address for relay traffic.
	Listen string `mapstructure:"listen"`
	// Hub is the relay's UDP address. Notifications go there; when it is
	// empty they go to the last peer heard from.
	Hub          string        `mapstructure:"hub"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
}

// Subsystem is one device state machine hosted by the agent.
type Subsystem struct {
	Name    string
	Entries []command.Entry
	// Poll runs once per tick. It may be nil.
	Poll func(ctx context.Context)
	// Status returns a snapshot for telemetry. It may be nil.
	Status func() any
}

// Console is the operator front-end.
type Console interface {
	io.Writer
	ReadLine() (string, error)
}

type Option func(*Agent)

// WithTelemetry publishes subsystem status to hub after every command and
// tick, and counts dispatches in metrics. Either may be nil.
func WithTelemetry(hub *telemetry.Hub, metrics *telemetry.Metrics) Option {
	return func(a *Agent) {
		a.hub = hub
		a.metrics = metrics
	}
}

type Agent struct {
	cfg     Config
	log     log.Logger
	hub     *telemetry.Hub
	metrics *telemetry.Metrics

	conn       net.PacketConn
	relay      net.Addr
	lastPeer   net.Addr
	subsystems []Subsystem
	dispatcher *command.Dispatcher
	console    io.Writer
	quit       bool
}

// New binds the relay socket. Subsystems are added with Register before Run.
func New(cfg Config, logger log.Logger, opts ...Option) (*Agent, error) {
	if cfg.Node == "" {
		return nil, errors.New("agent: node id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &Agent{cfg: cfg, log: logger.WithValues("node", cfg.Node)}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.Hub != "" {
		relay, err := net.ResolveUDPAddr("udp", cfg.Hub)
		if err != nil {
			return nil, fmt.Errorf("resolving relay %q: %w", cfg.Hub, err)
		}
		a.relay = relay
	}
	listen := cfg.Listen
	if listen == "" {
		listen = ":0"
	}
	conn, err := net.ListenPacket("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", listen, err)
	}
	a.conn = conn
	return a, nil
}

func (a *Agent) Node() string {
	return a.cfg.Node
}

// Addr is the bound relay socket address.
func (a *Agent) Addr() net.Addr {
	return a.conn.LocalAddr()
}

func (a *Agent) Register(subsystems ...Subsystem) {
	a.subsystems = append(a.subsystems, subsystems...)
}

type event struct {
	line    string
	console bool
	from    net.Addr
}

// Run serves until ctx is done or an executive quit. console may be nil.
// The socket is closed on return.
func (a *Agent) Run(ctx context.Context, console Console) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// quit takes effect once its reply has been sent.
	entries := command.Builtins(func() { a.quit = true }, a.log)
	for _, s := range a.subsystems {
		entries = append(entries, s.Entries...)
	}
	table, err := command.NewTable(entries...)
	if err != nil {
		a.conn.Close()
		return err
	}
	var observer command.Observer
	if a.metrics != nil {
		observer = a.metrics
	}
	a.dispatcher = command.NewDispatcher(table, a.log.WithName("dispatch"), observer)

	events := make(chan event)
	if console != nil {
		a.console = console
		go a.readConsole(ctx, console, events)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return a.conn.Close()
	})
	g.Go(func() error {
		return a.readSocket(ctx, events)
	})
	g.Go(func() error {
		defer stop()
		return a.loop(ctx, events)
	})
	a.log.Info("agent running", "addr", a.Addr().String(), "relay", a.cfg.Hub)
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return err
}

// readConsole is not part of the errgroup: ReadLine cannot be interrupted.
func (a *Agent) readConsole(ctx context.Context, console Console, events chan<- event) {
	for {
		line, err := console.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.log.Error(err, "reading console")
			}
			a.log.Info("console closed")
			return
		}
		select {
		case events <- event{line: line, console: true}:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) readSocket(ctx context.Context, events chan<- event) error {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := a.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading relay socket: %w", err)
		}
		select {
		case events <- event{line: string(buf[:n]), from: from}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) loop(ctx context.Context, events <-chan event) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	a.publish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.console {
				a.handleConsole(ctx, ev.line)
			} else {
				a.handleDatagram(ctx, ev.line, ev.from)
			}
		case <-ticker.C:
			for _, s := range a.subsystems {
				if s.Poll != nil {
					s.Poll(ctx)
				}
			}
		}
		a.publish()
		if a.quit {
			a.log.Info("quit")
			return nil
		}
	}
}

func (a *Agent) publish() {
	if a.hub == nil {
		return
	}
	for _, s := range a.subsystems {
		if s.Status != nil {
			a.hub.Publish(s.Name, s.Status())
		}
	}
}
