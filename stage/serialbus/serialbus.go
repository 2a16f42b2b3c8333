// Package serialbus drives the stage motion controllers on their shared,
// addressed ASCII bus. The bus is reached through a local serial port or a
// TCP terminal server.
//
// Every request is "<address> <COMMAND> [value]" and each controller
// answers with "<address> OK [value]" or "<address> ERR <reason>".
package serialbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/stage"
)

var (
	ErrNotConnected = errors.New("motion bus not connected")
	ErrTimeout      = errors.New("motion controller did not answer")
)

// ControllerError is an ERR answer.
type ControllerError struct {
	Address int
	Cmd     string
	Reason  string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller %d %s: %s", e.Address, e.Cmd, e.Reason)
}

// Addresses maps axes to controller bus addresses.
type Addresses struct {
	X      int `mapstructure:"x"`
	Y      int `mapstructure:"y"`
	Focus  int `mapstructure:"focus"`
	Filter int `mapstructure:"filter"`
}

// DefaultAddresses numbers the controllers in axis order from 1.
var DefaultAddresses = Addresses{X: 1, Y: 2, Focus: 3, Filter: 4}

func (a Addresses) of(axis stage.Axis) int {
	switch axis {
	case stage.AxisX:
		return a.X
	case stage.AxisY:
		return a.Y
	case stage.AxisFocus:
		return a.Focus
	}
	return a.Filter
}

type Bus struct {
	addrs   Addresses
	timeout time.Duration
	log     log.Logger

	reqMu   sync.Mutex
	replies chan string

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

var _ stage.Device = (*Bus)(nil)

func newBus(addrs Addresses, timeout time.Duration, logger log.Logger) *Bus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Bus{addrs: addrs, timeout: timeout, log: logger, replies: make(chan string, 4)}
}

type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// OpenSerial opens port in the background and reopens it whenever it fails.
func OpenSerial(ctx context.Context, port string, baud int, addrs Addresses, timeout time.Duration, logger log.Logger) *Bus {
	b := newBus(addrs, timeout, logger)
	go b.reconnectLoop(ctx, port, func(ctx context.Context) (io.ReadWriteCloser, error) {
		c := &serial.Config{Name: port, Baud: baud}
		return serial.OpenPort(c)
	})
	return b
}

// DialTCP reaches the bus through a terminal server at addr.
func DialTCP(ctx context.Context, addr string, addrs Addresses, timeout time.Duration, logger log.Logger) *Bus {
	b := newBus(addrs, timeout, logger)
	go b.reconnectLoop(ctx, addr, func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := &net.Dialer{
			Timeout: time.Second,
		}
		return dialer.DialContext(ctx, "tcp", addr)
	})
	return b
}

// Attach runs the bus over an established connection.
func Attach(ctx context.Context, conn io.ReadWriteCloser, addrs Addresses, timeout time.Duration, logger log.Logger) *Bus {
	b := newBus(addrs, timeout, logger)
	b.setConn(conn)
	go func() {
		if err := b.watch(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("motion bus closed", "error", err)
		}
		b.setConn(nil)
	}()
	return b
}

func (b *Bus) reconnectLoop(ctx context.Context, name string, dial dialFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		conn, err := dial(ctx)
		if err != nil {
			b.log.Warn("opening motion bus", "port", name, "error", err)
			continue
		}
		b.log.Info("opened motion bus", "port", name)
		b.setConn(conn)
		if err := b.watch(ctx, conn); err != nil {
			b.log.Warn("motion bus lost", "port", name, "error", err)
		}
		b.setConn(nil)
	}
}

func (b *Bus) setConn(conn io.ReadWriteCloser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
}

func (b *Bus) current() io.ReadWriteCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Bus) watch(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line[0] == '!':
				// Controllers announce faults unprompted.
				b.log.Warn("motion controller", "message", line[1:])
			default:
				select {
				case b.replies <- line:
				default:
					b.log.Warn("dropping unsolicited bus output", "line", line)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading bus: %w", err)
		}
		return io.EOF
	})
	return g.Wait()
}

// request sends one command to address and waits for that controller's
// answer. Answers from other addresses are stale and skipped.
func (b *Bus) request(ctx context.Context, address int, cmd string) (string, error) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()
	conn := b.current()
	if conn == nil {
		return "", ErrNotConnected
	}
	for drained := false; !drained; {
		select {
		case line := <-b.replies:
			b.log.Debug("discarding late reply", "line", line)
		default:
			drained = true
		}
	}
	out := fmt.Sprintf("%d %s", address, cmd)
	b.log.Debug("bus request", "cmd", out)
	if _, err := fmt.Fprintf(conn, "%s\r\n", out); err != nil {
		return "", fmt.Errorf("writing %q: %w", out, err)
	}
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	for {
		select {
		case line := <-b.replies:
			from, value, err := parseReply(line)
			if err != nil {
				b.log.Warn("parsing bus reply", "line", line, "error", err)
				continue
			}
			if from != address {
				continue
			}
			if value.err != "" {
				return "", &ControllerError{Address: address, Cmd: cmd, Reason: value.err}
			}
			return value.ok, nil
		case <-timer.C:
			return "", fmt.Errorf("%s: %w", out, ErrTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

type reply struct {
	ok  string
	err string
}

func parseReply(line string) (int, reply, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, reply{}, errors.New("truncated reply")
	}
	addr, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, reply{}, fmt.Errorf("address: %w", err)
	}
	rest := ""
	if len(fields) == 3 {
		rest = strings.TrimSpace(fields[2])
	}
	switch fields[1] {
	case "OK":
		return addr, reply{ok: rest}, nil
	case "ERR":
		if rest == "" {
			rest = "unspecified error"
		}
		return addr, reply{err: rest}, nil
	}
	return 0, reply{}, fmt.Errorf("unknown status %q", fields[1])
}

func (b *Bus) Init(ctx context.Context) error {
	for _, axis := range stage.Axes {
		if _, err := b.request(ctx, b.addrs.of(axis), "INIT"); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Home(ctx context.Context, axis stage.Axis) error {
	_, err := b.request(ctx, b.addrs.of(axis), "HOME")
	return err
}

func (b *Bus) Move(ctx context.Context, axis stage.Axis, position float64) error {
	_, err := b.request(ctx, b.addrs.of(axis), fmt.Sprintf("MOVE %.4f", position))
	return err
}

func (b *Bus) Position(ctx context.Context, axis stage.Axis) (float64, error) {
	value, err := b.request(ctx, b.addrs.of(axis), "POS?")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s position %q: %w", axis, value, err)
	}
	return v, nil
}

func (b *Bus) Moving(ctx context.Context, axis stage.Axis) (bool, error) {
	value, err := b.request(ctx, b.addrs.of(axis), "MOV?")
	if err != nil {
		return false, err
	}
	switch value {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%s moving flag %q", axis, value)
}

func (b *Bus) Stop(ctx context.Context, axis stage.Axis) error {
	_, err := b.request(ctx, b.addrs.of(axis), "STOP")
	return err
}
