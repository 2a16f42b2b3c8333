// Package azcam talks to a CCD controller server over its line-oriented
// TCP command port. Each request is one line; the server answers each
// with a single "OK [value]" or "ERROR reason" line.
package azcam

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

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/instrument_interface/ccd"
	"github.com/w1xm/instrument_interface/internal/log"
)

var (
	ErrNotConnected = errors.New("controller not connected")
	ErrTimeout      = errors.New("controller did not answer")
)

// ReplyError is an ERROR answer from the controller.
type ReplyError struct {
	Cmd    string
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cmd, e.Reason)
}

// Client implements ccd.Controller.
type Client struct {
	timeout time.Duration
	log     log.Logger

	// reqMu serializes requests so replies pair up with them.
	reqMu   sync.Mutex
	replies chan string

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

var _ ccd.Controller = (*Client)(nil)

func newClient(timeout time.Duration, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		timeout: timeout,
		log:     logger,
		replies: make(chan string, 1),
	}
}

// Dial connects to addr in the background, reconnecting whenever the
// connection drops, until ctx is done.
func Dial(ctx context.Context, addr string, timeout time.Duration, logger log.Logger) *Client {
	c := newClient(timeout, logger)
	go c.reconnectLoop(ctx, addr)
	return c
}

// Attach runs the client over an established connection, such as one end
// of a simulator pipe.
func Attach(ctx context.Context, conn io.ReadWriteCloser, timeout time.Duration, logger log.Logger) *Client {
	c := newClient(timeout, logger)
	c.setConn(conn)
	go func() {
		if err := c.watch(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("controller connection closed", "error", err)
		}
		c.setConn(nil)
	}()
	return c
}

func (c *Client) reconnectLoop(ctx context.Context, addr string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		dialer := &net.Dialer{
			Timeout: time.Second,
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			c.log.Warn("opening controller", "addr", addr, "error", err)
			continue
		}
		c.log.Info("opened controller", "addr", addr)
		c.setConn(conn)
		if err := c.watch(ctx, conn); err != nil {
			c.log.Warn("controller connection lost", "addr", addr, "error", err)
		}
		c.setConn(nil)
	}
}

func (c *Client) setConn(conn io.ReadWriteCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) current() io.ReadWriteCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether a controller connection is up.
func (c *Client) Connected() bool {
	return c.current() != nil
}

func (c *Client) watch(ctx context.Context, conn io.ReadWriteCloser) error {
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
			if line == "" {
				continue
			}
			select {
			case c.replies <- line:
			default:
				c.log.Warn("dropping unsolicited controller output", "line", line)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading controller: %w", err)
		}
		return io.EOF
	})
	return g.Wait()
}

func (c *Client) request(ctx context.Context, format string, args ...any) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	conn := c.current()
	if conn == nil {
		return "", ErrNotConnected
	}
	// Anything already queued answers an earlier, timed out request.
	select {
	case line := <-c.replies:
		c.log.Debug("discarding late reply", "line", line)
	default:
	}
	cmd := fmt.Sprintf(format, args...)
	c.log.Debug("controller request", "cmd", cmd)
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return "", fmt.Errorf("sending %q: %w", cmd, err)
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case line := <-c.replies:
		return parseReply(cmd, line)
	case <-timer.C:
		return "", fmt.Errorf("%s: %w", cmd, ErrTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func parseReply(cmd, line string) (string, error) {
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToUpper(word) {
	case "OK":
		return strings.TrimSpace(rest), nil
	case "ERROR":
		return "", &ReplyError{Cmd: cmd, Reason: strings.TrimSpace(rest)}
	}
	return "", fmt.Errorf("%s: unrecognized reply %q", cmd, line)
}

// parseProgress parses "<phase> <remaining seconds> <rows>".
func parseProgress(value string) (ccd.Progress, error) {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return ccd.Progress{}, fmt.Errorf("malformed progress %q", value)
	}
	phase, err := ccd.ParsePhase(fields[0])
	if err != nil {
		return ccd.Progress{}, err
	}
	remaining, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return ccd.Progress{}, fmt.Errorf("remaining time: %w", err)
	}
	rows, err := strconv.Atoi(fields[2])
	if err != nil {
		return ccd.Progress{}, fmt.Errorf("rows: %w", err)
	}
	return ccd.Progress{
		Phase:     phase,
		Remaining: time.Duration(remaining * float64(time.Second)),
		Rows:      rows,
	}, nil
}

func title(frame ccd.Frame) string {
	if frame.Object == "" {
		return "-"
	}
	return frame.Object
}

func (c *Client) StartExposure(ctx context.Context, frame ccd.Frame) error {
	_, err := c.request(ctx, "expose %.3f %s %d %s", frame.ExpTime, frame.Type, frame.Number, title(frame))
	return err
}

func (c *Client) Readout(ctx context.Context, frame ccd.Frame) error {
	_, err := c.request(ctx, "readout %s %d %s", frame.Type, frame.Number, title(frame))
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.request(ctx, "pause")
	return err
}

func (c *Client) Resume(ctx context.Context) error {
	_, err := c.request(ctx, "resume")
	return err
}

func (c *Client) Abort(ctx context.Context) error {
	_, err := c.request(ctx, "abort")
	return err
}

func (c *Client) CloseShutter(ctx context.Context) error {
	_, err := c.request(ctx, "shutter close")
	return err
}

func (c *Client) Reset(ctx context.Context) error {
	_, err := c.request(ctx, "reset")
	return err
}

func (c *Client) Progress(ctx context.Context) (ccd.Progress, error) {
	value, err := c.request(ctx, "progress")
	if err != nil {
		return ccd.Progress{}, err
	}
	return parseProgress(value)
}
