// Package simulator imitates a CCD controller server on one end of a pipe,
// including its habit of hanging when aborted mid-exposure.
package simulator

import (
	"bufio"
	"context"
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

const (
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
	// Detector rows and readout speed
	detectorRows  = 2048
	rowsPerSecond = 16384
)

type state struct {
	phase     ccd.Phase
	remaining time.Duration
	rows      int
	shutter   bool
	// hung is set when the controller has been driven into its wedged
	// state; only a reset recovers it.
	hung  bool
	frame ccd.Frame
}

type Simulator struct {
	conn io.ReadWriteCloser
	log  log.Logger

	mu    sync.Mutex
	state state
}

func New(logger log.Logger) (*Simulator, net.Conn) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a, b := net.Pipe()
	return &Simulator{conn: a, log: logger.WithName("ccdsim")}, b
}

// Hung reports whether the simulated controller is wedged.
func (s *Simulator) Hung() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.hung
}

func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step(stepSize)
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		s.log.Debug("srv->sim", "line", input)
		reply := "OK"
		if value, err := s.handle(input); err != nil {
			reply = "ERROR " + err.Error()
		} else if value != "" {
			reply += " " + value
		}
		if err := s.send(reply); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return io.EOF
}

func (s *Simulator) handle(input string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	st := &s.state
	if st.hung && cmd != "reset" {
		return "", fmt.Errorf("controller hung")
	}
	switch cmd {
	case "expose", "readout":
		if st.phase != ccd.PhaseIdle {
			return "", fmt.Errorf("busy")
		}
		frame, err := parseFrame(cmd, args)
		if err != nil {
			return "", err
		}
		st.frame = frame
		st.rows = 0
		if cmd == "readout" {
			st.phase = ccd.PhaseReading
			return "", nil
		}
		st.phase = ccd.PhaseExposing
		st.remaining = time.Duration(frame.ExpTime * float64(time.Second))
		st.shutter = frame.Type.OpenShutter()
	case "pause":
		if st.phase != ccd.PhaseExposing {
			return "", fmt.Errorf("not exposing")
		}
		st.phase = ccd.PhasePaused
		st.shutter = false
	case "resume":
		switch st.phase {
		case ccd.PhasePaused:
			st.phase = ccd.PhaseExposing
			st.shutter = st.frame.Type.OpenShutter()
		case ccd.PhaseIdle:
			st.hung = true
			return "", fmt.Errorf("controller hung")
		default:
			return "", fmt.Errorf("not paused")
		}
	case "abort":
		switch st.phase {
		case ccd.PhaseExposing:
			st.hung = true
			return "", fmt.Errorf("controller hung")
		case ccd.PhasePaused, ccd.PhaseReading:
			st.phase = ccd.PhaseIdle
			st.shutter = false
		}
	case "shutter":
		if len(args) != 1 || (args[0] != "open" && args[0] != "close") {
			return "", fmt.Errorf("usage: shutter open|close")
		}
		st.shutter = args[0] == "open"
	case "reset":
		*st = state{}
	case "progress":
		return fmt.Sprintf("%s %.3f %d", st.phase, st.remaining.Seconds(), st.rows), nil
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
	return "", nil
}

func parseFrame(cmd string, args []string) (ccd.Frame, error) {
	var frame ccd.Frame
	if cmd == "expose" {
		if len(args) < 1 {
			return frame, fmt.Errorf("usage: expose <exptime> <type> <number> <title>")
		}
		t, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return frame, err
		}
		frame.ExpTime = t
		args = args[1:]
	}
	if len(args) < 3 {
		return frame, fmt.Errorf("usage: %s ... <type> <number> <title>", cmd)
	}
	t, err := ccd.ParseImageType(args[0])
	if err != nil {
		return frame, err
	}
	frame.Type = t
	if frame.Number, err = strconv.Atoi(args[1]); err != nil {
		return frame, err
	}
	frame.Object = strings.Join(args[2:], " ")
	return frame, nil
}

func (s *Simulator) step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.state
	if st.hung {
		return
	}
	switch st.phase {
	case ccd.PhaseExposing:
		st.remaining -= dt
		if st.remaining <= 0 {
			st.remaining = 0
			st.shutter = false
			st.phase = ccd.PhaseReading
		}
	case ccd.PhaseReading:
		st.rows += int(rowsPerSecond * dt.Seconds())
		if st.rows >= detectorRows {
			st.rows = detectorRows
			st.phase = ccd.PhaseIdle
			s.log.Info("frame read out", "number", st.frame.Number, "object", st.frame.Object)
		}
	}
}

func (s *Simulator) send(line string) error {
	s.log.Debug("sim->srv", "line", line)
	_, err := fmt.Fprintf(s.conn, "%s\n", line)
	return err
}
