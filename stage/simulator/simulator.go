// Package simulator imitates the stage motion controllers on one end of a
// pipe, speaking the serialbus protocol.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/instrument_interface/internal/log"
)

const (
	// Maximum acceleration in mm/s^2 (slots/s^2 for the filter wheel)
	maxAccel = 40
	// Maximum velocity in mm/s
	maxVel = 20
	minVel = 0.001
	// Distance at which an axis counts as arrived
	deadband = 0.0005
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

type axis struct {
	pos, vel, target float64
	moving           bool
	min, max         float64
}

type Simulator struct {
	conn io.ReadWriteCloser
	log  log.Logger

	mu sync.Mutex
	// axes is indexed by bus address.
	axes map[int]*axis
	// faults makes a command fail on an address, keyed like "2 MOVE".
	faults map[string]string
}

// New returns a simulator for controllers at the given addresses, each
// starting at zero with the given travel.
func New(logger log.Logger, travel map[int][2]float64) (*Simulator, net.Conn) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a, b := net.Pipe()
	s := &Simulator{conn: a, log: logger.WithName("stagesim"), axes: map[int]*axis{}, faults: map[string]string{}}
	for addr, r := range travel {
		s.axes[addr] = &axis{min: r[0], max: r[1]}
	}
	return s, b
}

// Fault makes cmd on address answer ERR reason until cleared with an
// empty reason.
func (s *Simulator) Fault(address int, cmd, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d %s", address, cmd)
	if reason == "" {
		delete(s.faults, key)
		return
	}
	s.faults[key] = reason
}

// Position returns the simulated position of address.
func (s *Simulator) Position(address int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.axes[address]; ok {
		return a.pos
	}
	return math.NaN()
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
			s.step()
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
		addr, reply := s.handle(input)
		if reply == "" {
			continue
		}
		if err := s.send("%d %s", addr, reply); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return io.EOF
}

// handle returns the answering address and the reply, or an empty reply
// when no controller has the address.
func (s *Simulator) handle(input string) (int, string) {
	fields := strings.Fields(input)
	addr, err := strconv.Atoi(fields[0])
	if err != nil || len(fields) < 2 {
		s.log.Warn("unparseable bus request", "line", input)
		return 0, ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.axes[addr]
	if !ok {
		return 0, ""
	}
	cmd := fields[1]
	if reason, ok := s.faults[fmt.Sprintf("%d %s", addr, cmd)]; ok {
		return addr, "ERR " + reason
	}
	switch cmd {
	case "INIT":
		a.vel, a.moving = 0, false
		a.target = a.pos
	case "HOME":
		a.target = a.min
		a.moving = true
	case "MOVE":
		if len(fields) != 3 {
			return addr, "ERR usage: MOVE <position>"
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return addr, "ERR " + err.Error()
		}
		if v < a.min || v > a.max {
			return addr, "ERR beyond travel"
		}
		a.target = v
		a.moving = true
	case "STOP":
		a.target = a.pos
		a.vel = 0
		a.moving = false
	case "POS?":
		return addr, fmt.Sprintf("OK %.4f", a.pos)
	case "MOV?":
		if a.moving {
			return addr, "OK 1"
		}
		return addr, "OK 0"
	default:
		return addr, "ERR unknown command"
	}
	return addr, "OK"
}

// posServo returns a target velocity for the given move
func posServo(s, t float64) float64 {
	move := t - s
	v := 2 * math.Abs(move) / stepSize.Seconds()
	if v > maxVel {
		v = maxVel
	}
	if move < 0 {
		v = -v
	}
	return v
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(s, t float64) float64 {
	delta := math.Abs(t - s)
	if delta > maxAccel*stepSize.Seconds() {
		delta = maxAccel * stepSize.Seconds()
	}
	if t < s {
		delta = -delta
	}
	return s + delta
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	dt := stepSize.Seconds()
	for _, a := range s.axes {
		if !a.moving {
			continue
		}
		remaining := a.target - a.pos
		if math.Abs(remaining) <= deadband {
			a.pos, a.vel, a.moving = a.target, 0, false
			continue
		}
		a.vel = velServo(a.vel, posServo(a.pos, a.target))
		if math.Abs(a.vel) < minVel {
			a.vel = math.Copysign(minVel, remaining)
		}
		next := a.pos + a.vel*dt
		// Do not overshoot the target.
		if (remaining > 0 && next > a.target) || (remaining < 0 && next < a.target) {
			next = a.target
		}
		a.pos = next
	}
}

func (s *Simulator) send(format string, args ...interface{}) error {
	line := fmt.Sprintf(format, args...)
	s.log.Debug("sim->srv", "line", line)
	_, err := fmt.Fprintf(s.conn, "%s\r\n", line)
	return err
}
