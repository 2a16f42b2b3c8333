// Package interlock watches the calibration tower's "in beam" input on its
// PLC over modbus. Stage motion is refused while the tower is in the beam,
// and a reading that is missing or too old is treated the same way.
package interlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/w1xm/instrument_interface/interlock/modbushttp"
	"github.com/w1xm/instrument_interface/internal/log"
)

var (
	ErrNoReading = errors.New("tower interlock not read yet")
	ErrStale     = errors.New("tower interlock reading is stale")
)

type Config struct {
	// Port and Baud open a local RTU serial line.
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
	// Address reaches a modbus TCP gateway instead.
	Address string `mapstructure:"address"`
	// URL reaches an HTTP relay instead.
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`

	SlaveID byte `mapstructure:"slave-id"`
	// Input is the discrete input that is set while the tower is in beam.
	Input      uint16        `mapstructure:"input"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale-after"`
}

func (c Config) Enabled() bool {
	return c.Port != "" || c.Address != "" || c.URL != ""
}

func (c Config) name() string {
	switch {
	case c.URL != "":
		return c.URL
	case c.Address != "":
		return c.Address
	}
	return c.Port
}

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Status is the last reading.
type Status struct {
	InBeam  bool      `json:"inBeam"`
	Updated time.Time `json:"updated"`
	Error   string    `json:"error,omitempty"`
}

type StatusCallback func(status Status)

// Tower polls the interlock input in the background.
type Tower struct {
	cfg            Config
	handler        handler
	client         modbus.Client
	log            log.Logger
	statusCallback StatusCallback
	now            func() time.Time

	mu     sync.Mutex
	status Status
}

func newHandler(cfg Config) handler {
	switch {
	case cfg.URL != "":
		return modbushttp.NewClient(cfg.URL, cfg.Password, cfg.SlaveID, time.Second)
	case cfg.Address != "":
		h := modbus.NewTCPClientHandler(cfg.Address)
		h.Timeout = 1 * time.Second
		h.SlaveId = cfg.SlaveID
		return h
	}
	h := modbus.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.Baud
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.Timeout = 1 * time.Second
	h.SlaveId = cfg.SlaveID
	return h
}

func withDefaults(cfg Config) Config {
	if cfg.Baud == 0 {
		cfg.Baud = 19200
	}
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	return cfg
}

// Connect starts polling the tower PLC until ctx is done. statusCallback
// may be nil.
func Connect(ctx context.Context, cfg Config, logger log.Logger, statusCallback StatusCallback) *Tower {
	cfg = withDefaults(cfg)
	h := newHandler(cfg)
	t := newTower(cfg, h, modbus.NewClient(h), logger, statusCallback)
	go t.reconnectLoop(ctx)
	return t
}

func newTower(cfg Config, h handler, client modbus.Client, logger log.Logger, statusCallback StatusCallback) *Tower {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if statusCallback == nil {
		statusCallback = func(Status) {}
	}
	return &Tower{
		cfg:            cfg,
		handler:        h,
		client:         client,
		log:            logger,
		statusCallback: statusCallback,
		now:            time.Now,
	}
}

func (t *Tower) reconnectLoop(ctx context.Context) {
	port := t.cfg.name()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		if err := t.handler.Connect(); err != nil {
			t.log.Warn("opening interlock", "port", port, "error", err)
			continue
		}
		if err := t.watch(ctx); err != nil {
			t.log.Warn("watching interlock", "port", port, "error", err)
			t.record(false, err)
		}
	}
}

func (t *Tower) watch(ctx context.Context) error {
	defer t.handler.Close()
	for {
		if err := t.pollOnce(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.Interval):
		}
	}
}

func (t *Tower) pollOnce() error {
	results, err := t.client.ReadDiscreteInputs(t.cfg.Input, 1)
	if err != nil {
		return fmt.Errorf("reading input %d: %w", t.cfg.Input, err)
	}
	if len(results) < 1 {
		return errors.New("short discrete input response")
	}
	t.record(results[0]&1 == 1, nil)
	return nil
}

func (t *Tower) record(in bool, err error) {
	t.mu.Lock()
	if err != nil {
		t.status.Error = err.Error()
	} else {
		t.status = Status{InBeam: in, Updated: t.now()}
	}
	status := t.status
	t.mu.Unlock()
	t.statusCallback(status)
}

func (t *Tower) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// InBeam reports the last reading. A reading that failed, never happened
// or is older than StaleAfter comes back as in beam with an error.
func (t *Tower) InBeam(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.status.Updated.IsZero():
		return true, ErrNoReading
	case t.status.Error != "":
		return true, errors.New(t.status.Error)
	case t.now().Sub(t.status.Updated) > t.cfg.StaleAfter:
		return true, ErrStale
	}
	return t.status.InBeam, nil
}
