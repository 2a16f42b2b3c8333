// Package config loads agent configuration from a YAML file, INSTR_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/w1xm/instrument_interface/interlock"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/stage"
	"github.com/w1xm/instrument_interface/stage/serialbus"
	"github.com/w1xm/instrument_interface/telemetry"
	"github.com/w1xm/instrument_interface/transform"
)

const EnvPrefix = "INSTR"

type Relay struct {
	Listen string `mapstructure:"listen"`
	Hub    string `mapstructure:"hub"`
}

type Console struct {
	Enabled bool   `mapstructure:"enabled"`
	Prompt  string `mapstructure:"prompt"`
}

type Status struct {
	Addr string `mapstructure:"addr"`
}

type Poll struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Device locates the motion controller bus: a serial port, or a TCP
// terminal server when Address is set.
type Device struct {
	Port      string              `mapstructure:"port"`
	Baud      int                 `mapstructure:"baud"`
	Address   string              `mapstructure:"address"`
	Timeout   time.Duration       `mapstructure:"timeout"`
	Addresses serialbus.Addresses `mapstructure:"addresses"`
}

type Stage struct {
	stage.Config `mapstructure:",squash"`
	Device       Device `mapstructure:"device"`
}

type CCD struct {
	// Controller is the host:port of the CCD controller server.
	Controller   string        `mapstructure:"controller"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ReadoutLimit int           `mapstructure:"readout-limit"`
}

type Config struct {
	Node        string                 `mapstructure:"node"`
	Side        int                    `mapstructure:"side"`
	Simulate    bool                   `mapstructure:"simulate"`
	Relay       Relay                  `mapstructure:"relay"`
	Console     Console                `mapstructure:"console"`
	Status      Status                 `mapstructure:"status"`
	Poll        Poll                   `mapstructure:"poll"`
	Influx      telemetry.InfluxConfig `mapstructure:"influx"`
	Log         *log.Options           `mapstructure:"log"`
	Stage       Stage                  `mapstructure:"stage"`
	Interlock   interlock.Config       `mapstructure:"interlock"`
	CCD         CCD                    `mapstructure:"ccd"`
	Calibration transform.Calibration  `mapstructure:"calibration"`
}

// Default returns the configuration used for keys that are not set.
func Default(node string) *Config {
	c := &Config{
		Node:    node,
		Relay:   Relay{Listen: ":0"},
		Console: Console{Enabled: true, Prompt: strings.ToLower(node) + "> "},
		Poll:    Poll{Interval: 100 * time.Millisecond},
		Log:     log.NewOptions(),
		Stage: Stage{
			Config: stage.Config{PollInterval: 50 * time.Millisecond, PollLimit: 100},
			Device: Device{Baud: 9600, Timeout: 2 * time.Second, Addresses: serialbus.DefaultAddresses},
		},
		CCD: CCD{Timeout: 5 * time.Second, ReadoutLimit: 60},
	}
	return c
}

// AddFlags registers the command line flags. Nested keys are spelled with
// dots, e.g. --relay.hub.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML configuration file.")
	fs.StringVar(&c.Node, "node", c.Node, "Node id of this agent on the relay.")
	fs.IntVar(&c.Side, "side", c.Side, "Instrument side (0 or 1) selecting the calibration coefficients.")
	fs.BoolVar(&c.Simulate, "simulate", c.Simulate, "Drive simulated devices instead of hardware.")
	fs.StringVar(&c.Relay.Listen, "relay.listen", c.Relay.Listen, "Local UDP address for relay traffic.")
	fs.StringVar(&c.Relay.Hub, "relay.hub", c.Relay.Hub, "UDP address of the message relay.")
	fs.BoolVar(&c.Console.Enabled, "console.enabled", c.Console.Enabled, "Read commands from stdin.")
	fs.StringVar(&c.Console.Prompt, "console.prompt", c.Console.Prompt, "Console prompt.")
	fs.StringVar(&c.Status.Addr, "status.addr", c.Status.Addr, "Address for the status, websocket and metrics server; empty disables it.")
	fs.DurationVar(&c.Poll.Interval, "poll.interval", c.Poll.Interval, "Event loop poll tick.")
	c.Log.AddFlags(fs)
}

// Load reads the file named by --config, the environment and fs into c.
func (c *Config) Load(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("decoding configuration: %w", err)
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Node == "" {
		errs = append(errs, errors.New("node must be set"))
	}
	if !transform.Side(c.Side).Valid() {
		errs = append(errs, fmt.Errorf("side %d: must be 0 or 1", c.Side))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.CCD.ReadoutLimit < 0 {
		errs = append(errs, errors.New("ccd.readout-limit must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateStage checks the keys the stage agent needs beyond Validate.
func (c *Config) ValidateStage() error {
	var errs []error
	l := c.Stage.Limits
	for name, r := range map[string]stage.Range{"x": l.X, "y": l.Y, "focus": l.Focus} {
		if r.Min >= r.Max {
			errs = append(errs, fmt.Errorf("stage.limits.%s: min %g must be below max %g", name, r.Min, r.Max))
		}
	}
	if l.Filters < 1 {
		errs = append(errs, errors.New("stage.limits.filters must be at least 1"))
	}
	if !c.Simulate && c.Stage.Device.Port == "" && c.Stage.Device.Address == "" {
		errs = append(errs, errors.New("stage.device.port or stage.device.address must be set"))
	}
	return errors.Join(errs...)
}

// ValidateCCD checks the keys the CCD agent needs beyond Validate.
func (c *Config) ValidateCCD() error {
	if !c.Simulate && c.CCD.Controller == "" {
		return errors.New("ccd.controller must be set")
	}
	return nil
}
