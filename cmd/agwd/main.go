// Command agwd is the acquisition, guiding and focus stage agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/w1xm/instrument_interface/agent"
	"github.com/w1xm/instrument_interface/interlock"
	"github.com/w1xm/instrument_interface/internal/config"
	"github.com/w1xm/instrument_interface/internal/daemon"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/stage"
	"github.com/w1xm/instrument_interface/stage/serialbus"
	"github.com/w1xm/instrument_interface/stage/simulator"
	"github.com/w1xm/instrument_interface/telemetry"
	"github.com/w1xm/instrument_interface/transform"
)

func newRootCommand() *cobra.Command {
	cfg := config.Default("M1.AGW")
	cmd := &cobra.Command{
		Use:          "agwd",
		Short:        "Acquisition/guide/focus stage agent",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.ValidateStage(); err != nil {
				return err
			}
			logger := log.NewLogger(cfg.Log).WithName("agwd")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg, logger, func(ctx context.Context, a *agent.Agent, hub *telemetry.Hub) ([]agent.Subsystem, error) {
				return buildStage(ctx, cfg, logger, a, hub)
			})
		},
	}
	cfg.AddFlags(cmd.Flags())
	return cmd
}

func buildStage(ctx context.Context, cfg *config.Config, logger log.Logger, a *agent.Agent, hub *telemetry.Hub) ([]agent.Subsystem, error) {
	dc := cfg.Stage.Device
	var dev *serialbus.Bus
	switch {
	case cfg.Simulate:
		sim, conn := simulator.New(logger, simulatedTravel(cfg.Stage.Config, dc.Addresses))
		go func() {
			if err := sim.Run(ctx); err != nil {
				logger.Warn("stage simulator stopped", "error", err)
			}
		}()
		dev = serialbus.Attach(ctx, conn, dc.Addresses, dc.Timeout, logger.WithName("serialbus"))
	case dc.Address != "":
		dev = serialbus.DialTCP(ctx, dc.Address, dc.Addresses, dc.Timeout, logger.WithName("serialbus"))
	default:
		dev = serialbus.OpenSerial(ctx, dc.Port, dc.Baud, dc.Addresses, dc.Timeout, logger.WithName("serialbus"))
	}

	var tower stage.Interlock
	if cfg.Interlock.Enabled() {
		tower = interlock.Connect(ctx, cfg.Interlock, logger.WithName("interlock"), func(s interlock.Status) {
			hub.Publish("interlock", s)
		})
	}

	st := stage.New(dev, tower, &cfg.Calibration, transform.Side(cfg.Side), cfg.Stage.Config, logger.WithName("stage"), a.Notify)
	if err := st.Init(ctx); err != nil {
		logger.Warn("initializing stage; use init once the bus is up", "error", err)
	}
	return []agent.Subsystem{{
		Name:    "stage",
		Entries: st.Entries(),
		Poll:    st.Poll,
		Status:  func() any { return st.Status() },
	}}, nil
}

// simulatedTravel converts the probe limits to stage travel per bus address.
func simulatedTravel(c stage.Config, addrs serialbus.Addresses) map[int][2]float64 {
	g, l := c.Geometry, c.Limits
	fmin, fmax := l.Focus.Min+g.Focus0, l.Focus.Max+g.Focus0
	return map[int][2]float64{
		addrs.X:      {l.X.Min + g.X0, l.X.Max + g.X0},
		addrs.Y:      {l.Y.Min - fmax + g.Y0, l.Y.Max - fmin + g.Y0},
		addrs.Focus:  {fmin, fmax},
		addrs.Filter: {1, float64(l.Filters)},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
