// Command ccdd is the CCD camera agent.
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
	"github.com/w1xm/instrument_interface/ccd"
	"github.com/w1xm/instrument_interface/ccd/azcam"
	"github.com/w1xm/instrument_interface/ccd/simulator"
	"github.com/w1xm/instrument_interface/internal/config"
	"github.com/w1xm/instrument_interface/internal/daemon"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/telemetry"
)

func newRootCommand() *cobra.Command {
	cfg := config.Default("M1.CCD")
	cmd := &cobra.Command{
		Use:          "ccdd",
		Short:        "CCD camera agent",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.ValidateCCD(); err != nil {
				return err
			}
			logger := log.NewLogger(cfg.Log).WithName("ccdd")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg, logger, func(ctx context.Context, a *agent.Agent, hub *telemetry.Hub) ([]agent.Subsystem, error) {
				return buildCCD(ctx, cfg, logger, a)
			})
		},
	}
	cfg.AddFlags(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVar(&cfg.CCD.Controller, "ccd.controller", cfg.CCD.Controller, "host:port of the CCD controller server.")
	fs.IntVar(&cfg.CCD.ReadoutLimit, "ccd.readout-limit", cfg.CCD.ReadoutLimit, "Poll ticks an overdue exposure is given before polling stops.")
	return cmd
}

func buildCCD(ctx context.Context, cfg *config.Config, logger log.Logger, a *agent.Agent) ([]agent.Subsystem, error) {
	var ctrl *azcam.Client
	if cfg.Simulate {
		sim, conn := simulator.New(logger)
		go func() {
			if err := sim.Run(ctx); err != nil {
				logger.Warn("ccd simulator stopped", "error", err)
			}
		}()
		ctrl = azcam.Attach(ctx, conn, cfg.CCD.Timeout, logger.WithName("azcam"))
	} else {
		ctrl = azcam.Dial(ctx, cfg.CCD.Controller, cfg.CCD.Timeout, logger.WithName("azcam"))
	}

	cam := ccd.New(ctrl, logger.WithName("ccd"), a.Notify, ccd.Options{ReadoutLimit: cfg.CCD.ReadoutLimit})
	return []agent.Subsystem{{
		Name:    "ccd",
		Entries: cam.Entries(),
		Poll:    cam.Poll,
		Status:  func() any { return cam.Status() },
	}}, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
