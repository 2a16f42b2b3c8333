// Package daemon wires an agent process together: the relay socket, the
// console, the status server and the optional InfluxDB writer.
package daemon

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/instrument_interface/agent"
	"github.com/w1xm/instrument_interface/console"
	"github.com/w1xm/instrument_interface/internal/config"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/telemetry"
)

// Build creates the subsystems of one agent. Device connections it opens
// must live until ctx is done.
type Build func(ctx context.Context, a *agent.Agent, hub *telemetry.Hub) ([]agent.Subsystem, error)

// Run serves until ctx is done or the agent quits.
func Run(ctx context.Context, cfg *config.Config, logger log.Logger, build Build) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)
	hub := telemetry.NewHub(cfg.Node)

	a, err := agent.New(agent.Config{
		Node:         cfg.Node,
		Listen:       cfg.Relay.Listen,
		Hub:          cfg.Relay.Hub,
		PollInterval: cfg.Poll.Interval,
	}, logger.WithName("agent"), agent.WithTelemetry(hub, metrics))
	if err != nil {
		return err
	}

	subsystems, err := build(ctx, a, hub)
	if err != nil {
		return err
	}
	a.Register(subsystems...)

	var con agent.Console
	if cfg.Console.Enabled {
		r, err := console.New(os.Stdin, os.Stdout, cfg.Console.Prompt)
		if err != nil {
			return err
		}
		defer r.Close()
		con = r
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Status.Addr != "" {
		server := telemetry.NewServer(hub, reg, logger.WithName("status"))
		g.Go(func() error {
			return server.ListenAndServe(ctx, cfg.Status.Addr)
		})
	}
	if cfg.Influx.Enabled() {
		sink := telemetry.NewInfluxSink(cfg.Influx, logger.WithName("influx"))
		g.Go(func() error {
			return sink.Run(ctx, hub)
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.Run(ctx, con)
	})
	return g.Wait()
}
