package main

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/instrument_interface/agent"
	"github.com/w1xm/instrument_interface/internal/config"
	"github.com/w1xm/instrument_interface/internal/daemon"
	"github.com/w1xm/instrument_interface/internal/log"
	"github.com/w1xm/instrument_interface/stage"
	"github.com/w1xm/instrument_interface/stage/serialbus"
	"github.com/w1xm/instrument_interface/telemetry"
)

func testStageConfig() stage.Config {
	var c stage.Config
	c.Geometry = stage.Geometry{X0: 10, Y0: 25, Focus0: 5}
	c.Limits = stage.Limits{
		X:       stage.Range{Min: -50, Max: 60},
		Y:       stage.Range{Min: -40, Max: 60},
		Focus:   stage.Range{Min: 0, Max: 10},
		Filters: 6,
	}
	c.PollInterval = 50 * time.Millisecond
	c.PollLimit = 100
	return c
}

func TestSimulatedTravel(t *testing.T) {
	travel := simulatedTravel(testStageConfig(), serialbus.DefaultAddresses)
	assert.Equal(t, map[int][2]float64{
		1: {-40, 70},
		2: {-30, 80},
		3: {5, 15},
		4: {1, 6},
	}, travel)
}

func TestSimulatedStage(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	listen := probe.LocalAddr().String()
	probe.Close()
	agentAddr, err := net.ResolveUDPAddr("udp", listen)
	require.NoError(t, err)

	cfg := config.Default("M1.AGW")
	cfg.Simulate = true
	cfg.Console.Enabled = false
	cfg.Relay.Listen = listen
	cfg.Relay.Hub = conn.LocalAddr().String()
	cfg.Stage.Config = testStageConfig()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateStage())

	errc := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := log.NewNopLogger()
	go func() {
		errc <- daemon.Run(ctx, cfg, logger, func(ctx context.Context, a *agent.Agent, hub *telemetry.Hub) ([]agent.Subsystem, error) {
			return buildStage(ctx, cfg, logger, a, hub)
		})
	}()

	buf := make([]byte, 4096)
	exchange := func(from, line string) string {
		t.Helper()
		_, err := conn.WriteTo([]byte(from+">M1.AGW "+line+"\n"), agentAddr)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		return strings.TrimSpace(string(buf[:n]))
	}
	up := false
	for i := 0; i < 50 && !up; i++ {
		conn.WriteTo([]byte("IE>M1.AGW PING\n"), agentAddr)
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err := conn.ReadFrom(buf)
		up = err == nil
	}
	require.True(t, up, "agent did not come up")

	assert.Equal(t, "M1.AGW>IE DONE: +lock lockHost=IE", exchange("IE", "REQ: lock"))
	assert.Equal(t, "M1.AGW>IE DONE: SETXY x=2.000 y=-20.000", exchange("IE", "REQ: setxy 2 -20"))
	assert.Equal(t, "M1.AGW>GCS ERROR: 41 AGW locked", exchange("GCS", "REQ: setxy 0 0"))
	assert.Equal(t, "M1.AGW>IE DONE: x=2.000 y=-20.000", exchange("IE", "REQ: getxy"))
	assert.Equal(t, "M1.AGW>GCS DONE: -lock lockHost=IE forced", exchange("GCS", "EXEC: unlock force"))
	assert.Equal(t, "M1.AGW>IE DONE: QUIT agent shutting down", exchange("IE", "EXEC: quit"))

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not quit")
	}
}
