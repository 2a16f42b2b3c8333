package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/w1xm/instrument_interface/internal/log"
)

type InfluxConfig struct {
	Server      string `mapstructure:"server"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

func (c InfluxConfig) Enabled() bool {
	return c.Server != ""
}

// InfluxSink writes every hub update as one point of flattened fields.
type InfluxSink struct {
	cfg      InfluxConfig
	client   influxdb2.Client
	writeApi api.WriteApi
	log      log.Logger
}

func NewInfluxSink(cfg InfluxConfig, logger log.Logger) *InfluxSink {
	if cfg.Measurement == "" {
		cfg.Measurement = "instrument.status"
	}
	client := influxdb2.NewClient(cfg.Server, cfg.Token)
	return &InfluxSink{
		cfg:      cfg,
		client:   client,
		writeApi: client.WriteApi(cfg.Org, cfg.Bucket),
		log:      logger,
	}
}

// Run writes points until ctx is done, then flushes and closes the client.
func (s *InfluxSink) Run(ctx context.Context, hub *Hub) error {
	defer s.client.Close()
	defer s.writeApi.Close()

	go func() {
		for err := range s.writeApi.Errors() {
			s.log.Warn("influx write", "error", err)
		}
	}()

	updates, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			s.writeApi.Flush()
			return nil
		case <-updates:
		}
		snap := hub.Snapshot()
		fields, err := Fields(snap)
		if err != nil {
			s.log.Error(err, "flattening status")
			continue
		}
		tags := map[string]string{"node": snap.Node}
		s.writeApi.WritePoint(influxdb2.NewPoint(s.cfg.Measurement, tags, fields, time.Now()))
	}
}

// Fields flattens the snapshot's status into dotted field names, e.g.
// "stage.x" or "ccd.expnum".
func Fields(snap Snapshot) (map[string]interface{}, error) {
	data, err := json.Marshal(snap.Status)
	if err != nil {
		return nil, err
	}
	var status interface{}
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	return fields, nil
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		if prefix != "" {
			fields[prefix[1:]] = status
		}
	}
}
