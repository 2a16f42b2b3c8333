package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/w1xm/instrument_interface/command"
)

// Metrics counts dispatched commands and dropped input. It implements
// command.Observer.
type Metrics struct {
	commands       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	protocolErrors prometheus.Counter
}

var _ command.Observer = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "instrument",
			Name:      "commands_total",
			Help:      "Commands dispatched, by verb and outcome.",
		}, []string{"verb", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "instrument",
			Name:      "command_duration_seconds",
			Help:      "Time spent running a command handler.",
			Buckets:   []float64{.001, .005, .025, .1, .5, 1, 5, 30},
		}, []string{"verb"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instrument",
			Name:      "protocol_errors_total",
			Help:      "Malformed or misaddressed datagrams dropped.",
		}),
	}
	reg.MustRegister(m.commands, m.latency, m.protocolErrors)
	return m
}

func (m *Metrics) ObserveDispatch(verb string, outcome command.Outcome, elapsed time.Duration) {
	m.commands.WithLabelValues(verb, outcome.Status.String()).Inc()
	m.latency.WithLabelValues(verb).Observe(elapsed.Seconds())
}

func (m *Metrics) ProtocolError() {
	m.protocolErrors.Inc()
}
