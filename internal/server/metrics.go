// ABOUTME: Prometheus metrics for the voice relay
// ABOUTME: Counts relayed, rejected and malformed packets and connected clients
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the relay's Prometheus collectors. Each server has its own
// registry so several can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	// PacketsRelayed counts deliveries, labelled by message kind.
	PacketsRelayed *prometheus.CounterVec
	WrongSession   prometheus.Counter
	Malformed      prometheus.Counter
	SendDropped    prometheus.Counter
	Clients        prometheus.Gauge
}

// NewMetrics creates and registers the relay metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PacketsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonate_voice_packets_relayed_total",
			Help: "Total number of packets delivered to clients",
		}, []string{"kind"}),
		WrongSession: factory.NewCounter(prometheus.CounterOpts{
			Name: "resonate_voice_wrong_session_total",
			Help: "Total number of packets rejected for carrying a foreign session id",
		}),
		Malformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "resonate_voice_malformed_total",
			Help: "Total number of packets that failed to parse",
		}),
		SendDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "resonate_voice_send_dropped_total",
			Help: "Total number of packets dropped because a client send buffer was full",
		}),
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resonate_voice_clients",
			Help: "Current number of connected clients",
		}),
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// relayed returns the total deliveries across all kinds.
func (m *Metrics) relayed() uint64 {
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != "resonate_voice_packets_relayed_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return uint64(total)
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
