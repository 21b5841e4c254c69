package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayMetrics covers the UI dispatch relay: envelopes received from the bus
// and fanned out to connected browsers.
type RelayMetrics struct {
	registry *prometheus.Registry

	receivedTotal  *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	subscribers    prometheus.Gauge
	busLag         *prometheus.HistogramVec
}

func NewRelayMetrics(service string) *RelayMetrics {
	registry := prometheus.NewRegistry()

	receivedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "ui_dispatch_received_total",
			Help:      "UI envelopes received from the bus by interaction kind.",
		},
		[]string{"service", "kind"},
	)
	deliveredTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "ui_dispatch_delivered_total",
			Help:      "UI envelopes handed to subscribers by status.",
		},
		[]string{"service", "status"},
	)
	subscribers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Number of connected UI stream subscribers.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	busLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bus_lag_seconds",
			Help:      "Delay between publish and relay receipt.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"service"},
	)

	registry.MustRegister(receivedTotal, deliveredTotal, subscribers, busLag)

	return &RelayMetrics{
		registry:       registry,
		receivedTotal:  receivedTotal,
		deliveredTotal: deliveredTotal,
		subscribers:    subscribers,
		busLag:         busLag,
	}
}

func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *RelayMetrics) ObserveReceived(service, kind string, lag time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	m.receivedTotal.WithLabelValues(service, kind).Inc()
	if lag >= 0 {
		m.busLag.WithLabelValues(service).Observe(lag.Seconds())
	}
}

func (m *RelayMetrics) ObserveDelivered(service string, delivered, dropped int) {
	if delivered > 0 {
		m.deliveredTotal.WithLabelValues(service, "delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		m.deliveredTotal.WithLabelValues(service, "dropped").Add(float64(dropped))
	}
}

func (m *RelayMetrics) SubscriberConnected() {
	m.subscribers.Inc()
}

func (m *RelayMetrics) SubscriberDisconnected() {
	m.subscribers.Dec()
}
