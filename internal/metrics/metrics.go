// Package metrics exposes Prometheus counters and histograms for the
// SkyFence service. All methods are nil-safe so callers can run without
// metrics wired.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus collectors on a private registry.
type Metrics struct {
	registry           *prometheus.Registry
	samplesTotal       *prometheus.CounterVec
	violationsTotal    *prometheus.CounterVec
	evaluationSeconds  prometheus.Histogram
	allocationsTotal   *prometheus.CounterVec
	stationOccupancy   *prometheus.GaugeVec
	podOccupancy       prometheus.Gauge
	notificationsTotal *prometheus.CounterVec
	groundStopsTotal   *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	samplesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyfence",
			Subsystem: "track",
			Name:      "samples_total",
			Help:      "Total position samples ingested.",
		},
		[]string{"source"},
	)
	violationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyfence",
			Subsystem: "zone",
			Name:      "violations_total",
			Help:      "Total zone violations detected.",
		},
		[]string{"zone_id", "action"},
	)
	evaluationSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "skyfence",
			Subsystem: "zone",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one sample against the zone catalog.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
	allocationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyfence",
			Subsystem: "dock",
			Name:      "allocations_total",
			Help:      "Total dock allocation attempts by result.",
		},
		[]string{"result"},
	)
	stationOccupancy := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyfence",
			Subsystem: "dock",
			Name:      "station_occupancy",
			Help:      "Current occupancy per docking station.",
		},
		[]string{"station_id"},
	)
	podOccupancy := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skyfence",
			Subsystem: "pod",
			Name:      "occupancy",
			Help:      "Current holding pod occupancy.",
		},
	)
	notificationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyfence",
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Total notification events dispatched.",
		},
		[]string{"type"},
	)
	groundStopsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyfence",
			Subsystem: "groundstop",
			Name:      "holds_total",
			Help:      "Total ground-stop hold activations.",
		},
		[]string{"scope"},
	)

	registry.MustRegister(
		samplesTotal,
		violationsTotal,
		evaluationSeconds,
		allocationsTotal,
		stationOccupancy,
		podOccupancy,
		notificationsTotal,
		groundStopsTotal,
	)

	return &Metrics{
		registry:           registry,
		samplesTotal:       samplesTotal,
		violationsTotal:    violationsTotal,
		evaluationSeconds:  evaluationSeconds,
		allocationsTotal:   allocationsTotal,
		stationOccupancy:   stationOccupancy,
		podOccupancy:       podOccupancy,
		notificationsTotal: notificationsTotal,
		groundStopsTotal:   groundStopsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSample(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.samplesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncViolation(zoneID, action string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "none"
	}
	m.violationsTotal.WithLabelValues(zoneID, action).Inc()
}

func (m *Metrics) ObserveEvaluation(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.evaluationSeconds.Observe(seconds)
}

func (m *Metrics) IncAllocation(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.allocationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetStationOccupancy(stationID string, occupancy int) {
	if m == nil {
		return
	}
	m.stationOccupancy.WithLabelValues(stationID).Set(float64(occupancy))
}

func (m *Metrics) SetPodOccupancy(occupancy int) {
	if m == nil {
		return
	}
	m.podOccupancy.Set(float64(occupancy))
}

func (m *Metrics) IncNotification(eventType string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncGroundStop(scope string) {
	if m == nil {
		return
	}
	m.groundStopsTotal.WithLabelValues(scope).Inc()
}
