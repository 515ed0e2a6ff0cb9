// Package metrics holds the kernel's Prometheus collectors. Each kernel owns its
// own registry; a nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotmess_kernel"

type Metrics struct {
	Registry *prometheus.Registry

	liveBeacons       *prometheus.GaugeVec
	emissions         prometheus.Counter
	sourceFailures    *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	contactAlerts     *prometheus.CounterVec
	activeEmergencies prometheus.Gauge
	presenceCalls     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		liveBeacons: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "live_beacons",
				Help:      "Beacons currently held by the aggregator.",
			},
			[]string{"type"},
		),
		emissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "emissions_total",
				Help:      "Snapshots emitted to subscribers.",
			},
		),
		sourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregator",
				Name:      "source_failures_total",
				Help:      "Source load or subscribe failures.",
			},
			[]string{"source", "stage"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "transitions_total",
				Help:      "Requested system state transitions.",
			},
			[]string{"to", "result"},
		),
		contactAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "emergency",
				Name:      "contact_alerts_total",
				Help:      "Trusted contact notifications by outcome.",
			},
			[]string{"outcome"},
		),
		activeEmergencies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "emergency",
				Name:      "active",
				Help:      "1 while an emergency is active.",
			},
		),
		presenceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "operations_total",
				Help:      "Presence write operations by result.",
			},
			[]string{"operation", "result"},
		),
	}

	m.Registry.MustRegister(
		m.liveBeacons,
		m.emissions,
		m.sourceFailures,
		m.transitions,
		m.contactAlerts,
		m.activeEmergencies,
		m.presenceCalls,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetLiveBeacons replaces the per-type gauge values. Types absent from counts are zeroed.
func (m *Metrics) SetLiveBeacons(types []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, t := range types {
		m.liveBeacons.WithLabelValues(t).Set(float64(counts[t]))
	}
}

func (m *Metrics) IncEmission() {
	if m == nil {
		return
	}
	m.emissions.Inc()
}

// IncSourceFailure stage is "load" or "subscribe".
func (m *Metrics) IncSourceFailure(source, stage string) {
	if m == nil {
		return
	}
	m.sourceFailures.WithLabelValues(source, stage).Inc()
}

func (m *Metrics) ObserveTransition(to string, accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.transitions.WithLabelValues(to, result).Inc()
}

// IncContactAlert outcome is "delivered" or "failed".
func (m *Metrics) IncContactAlert(outcome string) {
	if m == nil {
		return
	}
	m.contactAlerts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetEmergencyActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.activeEmergencies.Set(1)
		return
	}
	m.activeEmergencies.Set(0)
}

func (m *Metrics) ObservePresence(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.presenceCalls.WithLabelValues(operation, result).Inc()
}
