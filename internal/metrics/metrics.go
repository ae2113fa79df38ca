// Package metrics exposes reconciliation counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crsyncd"

// Metrics holds the collectors updated by the sync engine.
type Metrics struct {
	registry *prometheus.Registry

	Cycles       *prometheus.CounterVec
	CycleSeconds *prometheus.HistogramVec
	Operations   *prometheus.CounterVec
	FileErrors   *prometheus.CounterVec
	Conflicts    *prometheus.CounterVec
	Entities     *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "Repository sync cycles by result",
				Namespace: namespace,
				Name:      "cycles_total",
			},
			[]string{"repo", "result"},
		),
		CycleSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Help:      "Duration of repository sync cycles",
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"repo"},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "Custom resource operations by type and status",
				Namespace: namespace,
				Name:      "operations_total",
			},
			[]string{"repo", "op", "status"},
		),
		FileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "Configuration files rejected by the resolver",
				Namespace: namespace,
				Name:      "file_errors_total",
			},
			[]string{"repo", "reason"},
		),
		Conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "Configuration files losing a duplicate identity conflict",
				Namespace: namespace,
				Name:      "identity_conflicts_total",
			},
			[]string{"repo"},
		),
		Entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Help:      "Desired entities in the last reconciled index",
				Namespace: namespace,
				Name:      "desired_entities",
			},
			[]string{"repo"},
		),
	}

	m.registry.MustRegister(
		m.Cycles,
		m.CycleSeconds,
		m.Operations,
		m.FileErrors,
		m.Conflicts,
		m.Entities,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
