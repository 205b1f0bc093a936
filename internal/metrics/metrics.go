// Package metrics provides Prometheus metrics for the proxmox agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	ReconcileCycles      *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	ActionsTotal         *prometheus.CounterVec
	CommandsTotal        *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
	OpenIntents          prometheus.Gauge
	PendingConfirmations prometheus.Gauge
	CollaboratorDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReconcileCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_reconcile_cycles_total",
				Help: "Total reconciliation cycles by outcome.",
			},
			[]string{"outcome"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_reconcile_duration_seconds",
				Help:    "Duration of one full reconciliation cycle.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_actions_total",
				Help: "Executor actions by type and outcome.",
			},
			[]string{"action", "outcome"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_commands_total",
				Help: "Classified chat commands by kind and status.",
			},
			[]string{"command", "status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		OpenIntents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_open_intents",
				Help: "Open deletion intents seen on the last poll.",
			},
		),
		PendingConfirmations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_pending_confirmations",
				Help: "Outstanding confirmation tokens.",
			},
		),
		CollaboratorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_collaborator_duration_seconds",
				Help:    "External call duration by collaborator and operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collaborator", "op"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ReconcileCycles)
	reg.MustRegister(m.ReconcileDuration)
	reg.MustRegister(m.ActionsTotal)
	reg.MustRegister(m.CommandsTotal)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.OpenIntents)
	reg.MustRegister(m.PendingConfirmations)
	reg.MustRegister(m.CollaboratorDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCycle increments the cycle counter.
func (m *Metrics) RecordCycle(outcome string) {
	m.ReconcileCycles.WithLabelValues(outcome).Inc()
}

// RecordAction increments the executor action counter.
func (m *Metrics) RecordAction(action, outcome string) {
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordCommand increments the chat command counter.
func (m *Metrics) RecordCommand(command, status string) {
	m.CommandsTotal.WithLabelValues(command, status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// ObserveCycleDuration records the duration of one reconciliation cycle.
func (m *Metrics) ObserveCycleDuration(seconds float64) {
	m.ReconcileDuration.Observe(seconds)
}

// ObserveCollaborator records an external call duration.
func (m *Metrics) ObserveCollaborator(collaborator, op string, seconds float64) {
	m.CollaboratorDuration.WithLabelValues(collaborator, op).Observe(seconds)
}
