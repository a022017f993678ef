// Package metrics exposes ledger activity as Prometheus series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

const namespace = "ledger"

// Metrics records operation outcomes, committed events and verifier counts.
// It is both a ledger.Observer and an eventgraph.Publisher.
type Metrics struct {
	registry  *prometheus.Registry
	ops       *prometheus.CounterVec
	events    *prometheus.CounterVec
	verifiers *prometheus.GaugeVec
}

// New creates Metrics on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"op", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed ledger events by type.",
		}, []string{"type"}),
		verifiers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verifiers",
			Help:      "Current verifier count per project.",
		}, []string{"project"}),
	}
	m.registry.MustRegister(
		m.ops, m.events, m.verifiers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe implements ledger.Observer.
func (m *Metrics) Observe(op string, err error) {
	m.ops.WithLabelValues(op, ledger.Kind(err)).Inc()
}

// Publish implements eventgraph.Publisher.
func (m *Metrics) Publish(e *eventgraph.Event) {
	m.events.WithLabelValues(e.Type).Inc()
	switch e.Type {
	case "project.opened":
		m.verifiers.WithLabelValues(e.RecordID).Set(0)
	case "role.verifier_added", "role.verifier_removed":
		if n, ok := number(e.Content["verifier_count"]); ok {
			m.verifiers.WithLabelValues(e.RecordID).Set(n)
		}
	}
}

// SetVerifiers seeds the verifier gauge of project, e.g. after a restart.
func (m *Metrics) SetVerifiers(project string, n int) {
	m.verifiers.WithLabelValues(project).Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
