package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	return pb.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, g.Write(&pb))
	return pb.GetGauge().GetValue()
}

func TestObserve(t *testing.T) {
	m := New()
	m.Observe("task.accept", nil)
	m.Observe("task.accept", nil)
	m.Observe("task.accept", ledger.InvalidTransition("task.accept", "t1", "ACCEPTED", "ACCEPTED"))

	require.Equal(t, 2.0, counterValue(t, m.ops.WithLabelValues("task.accept", "ok")))
	require.Equal(t, 1.0, counterValue(t, m.ops.WithLabelValues("task.accept", "invalid_transition")))
}

func TestPublishTracksVerifiers(t *testing.T) {
	m := New()
	m.Publish(&eventgraph.Event{Type: "role.verifier_added", RecordID: "park", Content: map[string]any{"verifier_count": 3}})
	m.Publish(&eventgraph.Event{Type: "role.verifier_removed", RecordID: "park", Content: map[string]any{"verifier_count": float64(2)}})
	m.Publish(&eventgraph.Event{Type: "vote.cast", RecordID: "park/0"})

	require.Equal(t, 2.0, gaugeValue(t, m.verifiers.WithLabelValues("park")))
	require.Equal(t, 1.0, counterValue(t, m.events.WithLabelValues("vote.cast")))
	require.Equal(t, 1.0, counterValue(t, m.events.WithLabelValues("role.verifier_added")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Observe("milestone.vote", nil)
	m.SetVerifiers("school", 4)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), `ledger_operations_total{op="milestone.vote",outcome="ok"} 1`)
	require.Contains(t, string(body), `ledger_verifiers{project="school"} 4`)
}

func TestProjectOpenedStartsVerifierSeries(t *testing.T) {
	m := New()
	m.Publish(&eventgraph.Event{Type: "project.opened", RecordID: "fresh", Content: map[string]any{"project_id": "fresh"}})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "ledger_verifiers" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "project" && l.GetValue() == "fresh" {
					found = true
					require.Zero(t, metric.GetGauge().GetValue())
				}
			}
		}
	}
	require.True(t, found, "no ledger_verifiers series for fresh project")
}
