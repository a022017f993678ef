package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskledger/internal/logging"
	"taskledger/internal/metrics"
	"taskledger/pkg/audit"
	"taskledger/pkg/eventgraph"
	"taskledger/pkg/milestone"
	"taskledger/pkg/role"
	"taskledger/pkg/task"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	events := eventgraph.NewMemStore()
	tasks := task.NewMemStore(events)
	milestones := milestone.NewMemStore(events)
	bus := eventgraph.NewBus()
	m := metrics.New()
	pub := eventgraph.Publishers{bus, m}

	srv := New(Deps{
		Tasks:     task.NewLedger(role.Writer("backend"), tasks, task.WithPublisher(pub), task.WithObserver(m)),
		TaskStore: tasks,
		Projects:  milestone.NewDirectory(milestones, role.NewMemStore(events), milestone.WithPublisher(pub), milestone.WithObserver(m)),
		Audit:     audit.New(tasks, milestones, events),
		Events:    events,
		Bus:       bus,
		Metrics:   m.Handler(),
		Log:       logging.Discard(),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, as string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if as != "" {
		req.Header.Set(CallerHeader, as)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else {
		out["_raw"] = string(raw)
	}
	return resp.StatusCode, out
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := task.DeriveID("client-1", "pi_123").String()

	code, body := do(t, ts, "POST", "/api/tasks", "backend", map[string]any{"client": "client-1", "amount": 500, "payment_ref": "pi_123"})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, id, body["id"])
	require.Equal(t, "CREATED", body["status"])

	code, _ = do(t, ts, "POST", "/api/tasks", "backend", map[string]any{"client": "client-1", "amount": 500, "payment_ref": "pi_123"})
	require.Equal(t, http.StatusConflict, code)

	code, body = do(t, ts, "POST", "/api/tasks/"+id+"/accept", "mallory", map[string]any{"worker": "w"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "unauthorized", body["kind"])

	steps := []struct {
		path string
		body map[string]any
		want string
	}{
		{"accept", map[string]any{"worker": "worker-7"}, "ACCEPTED"},
		{"work", map[string]any{"before_hash": "QmBefore", "after_hash": "QmAfter"}, "WORK_SUBMITTED"},
		{"ai-verification", map[string]any{"confidence": 91, "approved": true}, "AI_VERIFIED"},
		{"payment", map[string]any{"transfer_ref": "tr_9"}, "PAYMENT_RELEASED"},
		{"dispute", map[string]any{"reason": "bags left behind"}, "DISPUTED"},
	}
	for _, st := range steps {
		code, body = do(t, ts, "POST", "/api/tasks/"+id+"/"+st.path, "backend", st.body)
		require.Equal(t, http.StatusOK, code, st.path)
		require.Equal(t, st.want, body["status"], st.path)
	}

	code, body = do(t, ts, "POST", "/api/tasks/"+id+"/accept", "backend", map[string]any{"worker": "w"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "invalid_transition", body["kind"])

	code, body = do(t, ts, "GET", "/api/tasks/"+id+"/verify?which=after&hash=QmAfter", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["match"])

	code, body = do(t, ts, "GET", "/api/tasks/"+id+"/verify?which=before&hash=QmAfter", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["match"])

	code, _ = do(t, ts, "GET", "/api/tasks/"+id+"/verify?which=sideways&hash=x", "", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, ts, "GET", "/api/tasks/"+id+"/audit", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["history"], 6)

	code, body = do(t, ts, "GET", "/api/chain/verify", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["valid"])
}

func TestTaskErrors(t *testing.T) {
	ts := newTestServer(t)
	missing := task.DeriveID("missing").String()

	code, _ := do(t, ts, "POST", "/api/tasks/"+missing+"/accept", "backend", map[string]any{"worker": "w"})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, ts, "POST", "/api/tasks/not-hex/accept", "backend", map[string]any{"worker": "w"})
	require.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, ts, "POST", "/api/tasks", "backend", map[string]any{"client": "c", "amount": 0})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_argument", body["kind"])
}

func TestMilestoneFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	code, _ := do(t, ts, "POST", "/api/projects", "deployer", map[string]any{"id": "park", "title": "Park", "administrator": "admin", "organizer": "org"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = do(t, ts, "POST", "/api/projects", "deployer", map[string]any{"id": "park", "administrator": "admin", "organizer": "org"})
	require.Equal(t, http.StatusConflict, code)

	for _, v := range []string{"A", "B", "C"} {
		code, _ = do(t, ts, "POST", "/api/projects/park/verifiers", "admin", map[string]any{"verifier": v})
		require.Equal(t, http.StatusCreated, code)
	}
	code, _ = do(t, ts, "POST", "/api/projects/park/verifiers", "org", map[string]any{"verifier": "D"})
	require.Equal(t, http.StatusForbidden, code)

	code, body := do(t, ts, "POST", "/api/projects/park/milestones", "org", map[string]any{"title": "Phase 1", "required_approvals": 0})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "threshold_misconfigured", body["kind"])

	code, body = do(t, ts, "POST", "/api/projects/park/milestones", "org", map[string]any{"title": "Phase 1", "required_approvals": 2})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, float64(0), body["index"])

	code, _ = do(t, ts, "POST", "/api/projects/park/milestones/0/votes", "A", map[string]any{"approve": true})
	require.Equal(t, http.StatusNotFound, code, "no proof yet")

	code, _ = do(t, ts, "POST", "/api/projects/park/milestones/0/proof", "org", map[string]any{"before_hash": "b", "after_hash": "a", "location": "here"})
	require.Equal(t, http.StatusCreated, code)

	code, body = do(t, ts, "POST", "/api/projects/park/milestones/0/votes", "A", map[string]any{"approve": true})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["completed"])

	code, _ = do(t, ts, "POST", "/api/projects/park/milestones/0/votes", "A", map[string]any{"approve": true})
	require.Equal(t, http.StatusConflict, code)

	code, body = do(t, ts, "POST", "/api/projects/park/milestones/0/votes", "B", map[string]any{"approve": true})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["completed"])
	require.Equal(t, true, body["approved"])

	code, body = do(t, ts, "POST", "/api/projects/park/milestones/0/votes", "C", map[string]any{"approve": true})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "invalid_transition", body["kind"])

	code, body = do(t, ts, "GET", "/api/projects/park/milestones/0/proof", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "VERIFIED", body["status"])

	code, body = do(t, ts, "GET", "/api/projects/park/milestones/0/votes/B", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["voted"])

	code, body = do(t, ts, "GET", "/api/projects/park/milestones/0/audit", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["votes"], 2)

	code, _ = do(t, ts, "GET", "/api/projects/nowhere/milestones", "", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, ts, "POST", "/api/projects/park/donors", "admin", map[string]any{"donor": "dana", "amount": 25})
	require.Equal(t, http.StatusCreated, code)
	code, body = do(t, ts, "POST", "/api/projects/park/donors", "admin", map[string]any{"donor": "dana", "amount": 5})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, float64(30), body["amount"])

	code, body = do(t, ts, "DELETE", "/api/projects/park/verifiers/C", "admin", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["verifier_count"])

	code, body = do(t, ts, "GET", "/api/projects/park/roles/admin", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"administrator"}, body["capabilities"])

	code, body = do(t, ts, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	raw := body["_raw"].(string)
	require.Contains(t, raw, `ledger_operations_total{op="milestone.vote",outcome="ok"} 2`)
	require.Contains(t, raw, `ledger_verifiers{project="park"} 2`)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	code, _ := do(t, ts, "POST", "/api/projects", "deployer", map[string]any{"id": "school", "administrator": "a", "organizer": "o"})
	require.Equal(t, http.StatusCreated, code)

	sc := bufio.NewScanner(resp.Body)
	var got []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			got = append(got, strings.TrimPrefix(line, "event: "))
			break
		}
	}
	require.Equal(t, []string{"project.opened"}, got)
}

func TestEventList(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, "POST", "/api/projects", "deployer", map[string]any{"id": "park", "administrator": "a", "organizer": "o"})
	do(t, ts, "POST", "/api/projects/park/verifiers", "a", map[string]any{"verifier": "v"})

	req, err := http.NewRequest("GET", ts.URL+"/api/events?record=park", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []eventgraph.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 2)
	require.Equal(t, "project.opened", events[0].Type)
	require.Equal(t, "role.verifier_added", events[1].Type)

	code, body := do(t, ts, "GET", "/api/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["events"])
	require.Equal(t, float64(1), body["projects"])

	code, _ = do(t, ts, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestQueryLimitClamps(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=abc", 50},
		{"?limit=10", 10},
		{"?limit=0", 1},
		{"?limit=-1", 1},
		{"?limit=999999", maxLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/events"+tt.query, nil)
		require.Equal(t, tt.want, queryLimit(r, 50), tt.query)
	}
}

func TestNegativeLimitListsEvents(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, "POST", "/api/projects", "deployer", map[string]any{"id": "park", "administrator": "a", "organizer": "o"})

	resp, err := ts.Client().Get(ts.URL + "/api/events?limit=-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []eventgraph.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
}
