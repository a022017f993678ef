package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskledger/pkg/eventgraph"
)

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit := queryLimit(r, 50)

	var events []eventgraph.Event
	var err error
	switch {
	case q.Get("record") != "":
		events, err = s.Events.ByRecord(ctx, q.Get("record"))
	case q.Get("type") != "":
		events, err = s.Events.ByType(ctx, q.Get("type"), limit)
	case q.Get("source") != "":
		events, err = s.Events.BySource(ctx, q.Get("source"), limit)
	case q.Get("after") != "":
		events, err = s.Events.Since(ctx, q.Get("after"), limit)
	default:
		events, err = s.Events.Recent(ctx, limit)
	}
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if events == nil {
		events = []eventgraph.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.Events.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleChainVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.Events.Count(ctx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if err := s.Audit.VerifyChain(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "events": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "events": n})
}

// handleEventStream replays events after ?after= and then streams new
// commits from the bus. A keepalive comment goes out every 15s.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	// Subscribe before replay so nothing committed in between is lost.
	sub := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	ctx := r.Context()
	seen := make(map[string]struct{})
	if after := r.URL.Query().Get("after"); after != "" {
		backlog, err := s.Events.Since(ctx, after, 500)
		if err != nil {
			s.Log.WithError(err).Warn("SSE replay")
		}
		for i := range backlog {
			seen[backlog[i].ID] = struct{}{}
			writeSSE(w, &backlog[i])
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-sub:
			if !ok {
				return
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e *eventgraph.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventCount, err := s.Events.Count(ctx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	taskCount, err := s.TaskStore.Count(ctx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	projects, err := s.Projects.Projects(ctx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	subscribers := 0
	if s.Bus != nil {
		subscribers = s.Bus.Subscribers()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      eventCount,
		"tasks":       taskCount,
		"projects":    len(projects),
		"subscribers": subscribers,
	})
}
