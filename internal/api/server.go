// Package api is the HTTP surface of the ledger. Callers are identified by the
// X-Ledger-Caller header, which an authenticating proxy in front sets.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"taskledger/pkg/audit"
	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
	"taskledger/pkg/milestone"
	"taskledger/pkg/task"
)

// CallerHeader carries the identity an operation is performed as.
const CallerHeader = "X-Ledger-Caller"

// Deps are the components the server routes to.
type Deps struct {
	Tasks     *task.Ledger
	TaskStore task.Store
	Projects  *milestone.Directory
	Audit     *audit.Service
	Events    eventgraph.EventStore
	Bus       *eventgraph.Bus
	Metrics   http.Handler // optional
	Log       *logrus.Logger
}

// Server is the HTTP API server.
type Server struct {
	Deps
	mux *http.ServeMux
}

// New creates a new Server.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	s := &Server{Deps: d, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.Log.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   rec.status,
		"caller":   r.Header.Get(CallerHeader),
		"duration": time.Since(start).String(),
	}).Debug("request")
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /api/tasks/{id}/accept", s.handleTaskAccept)
	s.mux.HandleFunc("POST /api/tasks/{id}/work", s.handleTaskWork)
	s.mux.HandleFunc("POST /api/tasks/{id}/ai-verification", s.handleTaskAIVerification)
	s.mux.HandleFunc("POST /api/tasks/{id}/payment", s.handleTaskPayment)
	s.mux.HandleFunc("POST /api/tasks/{id}/dispute", s.handleTaskDispute)
	s.mux.HandleFunc("GET /api/tasks/{id}/audit", s.handleTaskAudit)
	s.mux.HandleFunc("GET /api/tasks/{id}/verify", s.handleTaskVerify)

	// Projects and milestones
	s.mux.HandleFunc("GET /api/projects", s.handleProjectList)
	s.mux.HandleFunc("POST /api/projects", s.handleProjectOpen)
	s.mux.HandleFunc("GET /api/projects/{project}", s.handleProjectGet)
	s.mux.HandleFunc("POST /api/projects/{project}/verifiers", s.handleVerifierAdd)
	s.mux.HandleFunc("DELETE /api/projects/{project}/verifiers/{id}", s.handleVerifierRemove)
	s.mux.HandleFunc("POST /api/projects/{project}/donors", s.handleDonorAdd)
	s.mux.HandleFunc("GET /api/projects/{project}/roles/{identity}", s.handleCapabilities)
	s.mux.HandleFunc("GET /api/projects/{project}/milestones", s.handleMilestoneList)
	s.mux.HandleFunc("POST /api/projects/{project}/milestones", s.handleMilestoneCreate)
	s.mux.HandleFunc("GET /api/projects/{project}/milestones/{idx}", s.handleMilestoneGet)
	s.mux.HandleFunc("GET /api/projects/{project}/milestones/{idx}/audit", s.handleMilestoneAudit)
	s.mux.HandleFunc("GET /api/projects/{project}/milestones/{idx}/proof", s.handleProofGet)
	s.mux.HandleFunc("POST /api/projects/{project}/milestones/{idx}/proof", s.handleProofSubmit)
	s.mux.HandleFunc("POST /api/projects/{project}/milestones/{idx}/votes", s.handleVote)
	s.mux.HandleFunc("GET /api/projects/{project}/milestones/{idx}/votes/{voter}", s.handleHasVoted)

	// Events
	s.mux.HandleFunc("GET /api/events", s.handleEventList)
	s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEventGet)
	s.mux.HandleFunc("GET /api/chain/verify", s.handleChainVerify)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.Metrics != nil {
		s.mux.Handle("GET /metrics", s.Metrics)
	}
}

func caller(r *http.Request) string { return r.Header.Get(CallerHeader) }

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write json")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.Log.WithError(err).Error("ledger operation failed")
	}
	body := map[string]string{"error": err.Error(), "kind": ledger.Kind(err)}
	writeJSON(w, status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists), errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrThresholdMisconfigured), errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// maxLimit caps list queries.
const maxLimit = 1000

// queryLimit reads ?limit, clamped to [1, maxLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return defaultVal
	}
	return min(max(n, 1), maxLimit)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets the SSE handler stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
