package api

import (
	"net/http"

	"taskledger/pkg/audit"
	"taskledger/pkg/ledger"
	"taskledger/pkg/task"
)

func pathTaskID(w http.ResponseWriter, r *http.Request) (task.ID, bool) {
	id, err := task.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id: "+err.Error())
		return task.ID{}, false
	}
	return id, true
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	limit := queryLimit(r, 50)
	tasks, err := s.TaskStore.List(r.Context(), status, limit)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	t, err := s.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTaskCreate takes an explicit hex id, or derives one from client and
// payment reference.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		Client     string `json:"client"`
		Amount     int64  `json:"amount"`
		PaymentRef string `json:"payment_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := task.DeriveID(req.Client, req.PaymentRef)
	if req.ID != "" {
		var err error
		if id, err = task.ParseID(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id: "+err.Error())
			return
		}
	}
	t, err := s.Tasks.Create(r.Context(), caller(r), id, req.Client, req.Amount, req.PaymentRef)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Worker string `json:"worker"`
	}
	s.taskStep(w, r, &req, func(id task.ID) (*task.Task, error) {
		return s.Tasks.Accept(r.Context(), caller(r), id, req.Worker)
	})
}

func (s *Server) handleTaskWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BeforeHash string `json:"before_hash"`
		AfterHash  string `json:"after_hash"`
	}
	s.taskStep(w, r, &req, func(id task.ID) (*task.Task, error) {
		return s.Tasks.SubmitWork(r.Context(), caller(r), id, req.BeforeHash, req.AfterHash)
	})
}

func (s *Server) handleTaskAIVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confidence int  `json:"confidence"`
		Approved   bool `json:"approved"`
	}
	s.taskStep(w, r, &req, func(id task.ID) (*task.Task, error) {
		return s.Tasks.RecordAIVerification(r.Context(), caller(r), id, req.Confidence, req.Approved)
	})
}

func (s *Server) handleTaskPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransferRef string `json:"transfer_ref"`
	}
	s.taskStep(w, r, &req, func(id task.ID) (*task.Task, error) {
		return s.Tasks.ReleasePayment(r.Context(), caller(r), id, req.TransferRef)
	})
}

func (s *Server) handleTaskDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	s.taskStep(w, r, &req, func(id task.ID) (*task.Task, error) {
		return s.Tasks.Dispute(r.Context(), caller(r), id, req.Reason)
	})
}

// taskStep decodes req, then runs one state-machine operation on the path id.
func (s *Server) taskStep(w http.ResponseWriter, r *http.Request, req any, op func(task.ID) (*task.Task, error)) {
	id, ok := pathTaskID(w, r)
	if !ok || !decode(w, r, req) {
		return
	}
	t, err := op(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	trail, err := s.Audit.TaskAudit(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleTaskVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	which := q.Get("which")
	if which == "" {
		which = string(audit.AfterHash)
	}
	kind, err := audit.ParseHashKind(which)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if !q.Has("hash") {
		s.writeLedgerError(w, ledger.InvalidArgument("audit.verify_hash", "hash is required"))
		return
	}
	match, err := s.Audit.VerifyHash(r.Context(), id, q.Get("hash"), kind)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id.String(), "which": kind, "match": match})
}
