package api

import (
	"net/http"
	"strconv"

	"taskledger/pkg/milestone"
	"taskledger/pkg/role"
)

func (s *Server) projectLedger(w http.ResponseWriter, r *http.Request) (*milestone.Ledger, bool) {
	l, err := s.Projects.Ledger(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeLedgerError(w, err)
		return nil, false
	}
	return l, true
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "invalid milestone index")
		return 0, false
	}
	return idx, true
}

type projectView struct {
	milestone.Project
	Verifiers     []string `json:"verifiers"`
	VerifierCount int      `json:"verifier_count"`
}

func viewOf(l *milestone.Ledger) projectView {
	v := l.Roles().Verifiers()
	return projectView{Project: l.Project(), Verifiers: v, VerifierCount: len(v)}
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Projects.Projects(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleProjectOpen(w http.ResponseWriter, r *http.Request) {
	var p milestone.Project
	if !decode(w, r, &p) {
		return
	}
	l, err := s.Projects.Open(r.Context(), caller(r), p)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(l))
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	l, ok := s.projectLedger(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

func (s *Server) handleVerifierAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verifier string `json:"verifier"`
	}
	l, ok := s.projectLedger(w, r)
	if !ok || !decode(w, r, &req) {
		return
	}
	if err := l.Roles().AddVerifier(r.Context(), caller(r), req.Verifier); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(l))
}

func (s *Server) handleVerifierRemove(w http.ResponseWriter, r *http.Request) {
	l, ok := s.projectLedger(w, r)
	if !ok {
		return
	}
	if err := l.Roles().RemoveVerifier(r.Context(), caller(r), r.PathValue("id")); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

func (s *Server) handleDonorAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Donor  string `json:"donor"`
		Amount int64  `json:"amount"`
	}
	l, ok := s.projectLedger(w, r)
	if !ok || !decode(w, r, &req) {
		return
	}
	if err := l.Roles().AddDonor(r.Context(), caller(r), req.Donor, req.Amount); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	a, _ := l.Roles().Donor(req.Donor)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleMilestoneList(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Audit.Milestones(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if ms == nil {
		ms = []milestone.Milestone{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleMilestoneCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title             string `json:"title"`
		Description       string `json:"description"`
		RequiredApprovals int    `json:"required_approvals"`
	}
	l, ok := s.projectLedger(w, r)
	if !ok || !decode(w, r, &req) {
		return
	}
	m, err := l.CreateMilestone(r.Context(), caller(r), req.Title, req.Description, req.RequiredApprovals)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMilestoneGet(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	m, err := s.Audit.Milestone(r.Context(), r.PathValue("project"), idx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMilestoneAudit(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	trail, err := s.Audit.MilestoneAudit(r.Context(), r.PathValue("project"), idx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleProofGet(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	p, err := s.Audit.Proof(r.Context(), r.PathValue("project"), idx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProofSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BeforeHash string `json:"before_hash"`
		AfterHash  string `json:"after_hash"`
		Location   string `json:"location"`
	}
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	l, ok := s.projectLedger(w, r)
	if !ok || !decode(w, r, &req) {
		return
	}
	p, err := l.SubmitProof(r.Context(), caller(r), idx, req.BeforeHash, req.AfterHash, req.Location)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve *bool `json:"approve"`
	}
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	l, ok := s.projectLedger(w, r)
	if !ok || !decode(w, r, &req) {
		return
	}
	if req.Approve == nil {
		writeError(w, http.StatusBadRequest, "approve is required")
		return
	}
	m, err := l.VoteOnProof(r.Context(), caller(r), idx, *req.Approve)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHasVoted(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	voter := r.PathValue("voter")
	voted, err := s.Audit.HasVoted(r.Context(), r.PathValue("project"), idx, voter)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voter": voter, "voted": voted})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	l, ok := s.projectLedger(w, r)
	if !ok {
		return
	}
	caps := l.Roles().Capabilities(r.PathValue("identity"))
	if caps == nil {
		caps = []role.Capability{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": r.PathValue("identity"), "capabilities": caps})
}
