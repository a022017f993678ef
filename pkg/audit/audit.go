// Package audit answers read-only questions about tasks and milestones.
// Nothing here mutates state or requires a caller identity.
package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
	"taskledger/pkg/milestone"
	"taskledger/pkg/task"
)

// HashKind selects which evidence hash of a task VerifyHash compares.
type HashKind string

const (
	BeforeHash HashKind = "before"
	AfterHash  HashKind = "after"
)

// ParseHashKind accepts "before" or "after".
func ParseHashKind(s string) (HashKind, error) {
	switch HashKind(s) {
	case BeforeHash, AfterHash:
		return HashKind(s), nil
	}
	return "", ledger.InvalidArgument("audit.verify_hash", fmt.Sprintf("unknown hash kind %q", s))
}

// TaskTrail is a task together with its event history.
type TaskTrail struct {
	Task    *task.Task         `json:"task"`
	History []eventgraph.Event `json:"history"`
}

// MilestoneTrail is a milestone with its proof, votes and event history.
type MilestoneTrail struct {
	Milestone *milestone.Milestone `json:"milestone"`
	Proof     *milestone.Proof     `json:"proof,omitempty"`
	Votes     []milestone.Vote     `json:"votes"`
	History   []eventgraph.Event   `json:"history"`
}

// Service reads the task, milestone and event stores.
type Service struct {
	tasks      task.Store
	milestones milestone.Store
	events     eventgraph.EventStore
}

// New creates a Service.
func New(tasks task.Store, milestones milestone.Store, events eventgraph.EventStore) *Service {
	return &Service{tasks: tasks, milestones: milestones, events: events}
}

// TaskAudit returns the task and its history, oldest event first.
func (s *Service) TaskAudit(ctx context.Context, id task.ID) (*TaskTrail, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hist, err := s.events.ByRecord(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("task history %s: %w", id, err)
	}
	return &TaskTrail{Task: t, History: hist}, nil
}

// Milestone returns milestone index of project.
func (s *Service) Milestone(ctx context.Context, project string, index int) (*milestone.Milestone, error) {
	return s.milestones.Milestone(ctx, project, index)
}

// Milestones returns the milestones of project in index order.
func (s *Service) Milestones(ctx context.Context, project string) ([]milestone.Milestone, error) {
	if _, err := s.milestones.Project(ctx, project); err != nil {
		return nil, err
	}
	return s.milestones.Milestones(ctx, project)
}

// MilestoneAudit returns everything recorded about one milestone.
func (s *Service) MilestoneAudit(ctx context.Context, project string, index int) (*MilestoneTrail, error) {
	m, err := s.milestones.Milestone(ctx, project, index)
	if err != nil {
		return nil, err
	}
	trail := &MilestoneTrail{Milestone: m}
	p, err := s.milestones.Proof(ctx, project, index)
	switch {
	case err == nil:
		trail.Proof = p
	case !ledger.IsNotFound(err):
		return nil, err
	}
	if trail.Votes, err = s.milestones.Votes(ctx, project, index); err != nil {
		return nil, err
	}
	if trail.History, err = s.events.ByRecord(ctx, m.Key()); err != nil {
		return nil, fmt.Errorf("milestone history %s: %w", m.Key(), err)
	}
	return trail, nil
}

// Proof returns the proof of milestone index. A milestone without proof is
// NotFound, as is an unknown milestone.
func (s *Service) Proof(ctx context.Context, project string, index int) (*milestone.Proof, error) {
	if _, err := s.milestones.Milestone(ctx, project, index); err != nil {
		return nil, err
	}
	return s.milestones.Proof(ctx, project, index)
}

// HasVoted reports whether identity voted on milestone index.
func (s *Service) HasVoted(ctx context.Context, project string, index int, identity string) (bool, error) {
	if _, err := s.milestones.Milestone(ctx, project, index); err != nil {
		return false, err
	}
	return s.milestones.HasVoted(ctx, project, index, identity)
}

// VerifyHash reports whether candidate equals the stored hash of the given
// kind. Digests are compared in constant time. A task without submitted
// work matches nothing.
func (s *Service) VerifyHash(ctx context.Context, id task.ID, candidate string, which HashKind) (bool, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return false, err
	}
	var stored string
	switch which {
	case BeforeHash:
		stored = t.BeforeHash
	case AfterHash:
		stored = t.AfterHash
	default:
		return false, ledger.InvalidArgument("audit.verify_hash", fmt.Sprintf("unknown hash kind %q", which))
	}
	if stored == "" {
		return false, nil
	}
	return Equal(stored, candidate), nil
}

// Equal compares the SHA-256 digests of a and b in constant time.
func Equal(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// VerifyChain checks every link of the event chain.
func (s *Service) VerifyChain(ctx context.Context) error {
	return s.events.VerifyChain(ctx)
}
