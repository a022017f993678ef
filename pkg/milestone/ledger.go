// Package milestone records the funding milestones of a project. The
// organizer defines milestones and submits proof; verifiers vote on each
// proof until the milestone's fixed approval threshold decides it.
package milestone

import (
	"context"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
	"taskledger/pkg/role"
)

// Milestone operations.
const (
	OpCreateMilestone = "milestone.create"
	OpSubmitProof     = "milestone.submit_proof"
	OpVoteOnProof     = "milestone.vote"
)

// Requirements maps each milestone operation to the capability it needs.
var Requirements = map[string]role.Capability{
	OpCreateMilestone: role.Organizer,
	OpSubmitProof:     role.Organizer,
	OpVoteOnProof:     role.Verifier,
}

type settings struct {
	publisher eventgraph.Publisher
	observer  ledger.Observer
	clock     ledger.Clock
}

func newSettings(opts []Option) settings {
	s := settings{
		publisher: eventgraph.NopPublisher{},
		observer:  ledger.NopObserver{},
		clock:     ledger.Now,
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Option configures a Ledger or Directory.
type Option func(*settings)

// WithPublisher fans committed events out after each mutation.
func WithPublisher(p eventgraph.Publisher) Option { return func(s *settings) { s.publisher = p } }

// WithObserver reports operation outcomes.
func WithObserver(o ledger.Observer) Option { return func(s *settings) { s.observer = o } }

// WithClock overrides the timestamp source.
func WithClock(c ledger.Clock) Option { return func(s *settings) { s.clock = c } }

// Ledger is the milestone state machine of one project.
type Ledger struct {
	settings
	project Project
	roles   *role.Registry
	store   Store
	locks   *ledger.KeyLock
}

// NewLedger creates the Ledger of project. roles must be scoped to project.ID.
func NewLedger(project Project, roles *role.Registry, store Store, opts ...Option) *Ledger {
	return &Ledger{
		settings: newSettings(opts),
		project:  project,
		roles:    roles,
		store:    store,
		locks:    ledger.NewKeyLock(),
	}
}

// Project returns the project the ledger belongs to.
func (l *Ledger) Project() Project { return l.project }

// Roles returns the project's role registry.
func (l *Ledger) Roles() *role.Registry { return l.roles }

// Milestone returns milestone index.
func (l *Ledger) Milestone(ctx context.Context, index int) (*Milestone, error) {
	return l.store.Milestone(ctx, l.project.ID, index)
}

// Milestones returns every milestone in index order.
func (l *Ledger) Milestones(ctx context.Context) ([]Milestone, error) {
	return l.store.Milestones(ctx, l.project.ID)
}

// Proof returns the proof of milestone index.
func (l *Ledger) Proof(ctx context.Context, index int) (*Proof, error) {
	if _, err := l.Milestone(ctx, index); err != nil {
		return nil, err
	}
	return l.store.Proof(ctx, l.project.ID, index)
}

// HasVoted reports whether voter has voted on milestone index.
func (l *Ledger) HasVoted(ctx context.Context, index int, voter string) (bool, error) {
	if _, err := l.Milestone(ctx, index); err != nil {
		return false, err
	}
	return l.store.HasVoted(ctx, l.project.ID, index, voter)
}

// Votes returns the votes cast on milestone index in casting order.
func (l *Ledger) Votes(ctx context.Context, index int) ([]Vote, error) {
	if _, err := l.Milestone(ctx, index); err != nil {
		return nil, err
	}
	return l.store.Votes(ctx, l.project.ID, index)
}

// CreateMilestone appends a milestone with a fixed approval threshold. The
// threshold is not checked against the current verifier count.
func (l *Ledger) CreateMilestone(ctx context.Context, caller, title, description string, required int) (m *Milestone, err error) {
	defer func() { l.observer.Observe(OpCreateMilestone, err) }()
	if err := role.Check(l.roles, Requirements, OpCreateMilestone, caller); err != nil {
		return nil, err
	}
	if required <= 0 {
		return nil, ledger.ThresholdMisconfigured(OpCreateMilestone, required)
	}
	if title == "" {
		return nil, ledger.InvalidArgument(OpCreateMilestone, "title is required")
	}

	unlock := l.locks.Lock(l.project.ID)
	defer unlock()

	index, err := l.store.NextIndex(ctx, l.project.ID)
	if err != nil {
		return nil, err
	}
	now := l.clock()
	next := Milestone{
		ProjectID:         l.project.ID,
		Index:             index,
		Title:             title,
		Description:       description,
		RequiredApprovals: required,
		CreatedAt:         now,
		Version:           1,
	}
	e, err := l.store.Commit(ctx, Change{
		Milestone:    &next,
		NewMilestone: true,
		Event: eventgraph.Draft{
			Type:     "milestone.created",
			Source:   caller,
			RecordID: next.Key(),
			Content: map[string]any{
				"project_id":         l.project.ID,
				"index":              index,
				"title":              title,
				"description":        description,
				"required_approvals": required,
				"created_at":         now,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	l.publisher.Publish(e)
	return &next, nil
}

// SubmitProof attaches the single proof of milestone index.
func (l *Ledger) SubmitProof(ctx context.Context, caller string, index int, beforeHash, afterHash, location string) (p *Proof, err error) {
	defer func() { l.observer.Observe(OpSubmitProof, err) }()
	if err := role.Check(l.roles, Requirements, OpSubmitProof, caller); err != nil {
		return nil, err
	}
	if beforeHash == "" || afterHash == "" {
		return nil, ledger.InvalidArgument(OpSubmitProof, "before and after hashes are required")
	}

	key := Key(l.project.ID, index)
	unlock := l.locks.Lock(key)
	defer unlock()

	m, err := l.store.Milestone(ctx, l.project.ID, index)
	if err != nil {
		return nil, err
	}
	if m.Completed {
		return nil, ledger.InvalidTransition(OpSubmitProof, key, decided(m), string(ProofPending))
	}
	if _, err := l.store.Proof(ctx, l.project.ID, index); err == nil {
		return nil, ledger.AlreadyExists(OpSubmitProof, key)
	} else if !ledger.IsNotFound(err) {
		return nil, err
	}

	now := l.clock()
	proof := Proof{
		ProjectID:      l.project.ID,
		MilestoneIndex: index,
		BeforeHash:     beforeHash,
		AfterHash:      afterHash,
		Location:       location,
		Submitter:      caller,
		SubmittedAt:    now,
		Status:         ProofPending,
	}
	e, err := l.store.Commit(ctx, Change{
		Proof:    &proof,
		NewProof: true,
		Event: eventgraph.Draft{
			Type:     "proof.submitted",
			Source:   caller,
			RecordID: key,
			Content: map[string]any{
				"project_id":   l.project.ID,
				"index":        index,
				"before_hash":  beforeHash,
				"after_hash":   afterHash,
				"location":     location,
				"status":       string(ProofPending),
				"submitted_at": now,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	l.publisher.Publish(e)
	return &proof, nil
}

// VoteOnProof records caller's vote and completes the milestone once either
// count reaches its threshold. The returned milestone reflects the vote.
func (l *Ledger) VoteOnProof(ctx context.Context, caller string, index int, approve bool) (m *Milestone, err error) {
	defer func() { l.observer.Observe(OpVoteOnProof, err) }()
	if err := role.Check(l.roles, Requirements, OpVoteOnProof, caller); err != nil {
		return nil, err
	}

	key := Key(l.project.ID, index)
	unlock := l.locks.Lock(key)
	defer unlock()

	cur, err := l.store.Milestone(ctx, l.project.ID, index)
	if err != nil {
		return nil, err
	}
	proof, err := l.store.Proof(ctx, l.project.ID, index)
	if ledger.IsNotFound(err) {
		return nil, ledger.NotFound(OpVoteOnProof, key+"/proof")
	}
	if err != nil {
		return nil, err
	}
	if cur.Completed {
		return nil, ledger.InvalidTransition(OpVoteOnProof, key, decided(cur), "vote")
	}
	voted, err := l.store.HasVoted(ctx, l.project.ID, index, caller)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, ledger.AlreadyExists(OpVoteOnProof, key+"/"+caller)
	}

	now := l.clock()
	next := *cur
	next.Version = cur.Version + 1
	if approve {
		next.Approvals++
	} else {
		next.Rejections++
	}
	outcome := Tally(next.Approvals, next.Rejections, next.RequiredApprovals)
	if outcome.Decided {
		next.Completed = true
		next.Approved = outcome.Approved
		next.CompletedAt = &now
	}
	from := proof.Status
	nextProof := *proof
	nextProof.Status = outcome.ProofStatus()

	change := Change{
		Milestone: &next,
		Vote:      &Vote{ProjectID: l.project.ID, MilestoneIndex: index, Voter: caller, Approve: approve, CastAt: now},
		Event: eventgraph.Draft{
			Type:     "vote.cast",
			Source:   caller,
			RecordID: key,
			Content: map[string]any{
				"project_id":         l.project.ID,
				"index":              index,
				"voter":              caller,
				"approve":            approve,
				"approvals":          next.Approvals,
				"rejections":         next.Rejections,
				"required_approvals": next.RequiredApprovals,
				"completed":          next.Completed,
				"approved":           next.Approved,
				"proof_status":       string(nextProof.Status),
			},
		},
	}
	if from != nextProof.Status {
		change.Proof = &nextProof
	}

	// The capability may have been revoked since the check on entry.
	release, err := l.roles.Hold(caller, Requirements[OpVoteOnProof])
	if err != nil {
		return nil, ledger.Unauthorized(OpVoteOnProof, caller, string(Requirements[OpVoteOnProof]))
	}
	e, err := l.store.Commit(ctx, change)
	release()
	if err != nil {
		return nil, err
	}
	l.publisher.Publish(e)
	return &next, nil
}

func decided(m *Milestone) string {
	if m.Approved {
		return "APPROVED"
	}
	return "REJECTED"
}
