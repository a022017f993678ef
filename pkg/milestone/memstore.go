package milestone

import (
	"context"
	"sort"

	"github.com/algorand/go-deadlock"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

type milestoneKey struct {
	project string
	index   int
}

type voteKey struct {
	milestoneKey
	voter string
}

// MemStore is an in-memory milestone store.
type MemStore struct {
	mu         deadlock.RWMutex
	projects   map[string]Project
	milestones map[milestoneKey]Milestone
	counts     map[string]int
	proofs     map[milestoneKey]Proof
	votes      map[voteKey]Vote
	order      map[milestoneKey][]string
	events     eventgraph.Appender
}

// NewMemStore creates a MemStore that appends events to events.
func NewMemStore(events eventgraph.Appender) *MemStore {
	return &MemStore{
		projects:   make(map[string]Project),
		milestones: make(map[milestoneKey]Milestone),
		counts:     make(map[string]int),
		proofs:     make(map[milestoneKey]Proof),
		votes:      make(map[voteKey]Vote),
		order:      make(map[milestoneKey][]string),
		events:     events,
	}
}

// CreateProject inserts p and appends its event.
func (s *MemStore) CreateProject(ctx context.Context, p Project, d eventgraph.Draft) (*eventgraph.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return nil, ledger.AlreadyExists("project.open", p.ID)
	}
	e, err := s.events.Append(ctx, d)
	if err != nil {
		return nil, err
	}
	s.projects[p.ID] = p
	return e, nil
}

// Project returns project id.
func (s *MemStore) Project(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ledger.NotFound("project.get", id)
	}
	return &p, nil
}

// Projects returns every project, oldest first.
func (s *MemStore) Projects(_ context.Context) ([]Project, error) {
	s.mu.RLock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Milestone returns milestone index of project.
func (s *MemStore) Milestone(_ context.Context, project string, index int) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[milestoneKey{project, index}]
	if !ok {
		return nil, ledger.NotFound("milestone.get", Key(project, index))
	}
	return cloneMilestone(m), nil
}

// Milestones returns the milestones of project in index order.
func (s *MemStore) Milestones(_ context.Context, project string) ([]Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.counts[project]
	out := make([]Milestone, 0, n)
	for i := 0; i < n; i++ {
		if m, ok := s.milestones[milestoneKey{project, i}]; ok {
			out = append(out, *cloneMilestone(m))
		}
	}
	return out, nil
}

// NextIndex returns the index the next milestone of project receives.
func (s *MemStore) NextIndex(_ context.Context, project string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[project], nil
}

// Proof returns the proof of milestone index.
func (s *MemStore) Proof(_ context.Context, project string, index int) (*Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[milestoneKey{project, index}]
	if !ok {
		return nil, ledger.NotFound("proof.get", Key(project, index))
	}
	return &p, nil
}

// HasVoted reports whether voter voted on milestone index.
func (s *MemStore) HasVoted(_ context.Context, project string, index int, voter string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.votes[voteKey{milestoneKey{project, index}, voter}]
	return ok, nil
}

// Votes returns the votes on milestone index in casting order.
func (s *MemStore) Votes(_ context.Context, project string, index int) ([]Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mk := milestoneKey{project, index}
	out := make([]Vote, 0, len(s.order[mk]))
	for _, voter := range s.order[mk] {
		out = append(out, s.votes[voteKey{mk, voter}])
	}
	return out, nil
}

// Commit applies c and appends its event under one lock.
func (s *MemStore) Commit(ctx context.Context, c Change) (*eventgraph.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := c.Milestone; m != nil {
		mk := milestoneKey{m.ProjectID, m.Index}
		cur, exists := s.milestones[mk]
		switch {
		case c.NewMilestone && exists:
			return nil, ledger.Conflict("milestone.commit", m.Key())
		case c.NewMilestone && m.Index != s.counts[m.ProjectID]:
			return nil, ledger.Conflict("milestone.commit", m.Key())
		case !c.NewMilestone && !exists:
			return nil, ledger.NotFound("milestone.commit", m.Key())
		case !c.NewMilestone && cur.Version != m.Version-1:
			return nil, ledger.Conflict("milestone.commit", m.Key())
		}
	}
	if p := c.Proof; p != nil {
		_, exists := s.proofs[milestoneKey{p.ProjectID, p.MilestoneIndex}]
		switch {
		case c.NewProof && exists:
			return nil, ledger.AlreadyExists("proof.commit", Key(p.ProjectID, p.MilestoneIndex))
		case !c.NewProof && !exists:
			return nil, ledger.NotFound("proof.commit", Key(p.ProjectID, p.MilestoneIndex))
		}
	}
	if v := c.Vote; v != nil {
		if _, ok := s.votes[voteKey{milestoneKey{v.ProjectID, v.MilestoneIndex}, v.Voter}]; ok {
			return nil, ledger.AlreadyExists("vote.commit", Key(v.ProjectID, v.MilestoneIndex)+"/"+v.Voter)
		}
	}

	e, err := s.events.Append(ctx, c.Event)
	if err != nil {
		return nil, err
	}

	if m := c.Milestone; m != nil {
		s.milestones[milestoneKey{m.ProjectID, m.Index}] = *cloneMilestone(*m)
		if c.NewMilestone {
			s.counts[m.ProjectID]++
		}
	}
	if p := c.Proof; p != nil {
		s.proofs[milestoneKey{p.ProjectID, p.MilestoneIndex}] = *p
	}
	if v := c.Vote; v != nil {
		mk := milestoneKey{v.ProjectID, v.MilestoneIndex}
		s.votes[voteKey{mk, v.Voter}] = *v
		s.order[mk] = append(s.order[mk], v.Voter)
	}
	return e, nil
}

func cloneMilestone(m Milestone) *Milestone {
	if m.CompletedAt != nil {
		at := *m.CompletedAt
		m.CompletedAt = &at
	}
	return &m
}
