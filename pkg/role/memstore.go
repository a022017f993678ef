package role

import (
	"context"
	"sort"

	"github.com/algorand/go-deadlock"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

type assignmentKey struct {
	scope, identity string
	capability      Capability
}

// MemStore is an in-memory role store.
type MemStore struct {
	mu          deadlock.RWMutex
	assignments map[assignmentKey]Assignment
	events      eventgraph.Appender
}

// NewMemStore creates a MemStore that appends events to events.
func NewMemStore(events eventgraph.Appender) *MemStore {
	return &MemStore{assignments: make(map[assignmentKey]Assignment), events: events}
}

// Assignments returns every assignment in scope, ordered by creation.
func (s *MemStore) Assignments(_ context.Context, scope string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for k, a := range s.assignments {
		if k.scope == scope {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

// Commit applies c and appends its event under one lock.
func (s *MemStore) Commit(ctx context.Context, c Change) (*eventgraph.Event, error) {
	a := c.Assignment
	k := assignmentKey{a.Scope, a.Identity, a.Capability}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.assignments[k]
	switch {
	case c.Remove && !exists:
		return nil, ledger.NotFound("role.commit", a.Identity)
	case !c.Remove && exists && a.Capability == Verifier:
		return nil, ledger.AlreadyExists("role.commit", a.Identity)
	}
	e, err := s.events.Append(ctx, c.Event)
	if err != nil {
		return nil, err
	}
	if c.Remove {
		delete(s.assignments, k)
	} else {
		s.assignments[k] = a
	}
	return e, nil
}
