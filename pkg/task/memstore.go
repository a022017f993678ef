package task

import (
	"context"
	"sort"

	"github.com/algorand/go-deadlock"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

// MemStore is an in-memory task store.
type MemStore struct {
	mu     deadlock.RWMutex
	tasks  map[ID]Task
	events eventgraph.Appender
}

// NewMemStore creates a MemStore that appends events to events.
func NewMemStore(events eventgraph.Appender) *MemStore {
	return &MemStore{tasks: make(map[ID]Task), events: events}
}

// Get retrieves a single task by ID.
func (s *MemStore) Get(_ context.Context, id ID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ledger.NotFound("task.get", id.String())
	}
	return cloneTask(t), nil
}

// List returns tasks filtered by status (empty = all), oldest first.
func (s *MemStore) List(_ context.Context, status Status, limit int) ([]Task, error) {
	s.mu.RLock()
	var out []Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, *cloneTask(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns total task count.
func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks), nil
}

// Commit applies c and appends its event under one lock.
func (s *MemStore) Commit(ctx context.Context, c Change) (*eventgraph.Event, error) {
	id := c.Task.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.tasks[id]
	switch {
	case c.Create && exists:
		return nil, ledger.AlreadyExists("task.create", id.String())
	case !c.Create && !exists:
		return nil, ledger.NotFound("task.commit", id.String())
	case !c.Create && cur.Version != c.Task.Version-1:
		return nil, ledger.Conflict("task.commit", id.String())
	}

	e, err := s.events.Append(ctx, c.Event)
	if err != nil {
		return nil, err
	}
	s.tasks[id] = *cloneTask(c.Task)
	return e, nil
}

func cloneTask(t Task) *Task {
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return &t
}
