package eventgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/algorand/go-deadlock"
	"github.com/google/uuid"

	"taskledger/pkg/ledger"
)

// MemStore is an in-memory EventStore with the same hash chain as PgStore.
type MemStore struct {
	mu     deadlock.RWMutex
	events []Event
	byID   map[string]int
	clock  ledger.Clock
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int), clock: ledger.Now}
}

// SetClock overrides the timestamp source.
func (s *MemStore) SetClock(c ledger.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

// Append sequences d at the head of the chain.
func (s *MemStore) Append(_ context.Context, d Draft) (*Event, error) {
	content := d.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := ""
	if n := len(s.events); n > 0 {
		prevHash = s.events[n-1].Hash
	}
	now := s.clock()
	id := uuid.Must(uuid.NewV7()).String()
	e := Event{
		ID:        id,
		Type:      d.Type,
		Timestamp: now,
		Source:    d.Source,
		RecordID:  d.RecordID,
		Content:   maps.Clone(content),
		Hash:      computeHash(prevHash, id, d.Type, d.Source, d.RecordID, now, contentJSON),
		PrevHash:  prevHash,
	}
	s.byID[id] = len(s.events)
	s.events = append(s.events, e)
	return copyEvent(e), nil
}

// Get retrieves a single event by ID.
func (s *MemStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("get event %s: %w", id, ledger.ErrNotFound)
	}
	return copyEvent(s.events[i]), nil
}

// Recent returns the most recent events in reverse chronological order.
func (s *MemStore) Recent(_ context.Context, limit int) ([]Event, error) {
	return s.reverse(limit, func(*Event) bool { return true }), nil
}

// ByType returns events of one type, newest first.
func (s *MemStore) ByType(_ context.Context, eventType string, limit int) ([]Event, error) {
	return s.reverse(limit, func(e *Event) bool { return e.Type == eventType }), nil
}

// BySource returns events emitted by one caller, newest first.
func (s *MemStore) BySource(_ context.Context, source string, limit int) ([]Event, error) {
	return s.reverse(limit, func(e *Event) bool { return e.Source == source }), nil
}

// ByRecord returns a record's history in chronological order.
func (s *MemStore) ByRecord(_ context.Context, recordID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := range s.events {
		if s.events[i].RecordID == recordID {
			out = append(out, *copyEvent(s.events[i]))
		}
	}
	return out, nil
}

// Since returns events appended after afterID, oldest first.
func (s *MemStore) Since(_ context.Context, afterID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[afterID]
	if !ok {
		return nil, nil
	}
	var out []Event
	for j := i + 1; j < len(s.events) && len(out) < limit; j++ {
		out = append(out, *copyEvent(s.events[j]))
	}
	return out, nil
}

// Count returns the total number of events.
func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// VerifyChain walks the chain from genesis and checks every link.
func (s *MemStore) VerifyChain(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prevHash := ""
	for i := range s.events {
		if err := checkLink(i, &s.events[i], prevHash, nil); err != nil {
			return err
		}
		prevHash = s.events[i].Hash
	}
	return nil
}

func (s *MemStore) reverse(limit int, keep func(*Event) bool) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(&s.events[i]) {
			out = append(out, *copyEvent(s.events[i]))
		}
	}
	return out
}

func copyEvent(e Event) *Event {
	e.Content = maps.Clone(e.Content)
	return &e
}
