package eventgraph

import (
	"context"
	"time"
)

// Event is one entry in the hash-chained, append-only ledger log. Every
// successful ledger mutation produces exactly one.
type Event struct {
	ID        string         `json:"id"`        // UUID v7 (time-ordered)
	Type      string         `json:"type"`      // e.g. "task.accepted", "vote.cast"
	Timestamp time.Time      `json:"timestamp"` // commit time
	Source    string         `json:"source"`    // caller identity that performed the mutation
	RecordID  string         `json:"record_id"` // task id, "project/index" or project id
	Content   map[string]any `json:"content"`   // full field set of the mutation
	Hash      string         `json:"hash"`      // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"` // hash chain link
}

// Draft is an event before it is sequenced into the chain.
type Draft struct {
	Type     string
	Source   string
	RecordID string
	Content  map[string]any
}

// Appender sequences drafts into the chain.
type Appender interface {
	Append(ctx context.Context, d Draft) (*Event, error)
}

// Publisher fans committed events out to in-process subscribers.
type Publisher interface {
	Publish(e *Event)
}

// EventStore is the contract for event persistence.
type EventStore interface {
	Appender
	Get(ctx context.Context, id string) (*Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	ByType(ctx context.Context, eventType string, limit int) ([]Event, error)
	BySource(ctx context.Context, source string, limit int) ([]Event, error)
	// ByRecord returns a record's history in chronological order.
	ByRecord(ctx context.Context, recordID string) ([]Event, error)
	Since(ctx context.Context, afterID string, limit int) ([]Event, error)
	Count(ctx context.Context) (int, error)
	VerifyChain(ctx context.Context) error
}
