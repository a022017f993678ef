package task

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"taskledger/pkg/eventgraph"
)

// ID is a fixed-size, content-derived task identifier.
type ID [32]byte

// DeriveID hashes the task's identifying metadata into an ID. Parts are
// length-prefixed so ("ab","c") and ("a","bc") differ.
func DeriveID(parts ...string) ID {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ParseID decodes the 64-character hex form of an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse task id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse task id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == ID{} }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Status is a task's position in its lifecycle.
type Status string

const (
	Created         Status = "CREATED"
	Accepted        Status = "ACCEPTED"
	WorkSubmitted   Status = "WORK_SUBMITTED"
	AIVerified      Status = "AI_VERIFIED"
	PaymentReleased Status = "PAYMENT_RELEASED"
	Disputed        Status = "DISPUTED"
	Cancelled       Status = "CANCELLED" // reserved; no operation reaches it yet
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == Disputed || s == Cancelled
}

// Task is the audit record of one marketplace task.
type Task struct {
	ID            ID         `json:"id"`
	Client        string     `json:"client"`
	Worker        string     `json:"worker,omitempty"`
	Amount        int64      `json:"amount"` // INR
	Status        Status     `json:"status"`
	BeforeHash    string     `json:"before_hash,omitempty"`
	AfterHash     string     `json:"after_hash,omitempty"`
	AIConfidence  int        `json:"ai_confidence"`
	PaymentRef    string     `json:"payment_ref,omitempty"`  // payment-intent id
	TransferRef   string     `json:"transfer_ref,omitempty"` // payout transfer id
	DisputeReason string     `json:"dispute_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Version       int64      `json:"version"`
}

// Change is one atomic task mutation plus the event describing it.
type Change struct {
	Task   Task
	Create bool // insert; otherwise update the row at Task.Version-1
	Event  eventgraph.Draft
}

// Store is the contract for task persistence.
type Store interface {
	Get(ctx context.Context, id ID) (*Task, error)
	List(ctx context.Context, status Status, limit int) ([]Task, error)
	Count(ctx context.Context) (int, error)
	// Commit applies c and appends its event in one atomic unit.
	Commit(ctx context.Context, c Change) (*eventgraph.Event, error)
}
