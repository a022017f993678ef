// Package role tracks which identities may perform which ledger operations.
package role

import (
	"context"
	"errors"
	"time"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

// Capability is a permission held by an identity within a scope.
type Capability string

const (
	Administrator Capability = "administrator" // manages verifiers and donors
	Organizer     Capability = "organizer"     // creates milestones and submits proofs
	Verifier      Capability = "verifier"      // votes on proofs
	Donor         Capability = "donor"         // tracked only
	Backend       Capability = "backend"       // the trusted writer of task records
)

// Assignment is a persisted additive capability (verifier or donor).
type Assignment struct {
	Scope      string     `json:"scope"`
	Identity   string     `json:"identity"`
	Capability Capability `json:"capability"`
	Amount     int64      `json:"amount,omitempty"` // cumulative donation
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Change is one atomic registry mutation plus the event describing it.
type Change struct {
	Assignment Assignment
	Remove     bool
	Event      eventgraph.Draft
}

// Store is the contract for role persistence.
type Store interface {
	Assignments(ctx context.Context, scope string) ([]Assignment, error)
	// Commit applies c and appends its event in one atomic unit.
	Commit(ctx context.Context, c Change) (*eventgraph.Event, error)
}

// Authorizer decides whether caller holds a capability.
type Authorizer interface {
	Authorize(caller string, c Capability) error
}

// TrustedWriter authorizes exactly one identity for every capability.
type TrustedWriter struct {
	ID string
}

// Writer returns an Authorizer that admits only id.
func Writer(id string) TrustedWriter {
	return TrustedWriter{ID: id}
}

// Authorize implements Authorizer.
func (w TrustedWriter) Authorize(caller string, c Capability) error {
	if w.ID == "" || caller != w.ID {
		return ledger.Unauthorized("authorize", caller, string(c))
	}
	return nil
}

// Check authorizes caller for op using the capability table reqs. An op
// missing from reqs is refused.
func Check(a Authorizer, reqs map[string]Capability, op, caller string) error {
	c, ok := reqs[op]
	if !ok {
		return ledger.Unauthorized(op, caller, "an unregistered operation")
	}
	if err := a.Authorize(caller, c); err != nil {
		var le *ledger.Error
		if errors.As(err, &le) {
			cp := *le
			cp.Op = op
			return &cp
		}
		return err
	}
	return nil
}
