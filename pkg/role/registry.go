package role

import (
	"context"
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

// Registry operations.
const (
	OpAddVerifier    = "role.add_verifier"
	OpRemoveVerifier = "role.remove_verifier"
	OpAddDonor       = "role.add_donor"
)

// Requirements maps each registry operation to the capability it needs.
var Requirements = map[string]Capability{
	OpAddVerifier:    Administrator,
	OpRemoveVerifier: Administrator,
	OpAddDonor:       Administrator,
}

// Registry holds the capabilities of one ledger instance. Administrator and
// organizer are fixed at construction; verifiers and donors are additive.
type Registry struct {
	mu        deadlock.RWMutex
	scope     string
	admin     string
	organizer string
	verifiers map[string]Assignment
	donors    map[string]Assignment

	store     Store
	publisher eventgraph.Publisher
	observer  ledger.Observer
	clock     ledger.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher fans committed events out after each mutation.
func WithPublisher(p eventgraph.Publisher) Option { return func(r *Registry) { r.publisher = p } }

// WithObserver reports operation outcomes.
func WithObserver(o ledger.Observer) Option { return func(r *Registry) { r.observer = o } }

// WithClock overrides the timestamp source.
func WithClock(c ledger.Clock) Option { return func(r *Registry) { r.clock = c } }

// Open loads the persisted assignments of scope into a Registry.
func Open(ctx context.Context, store Store, scope, admin, organizer string, opts ...Option) (*Registry, error) {
	if scope == "" || admin == "" || organizer == "" {
		return nil, ledger.InvalidArgument("role.open", "scope, administrator and organizer are required")
	}
	r := &Registry{
		scope:     scope,
		admin:     admin,
		organizer: organizer,
		verifiers: make(map[string]Assignment),
		donors:    make(map[string]Assignment),
		store:     store,
		publisher: eventgraph.NopPublisher{},
		observer:  ledger.NopObserver{},
		clock:     ledger.Now,
	}
	for _, o := range opts {
		o(r)
	}
	assigned, err := store.Assignments(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load roles for %s: %w", scope, err)
	}
	for _, a := range assigned {
		switch a.Capability {
		case Verifier:
			r.verifiers[a.Identity] = a
		case Donor:
			r.donors[a.Identity] = a
		}
	}
	return r, nil
}

// Scope returns the ledger instance the registry belongs to.
func (r *Registry) Scope() string { return r.scope }

// Administrator returns the fixed administrator identity.
func (r *Registry) Administrator() string { return r.admin }

// Organizer returns the fixed organizer identity.
func (r *Registry) Organizer() string { return r.organizer }

// Authorize implements Authorizer.
func (r *Registry) Authorize(caller string, c Capability) error {
	if r.Has(caller, c) {
		return nil
	}
	return ledger.Unauthorized("authorize", caller, string(c))
}

// Has reports whether identity currently holds c.
func (r *Registry) Has(identity string, c Capability) bool {
	if identity == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.has(identity, c)
}

// Hold checks that identity holds c and keeps the registry read-locked until
// release is called. No grant or revocation commits in between.
func (r *Registry) Hold(identity string, c Capability) (release func(), err error) {
	r.mu.RLock()
	if identity == "" || !r.has(identity, c) {
		r.mu.RUnlock()
		return nil, ledger.Unauthorized("authorize", identity, string(c))
	}
	return r.mu.RUnlock, nil
}

func (r *Registry) has(identity string, c Capability) bool {
	switch c {
	case Administrator:
		return identity == r.admin
	case Organizer:
		return identity == r.organizer
	case Verifier:
		_, ok := r.verifiers[identity]
		return ok
	case Donor:
		_, ok := r.donors[identity]
		return ok
	}
	return false
}

// Capabilities returns every capability identity holds, sorted.
func (r *Registry) Capabilities(identity string) []Capability {
	var out []Capability
	for _, c := range []Capability{Administrator, Organizer, Verifier, Donor} {
		if r.Has(identity, c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifierCount is the current verifier population. It is informational:
// milestone thresholds are fixed at creation and never consult it.
func (r *Registry) VerifierCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.verifiers)
}

// Verifiers returns the current verifier identities, sorted.
func (r *Registry) Verifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.verifiers))
	for id := range r.verifiers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Donor returns the donor assignment for identity.
func (r *Registry) Donor(identity string) (Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.donors[identity]
	return a, ok
}

// AddVerifier grants the verifier capability.
func (r *Registry) AddVerifier(ctx context.Context, caller, id string) (err error) {
	defer func() { r.observer.Observe(OpAddVerifier, err) }()
	if err := Check(r, Requirements, OpAddVerifier, caller); err != nil {
		return err
	}
	if id == "" {
		return ledger.InvalidArgument(OpAddVerifier, "verifier identity is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.verifiers[id]; ok {
		return ledger.AlreadyExists(OpAddVerifier, id)
	}
	now := r.clock()
	a := Assignment{Scope: r.scope, Identity: id, Capability: Verifier, CreatedAt: now, UpdatedAt: now}
	e, err := r.store.Commit(ctx, Change{
		Assignment: a,
		Event: eventgraph.Draft{
			Type:     "role.verifier_added",
			Source:   caller,
			RecordID: r.scope,
			Content:  map[string]any{"verifier": id, "verifier_count": len(r.verifiers) + 1},
		},
	})
	if err != nil {
		return err
	}
	r.verifiers[id] = a
	r.publisher.Publish(e)
	return nil
}

// RemoveVerifier revokes the verifier capability. Votes already cast stand.
func (r *Registry) RemoveVerifier(ctx context.Context, caller, id string) (err error) {
	defer func() { r.observer.Observe(OpRemoveVerifier, err) }()
	if err := Check(r, Requirements, OpRemoveVerifier, caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.verifiers[id]
	if !ok {
		return ledger.NotFound(OpRemoveVerifier, id)
	}
	e, err := r.store.Commit(ctx, Change{
		Assignment: a,
		Remove:     true,
		Event: eventgraph.Draft{
			Type:     "role.verifier_removed",
			Source:   caller,
			RecordID: r.scope,
			Content:  map[string]any{"verifier": id, "verifier_count": len(r.verifiers) - 1},
		},
	})
	if err != nil {
		return err
	}
	delete(r.verifiers, id)
	r.publisher.Publish(e)
	return nil
}

// AddDonor records a donation. Repeat donations accumulate on one assignment.
func (r *Registry) AddDonor(ctx context.Context, caller, id string, amount int64) (err error) {
	defer func() { r.observer.Observe(OpAddDonor, err) }()
	if err := Check(r, Requirements, OpAddDonor, caller); err != nil {
		return err
	}
	if id == "" {
		return ledger.InvalidArgument(OpAddDonor, "donor identity is required")
	}
	if amount <= 0 {
		return ledger.InvalidArgument(OpAddDonor, "amount must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	a, ok := r.donors[id]
	if !ok {
		a = Assignment{Scope: r.scope, Identity: id, Capability: Donor, CreatedAt: now}
	}
	a.Amount += amount
	a.UpdatedAt = now
	e, err := r.store.Commit(ctx, Change{
		Assignment: a,
		Event: eventgraph.Draft{
			Type:     "role.donor_added",
			Source:   caller,
			RecordID: r.scope,
			Content:  map[string]any{"donor": id, "amount": amount, "total": a.Amount},
		},
	})
	if err != nil {
		return err
	}
	r.donors[id] = a
	r.publisher.Publish(e)
	return nil
}
