package role

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

type recordingObserver struct {
	ops  []string
	errs []error
}

func (o *recordingObserver) Observe(op string, err error) {
	o.ops = append(o.ops, op)
	o.errs = append(o.errs, err)
}

func newRegistry(t *testing.T, opts ...Option) (*Registry, *eventgraph.MemStore, *MemStore) {
	t.Helper()
	events := eventgraph.NewMemStore()
	store := NewMemStore(events)
	r, err := Open(context.Background(), store, "park-cleanup", "admin", "organizer", opts...)
	require.NoError(t, err)
	return r, events, store
}

func TestTrustedWriter(t *testing.T) {
	w := Writer("backend")
	require.NoError(t, w.Authorize("backend", Backend))
	err := w.Authorize("mallory", Backend)
	require.True(t, errors.Is(err, ledger.ErrUnauthorized))

	require.Error(t, Writer("").Authorize("", Backend), "empty writer admits nobody")
}

func TestAuthorizationTable(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddVerifier(ctx, "admin", "vera"))

	callers := []string{"admin", "organizer", "vera", "stranger"}
	allowed := map[Capability]string{Administrator: "admin", Organizer: "organizer", Verifier: "vera"}

	for op, c := range Requirements {
		for _, caller := range callers {
			err := Check(r, Requirements, op, caller)
			if allowed[c] == caller {
				assert.NoError(t, err, "%s by %s", op, caller)
				continue
			}
			require.Error(t, err, "%s by %s", op, caller)
			assert.True(t, errors.Is(err, ledger.ErrUnauthorized))
			var le *ledger.Error
			require.True(t, errors.As(err, &le))
			assert.Equal(t, op, le.Op)
		}
	}

	require.True(t, errors.Is(Check(r, Requirements, "role.unknown", "admin"), ledger.ErrUnauthorized))
}

func TestVerifierLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	r, events, _ := newRegistry(t, WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, r.AddVerifier(ctx, "admin", "vera"))
	require.NoError(t, r.AddVerifier(ctx, "admin", "victor"))
	require.Equal(t, 2, r.VerifierCount())
	require.Equal(t, []string{"vera", "victor"}, r.Verifiers())
	require.True(t, r.Has("vera", Verifier))

	err := r.AddVerifier(ctx, "admin", "vera")
	require.True(t, errors.Is(err, ledger.ErrAlreadyExists))

	err = r.AddVerifier(ctx, "organizer", "eve")
	require.True(t, errors.Is(err, ledger.ErrUnauthorized))

	require.NoError(t, r.RemoveVerifier(ctx, "admin", "vera"))
	require.False(t, r.Has("vera", Verifier))
	require.Equal(t, 1, r.VerifierCount())

	err = r.RemoveVerifier(ctx, "admin", "vera")
	require.True(t, errors.Is(err, ledger.ErrNotFound))

	n, err := events.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n, "only successful mutations emit events")

	hist, err := events.ByRecord(ctx, "park-cleanup")
	require.NoError(t, err)
	require.Equal(t, "role.verifier_added", hist[0].Type)
	require.Equal(t, "role.verifier_removed", hist[2].Type)
	require.Equal(t, "admin", hist[2].Source)

	require.Len(t, obs.ops, 6)
	require.Equal(t, OpAddVerifier, obs.ops[0])
	require.NoError(t, obs.errs[0])
	require.Error(t, obs.errs[2])
}

func TestDonorsAccumulate(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.AddDonor(ctx, "admin", "dana", 500))
	require.NoError(t, r.AddDonor(ctx, "admin", "dana", 250))
	d, ok := r.Donor("dana")
	require.True(t, ok)
	require.EqualValues(t, 750, d.Amount)
	require.Equal(t, []Capability{Donor}, r.Capabilities("dana"))

	require.True(t, errors.Is(r.AddDonor(ctx, "admin", "dana", 0), ledger.ErrInvalidArgument))
	require.True(t, errors.Is(r.AddDonor(ctx, "vera", "dana", 10), ledger.ErrUnauthorized))
}

func TestOpenReloadsAssignments(t *testing.T) {
	r, events, store := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddVerifier(ctx, "admin", "vera"))
	require.NoError(t, r.AddDonor(ctx, "admin", "dana", 100))

	again, err := Open(ctx, store, "park-cleanup", "admin", "organizer")
	require.NoError(t, err)
	require.True(t, again.Has("vera", Verifier))
	d, ok := again.Donor("dana")
	require.True(t, ok)
	require.EqualValues(t, 100, d.Amount)

	other, err := Open(ctx, store, "other-project", "admin", "organizer")
	require.NoError(t, err)
	require.Zero(t, other.VerifierCount())

	require.NoError(t, events.VerifyChain(ctx))

	_, err = Open(ctx, store, "", "admin", "organizer")
	require.True(t, errors.Is(err, ledger.ErrInvalidArgument))
}

func TestFixedRoles(t *testing.T) {
	r, _, _ := newRegistry(t)
	require.Equal(t, "admin", r.Administrator())
	require.Equal(t, "organizer", r.Organizer())
	require.True(t, r.Has("admin", Administrator))
	require.False(t, r.Has("admin", Organizer))
	require.False(t, r.Has("", Administrator))
}

func TestHoldBlocksRevocation(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddVerifier(ctx, "admin", "A"))

	_, err := r.Hold("B", Verifier)
	require.True(t, errors.Is(err, ledger.ErrUnauthorized))

	release, err := r.Hold("A", Verifier)
	require.NoError(t, err)

	removed := make(chan error, 1)
	go func() { removed <- r.RemoveVerifier(ctx, "admin", "A") }()
	select {
	case err := <-removed:
		t.Fatalf("revocation committed while held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-removed)
	assert.False(t, r.Has("A", Verifier))
}

func TestVerifierGrantedElsewhereIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	r1, events, store := newRegistry(t)
	r2, err := Open(ctx, store, "park-cleanup", "admin", "organizer")
	require.NoError(t, err)

	require.NoError(t, r1.AddVerifier(ctx, "admin", "A"))
	err = r2.AddVerifier(ctx, "admin", "A")
	require.True(t, errors.Is(err, ledger.ErrAlreadyExists), "got %v", err)
	assert.False(t, r2.Has("A", Verifier))

	// Donor upserts are not rejected.
	require.NoError(t, r1.AddDonor(ctx, "admin", "D", 5))
	require.NoError(t, r2.AddDonor(ctx, "admin", "D", 7))

	n, err := events.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
