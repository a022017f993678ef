package db

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"taskledger/internal/config"
	"taskledger/pkg/ledger"
	"taskledger/pkg/role"
	"taskledger/pkg/task"
)

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), config.Default())
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Tasks.(*task.MemStore)
	require.True(t, ok)
	n, err := s.Events.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMemoryStoresShareChain(t *testing.T) {
	ctx := context.Background()
	s := Memory()
	l := task.NewLedger(role.Writer("backend"), s.Tasks)
	_, err := l.Create(ctx, "backend", task.DeriveID("shared"), "client", 1, "")
	require.NoError(t, err)

	n, err := s.Events.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// TestPostgres runs only when TEST_DATABASE_URL points at a scratch database.
func TestPostgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cfg := config.Default()
	cfg.Ledger.Storage = config.StoragePostgres
	cfg.Database.URL = url

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	l := task.NewLedger(role.Writer("backend"), s.Tasks)
	id := task.DeriveID("pg", t.Name(), os.Getenv("HOSTNAME"))
	if _, err := s.Tasks.Get(ctx, id); err == nil {
		t.Skip("scratch database already holds this task")
	}
	_, err = l.Create(ctx, "backend", id, "client", 10, "")
	require.NoError(t, err)
	_, err = l.Accept(ctx, "backend", id, "worker")
	require.NoError(t, err)

	got, err := s.Tasks.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.Accepted, got.Status)

	// Two registries over one scope stand in for two processes.
	scope := "pg-" + id.String()[:12]
	r1, err := role.Open(ctx, s.Roles, scope, "admin", "org")
	require.NoError(t, err)
	r2, err := role.Open(ctx, s.Roles, scope, "admin", "org")
	require.NoError(t, err)
	require.NoError(t, r1.AddVerifier(ctx, "admin", "v"))
	err = r2.AddVerifier(ctx, "admin", "v")
	require.True(t, errors.Is(err, ledger.ErrAlreadyExists), "got %v", err)
	require.NoError(t, r1.AddDonor(ctx, "admin", "d", 5))
	require.NoError(t, r2.AddDonor(ctx, "admin", "d", 7))

	require.NoError(t, s.Events.VerifyChain(ctx))
}
