package role

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

// PgStore is a PostgreSQL-backed role store.
type PgStore struct {
	pool  *pgxpool.Pool
	clock ledger.Clock
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, clock: ledger.Now}
}

// EnsureTable creates the role_assignments table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS role_assignments (
			scope       TEXT NOT NULL,
			identity    TEXT NOT NULL,
			capability  TEXT NOT NULL,
			amount      BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, identity, capability)
		)`)
	return err
}

// Assignments returns every assignment in scope, ordered by creation.
func (s *PgStore) Assignments(ctx context.Context, scope string) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, identity, capability, amount, created_at, updated_at
		FROM role_assignments WHERE scope = $1
		ORDER BY created_at ASC, identity ASC`, scope)
	if err != nil {
		return nil, fmt.Errorf("list roles %s: %w", scope, err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.Scope, &a.Identity, &a.Capability, &a.Amount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// Commit applies c and appends its event in one transaction.
func (s *PgStore) Commit(ctx context.Context, c Change) (*eventgraph.Event, error) {
	a := c.Assignment
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if c.Remove {
		tag, err := tx.Exec(ctx, `
			DELETE FROM role_assignments WHERE scope = $1 AND identity = $2 AND capability = $3`,
			a.Scope, a.Identity, string(a.Capability))
		if err != nil {
			return nil, fmt.Errorf("remove role %s/%s: %w", a.Scope, a.Identity, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ledger.NotFound("role.commit", a.Identity)
		}
	} else if a.Capability == Verifier {
		// A verifier granted by another process must not be overwritten.
		tag, err := tx.Exec(ctx, `
			INSERT INTO role_assignments (scope, identity, capability, amount, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (scope, identity, capability) DO NOTHING`,
			a.Scope, a.Identity, string(a.Capability), a.Amount, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert role %s/%s: %w", a.Scope, a.Identity, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ledger.AlreadyExists("role.commit", a.Identity)
		}
	} else {
		_, err := tx.Exec(ctx, `
			INSERT INTO role_assignments (scope, identity, capability, amount, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (scope, identity, capability) DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
			a.Scope, a.Identity, string(a.Capability), a.Amount, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("upsert role %s/%s: %w", a.Scope, a.Identity, err)
		}
	}

	e, err := eventgraph.AppendTx(ctx, tx, c.Event, s.clock())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit role change: %w", err)
	}
	return e, nil
}
