package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
)

const taskColumns = `id, client, worker, amount, status, before_hash, after_hash, ai_confidence,
	payment_ref, transfer_ref, dispute_reason, created_at, updated_at, completed_at, version`

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool  *pgxpool.Pool
	clock ledger.Clock
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, clock: ledger.Now}
}

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			client         TEXT NOT NULL,
			worker         TEXT NOT NULL DEFAULT '',
			amount         BIGINT NOT NULL,
			status         TEXT NOT NULL,
			before_hash    TEXT NOT NULL DEFAULT '',
			after_hash     TEXT NOT NULL DEFAULT '',
			ai_confidence  INTEGER NOT NULL DEFAULT 0,
			payment_ref    TEXT NOT NULL DEFAULT '',
			transfer_ref   TEXT NOT NULL DEFAULT '',
			dispute_reason TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			completed_at   TIMESTAMPTZ,
			version        BIGINT NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`)
	return err
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id ID) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.NotFound("task.get", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks filtered by status (empty = all), oldest first.
func (s *PgStore) List(ctx context.Context, status Status, limit int) ([]Task, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2`, string(status), limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

// Count returns total task count.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// Commit writes the task row and its event in one transaction. Updates are
// guarded by the previous version so a stale writer cannot overwrite.
func (s *PgStore) Commit(ctx context.Context, c Change) (*eventgraph.Event, error) {
	t := c.Task
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if c.Create {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			t.ID.String(), t.Client, t.Worker, t.Amount, string(t.Status), t.BeforeHash, t.AfterHash, t.AIConfidence,
			t.PaymentRef, t.TransferRef, t.DisputeReason, t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.Version)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ledger.AlreadyExists("task.create", t.ID.String())
		}
		if err != nil {
			return nil, fmt.Errorf("create task %s: %w", t.ID, err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET worker = $2, status = $3, before_hash = $4, after_hash = $5, ai_confidence = $6,
				transfer_ref = $7, dispute_reason = $8, updated_at = $9, completed_at = $10, version = $11
			WHERE id = $1 AND version = $12`,
			t.ID.String(), t.Worker, string(t.Status), t.BeforeHash, t.AfterHash, t.AIConfidence,
			t.TransferRef, t.DisputeReason, t.UpdatedAt, t.CompletedAt, t.Version, t.Version-1)
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ledger.Conflict("task.commit", t.ID.String())
		}
	}

	e, err := eventgraph.AppendTx(ctx, tx, c.Event, s.clock())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", t.ID, err)
	}
	return e, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var id string
	err := row.Scan(&id, &t.Client, &t.Worker, &t.Amount, &t.Status, &t.BeforeHash, &t.AfterHash, &t.AIConfidence,
		&t.PaymentRef, &t.TransferRef, &t.DisputeReason, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if t.ID, err = ParseID(id); err != nil {
		return nil, err
	}
	return &t, nil
}
