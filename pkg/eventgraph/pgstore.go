package eventgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskledger/pkg/ledger"
)

// chainLockKey serializes appenders across connections so the chain never forks.
const chainLockKey = 7340119

const eventColumns = `id, type, timestamp, source, record_id, content, hash, prev_hash`

// PgStore is a PostgreSQL-backed EventStore with hash-chained integrity.
type PgStore struct {
	pool  *pgxpool.Pool
	clock ledger.Clock
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, clock: ledger.Now}
}

// EnsureTable creates the events table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			seq        BIGSERIAL UNIQUE,
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL,
			source     TEXT NOT NULL,
			record_id  TEXT NOT NULL DEFAULT '',
			content    JSONB NOT NULL DEFAULT '{}',
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_record ON events(record_id, seq)`)
	return err
}

// Append sequences d in its own transaction.
func (s *PgStore) Append(ctx context.Context, d Draft) (*Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := AppendTx(ctx, tx, d, s.clock())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return e, nil
}

// AppendTx sequences d inside a caller-owned transaction, so the event
// commits or rolls back together with the record change it describes.
func AppendTx(ctx context.Context, tx pgx.Tx, d Draft, now time.Time) (*Event, error) {
	content := d.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("lock chain head: %w", err)
	}
	var prevHash string
	err = tx.QueryRow(ctx, `SELECT hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	e := &Event{
		ID:        id,
		Type:      d.Type,
		Timestamp: now,
		Source:    d.Source,
		RecordID:  d.RecordID,
		Content:   content,
		Hash:      computeHash(prevHash, id, d.Type, d.Source, d.RecordID, now, contentJSON),
		PrevHash:  prevHash,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (id, type, timestamp, source, record_id, content, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		e.ID, e.Type, e.Timestamp, e.Source, e.RecordID, string(contentJSON), e.Hash, e.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// Get retrieves a single event by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Event, error) {
	e, _, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get event %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// Recent returns the most recent events in reverse chronological order.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM events ORDER BY seq DESC LIMIT $1`, limit)
}

// ByType returns events of one type, newest first.
func (s *PgStore) ByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM events WHERE type = $1 ORDER BY seq DESC LIMIT $2`, eventType, limit)
}

// BySource returns events emitted by one caller, newest first.
func (s *PgStore) BySource(ctx context.Context, source string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM events WHERE source = $1 ORDER BY seq DESC LIMIT $2`, source, limit)
}

// ByRecord returns a record's history in chronological order.
func (s *PgStore) ByRecord(ctx context.Context, recordID string) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM events WHERE record_id = $1 ORDER BY seq ASC`, recordID)
}

// Since returns events appended after afterID, for polling/SSE.
func (s *PgStore) Since(ctx context.Context, afterID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE seq > (SELECT seq FROM events WHERE id = $1)
		ORDER BY seq ASC LIMIT $2`, afterID, limit)
}

// Count returns the total number of events.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// VerifyChain walks the entire chain in sequence order and verifies hash integrity.
func (s *PgStore) VerifyChain(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	i := 0
	for rows.Next() {
		e, raw, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("verify chain scan row %d: %w", i, err)
		}
		if err := checkLink(i, e, prevHash, raw); err != nil {
			return err
		}
		prevHash = e.Hash
		i++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("verify chain rows: %w", err)
	}
	return nil
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*Event, []byte, error) {
	var e Event
	var contentJSON []byte
	if err := row.Scan(&e.ID, &e.Type, &e.Timestamp, &e.Source, &e.RecordID, &contentJSON, &e.Hash, &e.PrevHash); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
		return nil, nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &e, contentJSON, nil
}
