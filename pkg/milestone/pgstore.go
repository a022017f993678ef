package milestone

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

const milestoneColumns = `project_id, idx, title, description, required_approvals, approvals, rejections,
	completed, approved, created_at, completed_at, version`

const proofColumns = `project_id, idx, before_hash, after_hash, location, submitter, submitted_at, status`

// PgStore is a PostgreSQL-backed milestone store.
type PgStore struct {
	pool  *pgxpool.Pool
	clock ledger.Clock
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, clock: ledger.Now}
}

// EnsureTables creates the project, milestone, proof and vote tables.
func (s *PgStore) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			administrator TEXT NOT NULL,
			organizer     TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			project_id         TEXT NOT NULL REFERENCES projects(id),
			idx                INTEGER NOT NULL,
			title              TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			required_approvals INTEGER NOT NULL CHECK (required_approvals > 0),
			approvals          INTEGER NOT NULL DEFAULT 0,
			rejections         INTEGER NOT NULL DEFAULT 0,
			completed          BOOLEAN NOT NULL DEFAULT FALSE,
			approved           BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ NOT NULL,
			completed_at       TIMESTAMPTZ,
			version            BIGINT NOT NULL,
			PRIMARY KEY (project_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS proofs (
			project_id   TEXT NOT NULL,
			idx          INTEGER NOT NULL,
			before_hash  TEXT NOT NULL,
			after_hash   TEXT NOT NULL,
			location     TEXT NOT NULL DEFAULT '',
			submitter    TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			status       TEXT NOT NULL,
			PRIMARY KEY (project_id, idx),
			FOREIGN KEY (project_id, idx) REFERENCES milestones(project_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS votes (
			seq        BIGSERIAL,
			project_id TEXT NOT NULL,
			idx        INTEGER NOT NULL,
			voter      TEXT NOT NULL,
			approve    BOOLEAN NOT NULL,
			cast_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (project_id, idx, voter),
			FOREIGN KEY (project_id, idx) REFERENCES milestones(project_id, idx)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateProject inserts p and appends its event in one transaction.
func (s *PgStore) CreateProject(ctx context.Context, p Project, d eventgraph.Draft) (*eventgraph.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO projects (id, title, administrator, organizer, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Title, p.Administrator, p.Organizer, p.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ledger.AlreadyExists("project.open", p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("create project %s: %w", p.ID, err)
	}
	e, err := eventgraph.AppendTx(ctx, tx, d, s.clock())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit project %s: %w", p.ID, err)
	}
	return e, nil
}

// Project returns project id.
func (s *PgStore) Project(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.pool.QueryRow(ctx, `SELECT id, title, administrator, organizer, created_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Title, &p.Administrator, &p.Organizer, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.NotFound("project.get", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// Projects returns every project, oldest first.
func (s *PgStore) Projects(ctx context.Context) ([]Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, administrator, organizer, created_at FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Administrator, &p.Organizer, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Milestone returns milestone index of project.
func (s *PgStore) Milestone(ctx context.Context, project string, index int) (*Milestone, error) {
	m, err := scanMilestone(s.pool.QueryRow(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE project_id = $1 AND idx = $2`, project, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.NotFound("milestone.get", Key(project, index))
	}
	if err != nil {
		return nil, fmt.Errorf("get milestone %s: %w", Key(project, index), err)
	}
	return m, nil
}

// Milestones returns the milestones of project in index order.
func (s *PgStore) Milestones(ctx context.Context, project string) ([]Milestone, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id = $1 ORDER BY idx ASC`, project)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// NextIndex returns the index the next milestone of project receives.
func (s *PgStore) NextIndex(ctx context.Context, project string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM milestones WHERE project_id = $1`, project).Scan(&n)
	return n, err
}

// Proof returns the proof of milestone index.
func (s *PgStore) Proof(ctx context.Context, project string, index int) (*Proof, error) {
	var p Proof
	err := s.pool.QueryRow(ctx, `SELECT `+proofColumns+` FROM proofs WHERE project_id = $1 AND idx = $2`, project, index).
		Scan(&p.ProjectID, &p.MilestoneIndex, &p.BeforeHash, &p.AfterHash, &p.Location, &p.Submitter, &p.SubmittedAt, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.NotFound("proof.get", Key(project, index))
	}
	if err != nil {
		return nil, fmt.Errorf("get proof %s: %w", Key(project, index), err)
	}
	return &p, nil
}

// HasVoted reports whether voter voted on milestone index.
func (s *PgStore) HasVoted(ctx context.Context, project string, index int, voter string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM votes WHERE project_id = $1 AND idx = $2 AND voter = $3)`,
		project, index, voter).Scan(&ok)
	return ok, err
}

// Votes returns the votes on milestone index in casting order.
func (s *PgStore) Votes(ctx context.Context, project string, index int) ([]Vote, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, idx, voter, approve, cast_at FROM votes
		WHERE project_id = $1 AND idx = $2 ORDER BY seq ASC`, project, index)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ProjectID, &v.MilestoneIndex, &v.Voter, &v.Approve, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Commit writes every row of c and its event in one transaction.
func (s *PgStore) Commit(ctx context.Context, c Change) (*eventgraph.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if m := c.Milestone; m != nil {
		if err := commitMilestone(ctx, tx, m, c.NewMilestone); err != nil {
			return nil, err
		}
	}
	if p := c.Proof; p != nil {
		if err := commitProof(ctx, tx, p, c.NewProof); err != nil {
			return nil, err
		}
	}
	if v := c.Vote; v != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO votes (project_id, idx, voter, approve, cast_at) VALUES ($1, $2, $3, $4, $5)`,
			v.ProjectID, v.MilestoneIndex, v.Voter, v.Approve, v.CastAt)
		if isUniqueViolation(err) {
			return nil, ledger.AlreadyExists("vote.commit", Key(v.ProjectID, v.MilestoneIndex)+"/"+v.Voter)
		}
		if err != nil {
			return nil, fmt.Errorf("insert vote: %w", err)
		}
	}

	e, err := eventgraph.AppendTx(ctx, tx, c.Event, s.clock())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit milestone change: %w", err)
	}
	return e, nil
}

func commitMilestone(ctx context.Context, tx pgx.Tx, m *Milestone, create bool) error {
	if create {
		_, err := tx.Exec(ctx, `
			INSERT INTO milestones (`+milestoneColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			m.ProjectID, m.Index, m.Title, m.Description, m.RequiredApprovals, m.Approvals, m.Rejections,
			m.Completed, m.Approved, m.CreatedAt, m.CompletedAt, m.Version)
		if isUniqueViolation(err) {
			return ledger.Conflict("milestone.commit", m.Key())
		}
		if err != nil {
			return fmt.Errorf("create milestone %s: %w", m.Key(), err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE milestones SET approvals = $3, rejections = $4, completed = $5, approved = $6,
			completed_at = $7, version = $8
		WHERE project_id = $1 AND idx = $2 AND version = $9`,
		m.ProjectID, m.Index, m.Approvals, m.Rejections, m.Completed, m.Approved, m.CompletedAt, m.Version, m.Version-1)
	if err != nil {
		return fmt.Errorf("update milestone %s: %w", m.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.Conflict("milestone.commit", m.Key())
	}
	return nil
}

func commitProof(ctx context.Context, tx pgx.Tx, p *Proof, create bool) error {
	key := Key(p.ProjectID, p.MilestoneIndex)
	if create {
		_, err := tx.Exec(ctx, `
			INSERT INTO proofs (`+proofColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ProjectID, p.MilestoneIndex, p.BeforeHash, p.AfterHash, p.Location, p.Submitter, p.SubmittedAt, string(p.Status))
		if isUniqueViolation(err) {
			return ledger.AlreadyExists("proof.commit", key)
		}
		if err != nil {
			return fmt.Errorf("create proof %s: %w", key, err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `UPDATE proofs SET status = $3 WHERE project_id = $1 AND idx = $2`,
		p.ProjectID, p.MilestoneIndex, string(p.Status))
	if err != nil {
		return fmt.Errorf("update proof %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.NotFound("proof.commit", key)
	}
	return nil
}

func scanMilestone(row pgx.Row) (*Milestone, error) {
	var m Milestone
	err := row.Scan(&m.ProjectID, &m.Index, &m.Title, &m.Description, &m.RequiredApprovals, &m.Approvals, &m.Rejections,
		&m.Completed, &m.Approved, &m.CreatedAt, &m.CompletedAt, &m.Version)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
