// Package db opens the ledger stores: PostgreSQL through pgxpool, or the
// in-memory stores when no database is configured.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskledger/internal/config"
	"taskledger/pkg/eventgraph"
	"taskledger/pkg/milestone"
	"taskledger/pkg/role"
	"taskledger/pkg/task"
)

// Connect opens a pool and pings it.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Stores bundles every ledger store over one backend.
type Stores struct {
	Events     eventgraph.EventStore
	Tasks      task.Store
	Milestones milestone.Store
	Roles      role.Store

	pool *pgxpool.Pool
}

// Close releases the database pool, if any.
func (s *Stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Memory returns fresh in-memory stores sharing one event chain.
func Memory() *Stores {
	events := eventgraph.NewMemStore()
	return &Stores{
		Events:     events,
		Tasks:      task.NewMemStore(events),
		Milestones: milestone.NewMemStore(events),
		Roles:      role.NewMemStore(events),
	}
}

// Open returns the stores selected by cfg.Ledger.Storage. PostgreSQL tables
// are created if missing.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	if cfg.Ledger.Storage != config.StoragePostgres {
		return Memory(), nil
	}
	pool, err := Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Stores{
		Events:     eventgraph.NewPgStore(pool),
		Tasks:      task.NewPgStore(pool),
		Milestones: milestone.NewPgStore(pool),
		Roles:      role.NewPgStore(pool),
		pool:       pool,
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates every ledger table. Order follows foreign keys.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if err := eventgraph.NewPgStore(pool).EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure events table: %w", err)
	}
	if err := task.NewPgStore(pool).EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure tasks table: %w", err)
	}
	if err := milestone.NewPgStore(pool).EnsureTables(ctx); err != nil {
		return fmt.Errorf("ensure milestone tables: %w", err)
	}
	if err := role.NewPgStore(pool).EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure role table: %w", err)
	}
	return nil
}
