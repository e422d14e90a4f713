// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/xmarket/xmarket/internal/persistence"
)

// Store wraps a sqlx pool and hands out plain or transaction-scoped repos.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	repos   persistence.Repos
}

// NewStore builds a Store over an open connection pool.
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	s := &Store{db: db, timeout: timeout}
	s.repos = buildRepos(db, timeout)
	return s
}

// Repos returns auto-commit repositories.
func (s *Store) Repos() persistence.Repos { return s.repos }

// WithTx runs fn inside a single transaction; commit happens only when fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(persistence.Repos) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(buildRepos(tx, s.timeout)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for schema application and health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

func buildRepos(q sqlx.ExtContext, timeout time.Duration) persistence.Repos {
	return persistence.Repos{
		Instruments:  &instrumentsRepo{q: q, timeout: timeout},
		Scores:       &scoresRepo{q: q, timeout: timeout},
		Events:       &eventsRepo{q: q, timeout: timeout},
		Audits:       &auditsRepo{q: q, timeout: timeout},
		ScoreChanges: &scoreChangesRepo{q: q, timeout: timeout},
		LLMCalls:     &llmCallsRepo{q: q, timeout: timeout},
		Orders:       &ordersRepo{q: q, timeout: timeout},
		Trades:       &tradesRepo{q: q, timeout: timeout},
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
