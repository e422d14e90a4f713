package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xmarket/xmarket/internal/domain"
)

// scoreChangesRepo and llmCallsRepo cover the two append-only diagnostic
// logs on the backend side.

type scoreChangesRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *scoreChangesRepo) Insert(ctx context.Context, ch domain.ScoreChange) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO score_changes (symbol, event_id, old_score, new_score, delta, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.Symbol, ch.EventID, ch.OldScore, ch.NewScore, ch.Delta, ch.Timestamp)
	if err != nil {
		return fmt.Errorf("insert score change: %w", err)
	}
	return nil
}

func (r *scoreChangesRepo) History(ctx context.Context, symbol string, since time.Time) ([]domain.ScoreChange, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.ScoreChange
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT id, symbol, event_id, old_score, new_score, delta, timestamp
		 FROM score_changes
		 WHERE symbol = $1 AND timestamp >= $2
		 ORDER BY timestamp DESC`,
		symbol, since)
	if err != nil {
		return nil, fmt.Errorf("score history: %w", err)
	}
	return out, nil
}

func (r *scoreChangesRepo) Applied(ctx context.Context, symbol, eventID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var applied bool
	err := sqlx.GetContext(ctx, r.q, &applied,
		`SELECT EXISTS (SELECT 1 FROM score_changes WHERE symbol = $1 AND event_id = $2)`,
		symbol, eventID)
	if err != nil {
		return false, fmt.Errorf("score change applied: %w", err)
	}
	return applied, nil
}

type llmCallsRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *llmCallsRepo) Insert(ctx context.Context, call domain.LLMCall) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO llm_calls (event_id, llm_mode, input_hash, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		call.EventID, call.LLMMode, call.InputHash, call.Timestamp)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}

func (r *llmCallsRepo) Recent(ctx context.Context, limit int) ([]domain.LLMCall, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.LLMCall
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT id, event_id, llm_mode, input_hash, timestamp
		 FROM llm_calls ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent llm calls: %w", err)
	}
	return out, nil
}
