package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
)

type scoresRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *scoresRepo) Get(ctx context.Context, symbol string) (domain.Score, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var s domain.Score
	err := sqlx.GetContext(ctx, r.q, &s,
		`SELECT symbol, reality_score, final_price, confidence, last_updated
		 FROM scores WHERE symbol = $1`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Score{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.Score{}, fmt.Errorf("get score: %w", err)
	}
	return s, nil
}

func (r *scoresRepo) Init(ctx context.Context, score domain.Score) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO scores (symbol, reality_score, final_price, confidence, last_updated)
		 VALUES ($1, $2, $3, $4, $5)`,
		score.Symbol, score.RealityScore, score.FinalPrice, score.Confidence, score.LastUpdated)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, fmt.Sprintf("score for %s already exists", score.Symbol), err)
		}
		return fmt.Errorf("init score: %w", err)
	}
	return nil
}

func (r *scoresRepo) Update(ctx context.Context, score domain.Score) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx,
		`UPDATE scores
		 SET reality_score = $2, final_price = $3, confidence = $4, last_updated = $5
		 WHERE symbol = $1`,
		score.Symbol, score.RealityScore, score.FinalPrice, score.Confidence, score.LastUpdated)
	if err != nil {
		return fmt.Errorf("update score: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
