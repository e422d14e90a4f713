package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
)

type instrumentsRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *instrumentsRepo) Create(ctx context.Context, inst domain.Instrument) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO stocks (symbol, name, description, market_weight, reality_weight, min_price, max_price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.q.ExecContext(ctx, query,
		inst.Symbol, inst.Name, inst.Description,
		inst.MarketWeight, inst.RealityWeight, inst.MinPrice, inst.MaxPrice, inst.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, fmt.Sprintf("instrument %s already exists", inst.Symbol), err)
		}
		return fmt.Errorf("insert instrument: %w", err)
	}
	return nil
}

func (r *instrumentsRepo) Get(ctx context.Context, symbol string) (domain.Instrument, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var inst domain.Instrument
	err := sqlx.GetContext(ctx, r.q, &inst,
		`SELECT symbol, name, COALESCE(description, '') AS description, market_weight, reality_weight, min_price, max_price, created_at
		 FROM stocks WHERE symbol = $1`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instrument{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("get instrument: %w", err)
	}
	return inst, nil
}

func (r *instrumentsRepo) List(ctx context.Context) ([]domain.Instrument, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.Instrument
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT symbol, name, COALESCE(description, '') AS description, market_weight, reality_weight, min_price, max_price, created_at
		 FROM stocks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return out, nil
}

func (r *instrumentsRepo) Missing(ctx context.Context, symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var known []string
	err := sqlx.SelectContext(ctx, r.q, &known,
		`SELECT symbol FROM stocks WHERE symbol = ANY($1)`, pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("check instruments: %w", err)
	}

	seen := make(map[string]bool, len(known))
	for _, s := range known {
		seen[s] = true
	}
	var missing []string
	for _, s := range symbols {
		if !seen[s] {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
