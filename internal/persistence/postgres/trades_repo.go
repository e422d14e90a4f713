package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xmarket/xmarket/internal/domain"
)

type tradesRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *tradesRepo) Insert(ctx context.Context, tr domain.Trade) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO trades (trade_id, symbol, price, qty, buy_order_id, sell_order_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.TradeID, tr.Symbol, tr.Price, tr.Qty, tr.BuyOrderID, tr.SellOrderID, tr.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, fmt.Sprintf("trade %s already exists", tr.TradeID), err)
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (r *tradesRepo) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.Trade
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT trade_id, symbol, price, qty, buy_order_id, sell_order_id, timestamp
		 FROM trades WHERE symbol = $1 ORDER BY timestamp DESC LIMIT $2`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return out, nil
}

func (r *tradesRepo) FilledByOrder(ctx context.Context, orderID string) (float64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var sum float64
	err := sqlx.GetContext(ctx, r.q, &sum,
		`SELECT COALESCE(SUM(qty), 0) FROM trades WHERE buy_order_id = $1 OR sell_order_id = $1`,
		orderID)
	if err != nil {
		return 0, fmt.Errorf("sum trades for order: %w", err)
	}
	return sum, nil
}
