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

type ordersRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *ordersRepo) Insert(ctx context.Context, o domain.Order) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO orders (order_id, user_id, symbol, side, type, price, qty, filled, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.OrderID, o.UserID, o.Symbol, string(o.Side), string(o.Type),
		o.Price, o.Qty, o.Filled, string(o.Status), o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, fmt.Sprintf("order %s already exists", o.OrderID), err)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *ordersRepo) Get(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var o domain.Order
	err := sqlx.GetContext(ctx, r.q, &o,
		`SELECT order_id, user_id, symbol, side, type, price, qty, filled, status, created_at
		 FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *ordersRepo) UpdateFill(ctx context.Context, orderID string, filled float64, status domain.OrderStatus) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx,
		`UPDATE orders SET filled = $2, status = $3 WHERE order_id = $1`,
		orderID, filled, string(status))
	if err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *ordersRepo) LoadOpen(ctx context.Context) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.Order
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT order_id, user_id, symbol, side, type, price, qty, filled, status, created_at
		 FROM orders WHERE status IN ('open', 'partial')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	return out, nil
}
