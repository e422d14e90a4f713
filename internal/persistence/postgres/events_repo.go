package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
)

type eventsRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

// eventRow mirrors the events table; sources travel as JSONB.
type eventRow struct {
	ID           string          `db:"id"`
	EventID      string          `db:"event_id"`
	Symbol       string          `db:"symbol"`
	ImpactPoints float64         `db:"impact_points"`
	QuickScore   float64         `db:"quick_score"`
	Summary      string          `db:"summary"`
	Sources      json.RawMessage `db:"sources"`
	LLMMode      string          `db:"llm_mode"`
	Processed    bool            `db:"processed"`
	CreatedAt    time.Time       `db:"created_at"`
}

func (row eventRow) toDomain() (domain.StoredEvent, error) {
	ev := domain.StoredEvent{
		ID:           row.ID,
		EventID:      row.EventID,
		Symbol:       row.Symbol,
		ImpactPoints: row.ImpactPoints,
		QuickScore:   row.QuickScore,
		Summary:      row.Summary,
		LLMMode:      row.LLMMode,
		Processed:    row.Processed,
		CreatedAt:    row.CreatedAt,
	}
	if len(row.Sources) > 0 {
		if err := json.Unmarshal(row.Sources, &ev.Sources); err != nil {
			return ev, fmt.Errorf("decode sources for %s: %w", row.EventID, err)
		}
	}
	return ev, nil
}

const eventColumns = `id, event_id, symbol, impact_points,
	COALESCE(quick_score, 0) AS quick_score, COALESCE(summary, '') AS summary,
	sources, COALESCE(llm_mode, '') AS llm_mode, processed, created_at`

func (r *eventsRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return n > 0, nil
}

func (r *eventsRepo) Insert(ctx context.Context, ev domain.StoredEvent) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	sources, err := json.Marshal(ev.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO events (event_id, symbol, impact_points, quick_score, summary, sources, llm_mode, processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.EventID, ev.Symbol, ev.ImpactPoints, ev.QuickScore, ev.Summary,
		sources, ev.LLMMode, ev.Processed, ev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, fmt.Sprintf("event %s already exists", ev.EventID), err)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *eventsRepo) MarkProcessed(ctx context.Context, eventID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `UPDATE events SET processed = true WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *eventsRepo) GetByEventID(ctx context.Context, eventID string) (domain.StoredEvent, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var row eventRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoredEvent{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.StoredEvent{}, fmt.Errorf("get event: %w", err)
	}
	return row.toDomain()
}

func (r *eventsRepo) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]domain.StoredEvent, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var rows []eventRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+eventColumns+` FROM events WHERE symbol = $1 ORDER BY created_at DESC LIMIT $2`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return rowsToDomain(rows)
}

func (r *eventsRepo) ProcessedSince(ctx context.Context, symbol string, since time.Time) ([]domain.StoredEvent, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var rows []eventRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+eventColumns+` FROM events
		 WHERE symbol = $1 AND processed = true AND created_at >= $2
		 ORDER BY created_at DESC`,
		symbol, since)
	if err != nil {
		return nil, fmt.Errorf("processed events: %w", err)
	}
	return rowsToDomain(rows)
}

func rowsToDomain(rows []eventRow) ([]domain.StoredEvent, error) {
	out := make([]domain.StoredEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
