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

type auditsRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

type auditRow struct {
	ID        string          `db:"id"`
	EventID   string          `db:"event_id"`
	Symbol    string          `db:"symbol"`
	Summary   string          `db:"summary"`
	Impact    float64         `db:"impact"`
	Sources   json.RawMessage `db:"sources"`
	State     string          `db:"state"`
	Approver  string          `db:"approver"`
	Reason    string          `db:"reason"`
	CreatedAt time.Time       `db:"created_at"`
	DecidedAt *time.Time      `db:"decided_at"`
}

func (row auditRow) toDomain() (domain.AuditRecord, error) {
	rec := domain.AuditRecord{
		ID:        row.ID,
		EventID:   row.EventID,
		Symbol:    row.Symbol,
		Summary:   row.Summary,
		Impact:    row.Impact,
		State:     domain.AuditState(row.State),
		Approver:  row.Approver,
		Reason:    row.Reason,
		CreatedAt: row.CreatedAt,
		DecidedAt: row.DecidedAt,
	}
	if len(row.Sources) > 0 {
		if err := json.Unmarshal(row.Sources, &rec.Sources); err != nil {
			return rec, fmt.Errorf("decode audit sources for %s: %w", row.EventID, err)
		}
	}
	return rec, nil
}

const auditColumns = `id, event_id, symbol, summary, impact, sources, state,
	COALESCE(approver, '') AS approver, COALESCE(reason, '') AS reason, created_at, decided_at`

func (r *auditsRepo) Insert(ctx context.Context, rec domain.AuditRecord) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("encode audit sources: %w", err)
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO llm_audit (id, event_id, symbol, summary, impact, sources, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.EventID, rec.Symbol, rec.Summary, rec.Impact, sources, string(rec.State), rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindConflict, fmt.Sprintf("audit for event %s already exists", rec.EventID), err)
		}
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (r *auditsRepo) Get(ctx context.Context, id string) (domain.AuditRecord, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var row auditRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+auditColumns+` FROM llm_audit WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditRecord{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("get audit: %w", err)
	}
	return row.toDomain()
}

func (r *auditsRepo) FindByEvent(ctx context.Context, eventID string) (domain.AuditRecord, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var row auditRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+auditColumns+` FROM llm_audit WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditRecord{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("find audit by event: %w", err)
	}
	return row.toDomain()
}

func (r *auditsRepo) List(ctx context.Context, pendingOnly bool) ([]domain.AuditRecord, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + auditColumns + ` FROM llm_audit`
	if pendingOnly {
		query += ` WHERE state = 'pending'`
	}
	query += ` ORDER BY created_at DESC`

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}

	out := make([]domain.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Decide flips a pending record to its final state. The WHERE guard makes
// the transition exactly-once: deciding a decided record affects zero rows.
func (r *auditsRepo) Decide(ctx context.Context, id string, state domain.AuditState, approver, reason string, decidedAt time.Time) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx,
		`UPDATE llm_audit
		 SET state = $2, approver = $3, reason = $4, decided_at = $5
		 WHERE id = $1 AND state = 'pending'`,
		id, string(state), approver, reason, decidedAt)
	if err != nil {
		return fmt.Errorf("decide audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide audit: %w", err)
	}
	if n == 0 {
		// Either unknown or already decided; disambiguate for the caller.
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, persistence.ErrNotFound) {
			return persistence.ErrNotFound
		}
		return domain.E(domain.KindConflict, "audit already processed")
	}
	return nil
}
