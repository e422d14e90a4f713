// Package persistence defines the repository contracts for the durable
// projection of platform state. The database is the authority only for
// crash recovery of open orders and the append-only logs; live state is
// owned by the scoring and matching engines.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/xmarket/xmarket/internal/domain"
)

// ErrNotFound is returned by point reads that miss.
var ErrNotFound = errors.New("not found")

// InstrumentsRepo manages the instrument catalogue.
type InstrumentsRepo interface {
	// Create inserts a new instrument; duplicate symbols conflict.
	Create(ctx context.Context, inst domain.Instrument) error
	Get(ctx context.Context, symbol string) (domain.Instrument, error)
	List(ctx context.Context) ([]domain.Instrument, error)
	// Missing returns the subset of symbols with no instrument row.
	Missing(ctx context.Context, symbols []string) ([]string, error)
}

// ScoresRepo manages the one-row-per-instrument score projection.
type ScoresRepo interface {
	Get(ctx context.Context, symbol string) (domain.Score, error)
	// Init creates the neutral score row for a new instrument.
	Init(ctx context.Context, score domain.Score) error
	Update(ctx context.Context, score domain.Score) error
}

// EventsRepo stores ingested events. EventID is globally unique forever.
type EventsRepo interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, ev domain.StoredEvent) error
	MarkProcessed(ctx context.Context, eventID string) error
	GetByEventID(ctx context.Context, eventID string) (domain.StoredEvent, error)
	RecentBySymbol(ctx context.Context, symbol string, limit int) ([]domain.StoredEvent, error)
	// ProcessedSince returns processed events for the symbol inside the
	// rolling suspicion window, sources included.
	ProcessedSince(ctx context.Context, symbol string, since time.Time) ([]domain.StoredEvent, error)
}

// AuditsRepo stores the quarantine queue.
type AuditsRepo interface {
	Insert(ctx context.Context, rec domain.AuditRecord) error
	Get(ctx context.Context, id string) (domain.AuditRecord, error)
	// FindByEvent returns the record quarantining the event, or
	// ErrNotFound when the event was never quarantined.
	FindByEvent(ctx context.Context, eventID string) (domain.AuditRecord, error)
	List(ctx context.Context, pendingOnly bool) ([]domain.AuditRecord, error)
	// Decide transitions pending to approved/rejected exactly once; a
	// second decision conflicts.
	Decide(ctx context.Context, id string, state domain.AuditState, approver, reason string, decidedAt time.Time) error
}

// ScoreChangesRepo is the append-only score mutation trail.
type ScoreChangesRepo interface {
	Insert(ctx context.Context, ch domain.ScoreChange) error
	History(ctx context.Context, symbol string, since time.Time) ([]domain.ScoreChange, error)
	// Applied reports whether the event already produced a change for the
	// symbol, making per-symbol application idempotent across retries.
	Applied(ctx context.Context, symbol, eventID string) (bool, error)
}

// LLMCallsRepo is a diagnostic projection of producer model invocations.
type LLMCallsRepo interface {
	Insert(ctx context.Context, call domain.LLMCall) error
	Recent(ctx context.Context, limit int) ([]domain.LLMCall, error)
}

// OrdersRepo stores order lifecycle state for crash recovery.
type OrdersRepo interface {
	Insert(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateFill records a maker's new filled quantity and status.
	UpdateFill(ctx context.Context, orderID string, filled float64, status domain.OrderStatus) error
	// LoadOpen returns open and partial orders in created_at ascending
	// order for book replay.
	LoadOpen(ctx context.Context) ([]domain.Order, error)
}

// TradesRepo is the append-only execution log.
type TradesRepo interface {
	Insert(ctx context.Context, tr domain.Trade) error
	RecentBySymbol(ctx context.Context, symbol string, limit int) ([]domain.Trade, error)
	// FilledByOrder sums executed quantity per order, used to cross-check
	// persisted fills during replay.
	FilledByOrder(ctx context.Context, orderID string) (float64, error)
}

// Repos bundles every repository over one connection or transaction.
type Repos struct {
	Instruments  InstrumentsRepo
	Scores       ScoresRepo
	Events       EventsRepo
	Audits       AuditsRepo
	ScoreChanges ScoreChangesRepo
	LLMCalls     LLMCallsRepo
	Orders       OrdersRepo
	Trades       TradesRepo
}

// Store provides repository access plus transactional units. WithTx runs fn
// against transaction-scoped repos and commits only if fn returns nil, so a
// crash cannot leave a half-recorded event or an unpersisted fill.
type Store interface {
	Repos() Repos
	WithTx(ctx context.Context, fn func(Repos) error) error
	Close() error
}
