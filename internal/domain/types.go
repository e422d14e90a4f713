// Package domain holds the core entities shared by the ingest, scoring,
// matching and blending components.
package domain

import (
	"time"
)

// OrderSide distinguishes bids from asks.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes resting-capable limit orders from
// immediate-or-cancel market orders.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderStatus is the order lifecycle state. Filled and Cancelled are
// terminal.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// AuditState is the audit record lifecycle; a record is decided exactly
// once.
type AuditState string

const (
	AuditPending  AuditState = "pending"
	AuditApproved AuditState = "approved"
	AuditRejected AuditState = "rejected"
)

// Instrument is a tradeable symbol. Created only through the authenticated
// admin path; weights must sum to 1 within WeightSumEpsilon.
type Instrument struct {
	Symbol        string    `json:"symbol" db:"symbol"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description" db:"description"`
	MarketWeight  float64   `json:"market_weight" db:"market_weight"`
	RealityWeight float64   `json:"reality_weight" db:"reality_weight"`
	MinPrice      float64   `json:"min_price" db:"min_price"`
	MaxPrice      float64   `json:"max_price" db:"max_price"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Score is the per-instrument reality score and blended final price.
// Mutated only by the scoring engine and blender under the symbol's
// serialization point.
type Score struct {
	Symbol       string    `json:"symbol" db:"symbol"`
	RealityScore float64   `json:"reality_score" db:"reality_score"`
	FinalPrice   float64   `json:"final_price" db:"final_price"`
	Confidence   float64   `json:"confidence" db:"confidence"`
	LastUpdated  time.Time `json:"last_updated" db:"last_updated"`
}

// Source is one news source backing an event.
type Source struct {
	ID    string  `json:"id"`
	URL   string  `json:"url"`
	Trust float64 `json:"trust"`
}

// Event is the canonical signed payload from the event producer.
type Event struct {
	EventID              string         `json:"event_id"`
	Timestamp            time.Time      `json:"timestamp"`
	Stocks               []string       `json:"stocks"`
	QuickScore           float64        `json:"quick_score"`
	ImpactPoints         float64        `json:"impact_points"`
	Summary              string         `json:"summary"`
	Sources              []Source       `json:"sources"`
	NumIndependentSources int           `json:"num_independent_sources"`
	LLMMode              string         `json:"llm_mode"`
	Meta                 map[string]any `json:"meta"`
}

// PrimarySymbol returns the first referenced symbol; events always carry at
// least one after validation.
func (e Event) PrimarySymbol() string {
	if len(e.Stocks) == 0 {
		return ""
	}
	return e.Stocks[0]
}

// PrimarySource returns the first source, used by the single-source
// influence rule.
func (e Event) PrimarySource() string {
	if len(e.Sources) == 0 {
		return ""
	}
	return e.Sources[0].ID
}

// StoredEvent is the persisted projection of an Event. Processed means the
// event has been applied to scores.
type StoredEvent struct {
	ID           string    `json:"id" db:"id"`
	EventID      string    `json:"event_id" db:"event_id"`
	Symbol       string    `json:"symbol" db:"symbol"`
	ImpactPoints float64   `json:"impact_points" db:"impact_points"`
	QuickScore   float64   `json:"quick_score" db:"quick_score"`
	Summary      string    `json:"summary" db:"summary"`
	Sources      []Source  `json:"sources" db:"-"`
	LLMMode      string    `json:"llm_mode" db:"llm_mode"`
	Processed    bool      `json:"processed" db:"processed"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// AuditRecord quarantines a suspicious event until an admin decides it.
type AuditRecord struct {
	ID        string     `json:"id" db:"id"`
	EventID   string     `json:"event_id" db:"event_id"`
	Symbol    string     `json:"symbol" db:"symbol"`
	Summary   string     `json:"summary" db:"summary"`
	Impact    float64    `json:"impact" db:"impact"`
	Sources   []Source   `json:"sources" db:"-"`
	State     AuditState `json:"state" db:"state"`
	Approver  string     `json:"approver" db:"approver"`
	Reason    string     `json:"reason" db:"reason"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty" db:"decided_at"`
}

// ScoreChange is the append-only audit trail of score mutations.
type ScoreChange struct {
	ID        int64     `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	EventID   string    `json:"event_id" db:"event_id"`
	OldScore  float64   `json:"old_score" db:"old_score"`
	NewScore  float64   `json:"new_score" db:"new_score"`
	Delta     float64   `json:"delta" db:"delta"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// LLMCall is a diagnostic projection of upstream model invocations.
type LLMCall struct {
	ID        string    `json:"id" db:"id"`
	EventID   string    `json:"event_id" db:"event_id"`
	LLMMode   string    `json:"llm_mode" db:"llm_mode"`
	InputHash string    `json:"input_hash" db:"input_hash"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Order as persisted and as exposed by the matching service. Price is nil
// for market orders.
type Order struct {
	OrderID   string      `json:"order_id" db:"order_id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Symbol    string      `json:"symbol" db:"symbol"`
	Side      OrderSide   `json:"side" db:"side"`
	Type      OrderType   `json:"type" db:"type"`
	Price     *float64    `json:"price,omitempty" db:"price"`
	Qty       float64     `json:"qty" db:"qty"`
	Filled    float64     `json:"filled" db:"filled"`
	Status    OrderStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 { return o.Qty - o.Filled }

// Trade is an append-only execution record. Price is always the maker's
// limit price.
type Trade struct {
	TradeID     string    `json:"trade_id" db:"trade_id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Price       float64   `json:"price" db:"price"`
	Qty         float64   `json:"qty" db:"qty"`
	BuyOrderID  string    `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id" db:"sell_order_id"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
