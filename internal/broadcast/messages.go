package broadcast

import (
	"time"

	"github.com/xmarket/xmarket/internal/domain"
)

// Message type discriminators on the wire.
const (
	TypeRealityUpdate = "reality_update"
	TypeMarketUpdate  = "market_update"
	TypeTradeEvent    = "trade_event"
	TypeFinalUpdate   = "final_update"
	TypeAuditEvent    = "audit_event"
)

// Message is the envelope every subscriber receives.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RealityUpdate is emitted after a reality-score commit.
type RealityUpdate struct {
	Symbol       string    `json:"symbol"`
	RealityScore float64   `json:"reality_score"`
	Delta        float64   `json:"delta"`
	EventID      string    `json:"event_id"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"ts"`
}

// MarketUpdate is emitted on any order-book change.
type MarketUpdate struct {
	Symbol      string    `json:"symbol"`
	MarketPrice float64   `json:"market_price"`
	BuyVolume   float64   `json:"buy_volume"`
	SellVolume  float64   `json:"sell_volume"`
	NetPressure float64   `json:"net_pressure"`
	Timestamp   time.Time `json:"ts"`
}

// TradeEvent is emitted per executed trade.
type TradeEvent struct {
	TradeID   string    `json:"trade_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Timestamp time.Time `json:"ts"`
}

// Components itemizes a blended price.
type Components struct {
	Market  *float64 `json:"market"`
	Reality float64  `json:"reality"`
	Weights Weights  `json:"weights"`
}

// Weights are the instrument's blend weights.
type Weights struct {
	Market  float64 `json:"market"`
	Reality float64 `json:"reality"`
}

// FinalUpdate is emitted after each blend pass.
type FinalUpdate struct {
	Symbol     string     `json:"symbol"`
	FinalPrice float64    `json:"final_price"`
	Components Components `json:"components"`
	Timestamp  time.Time  `json:"ts"`
}

// AuditEvent is emitted when an event is quarantined or decided.
type AuditEvent struct {
	EventID   string            `json:"event_id"`
	Symbol    string            `json:"symbol"`
	Delta     float64           `json:"delta"`
	State     domain.AuditState `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

func wrap(payload interface{}) Message {
	switch payload.(type) {
	case RealityUpdate:
		return Message{Type: TypeRealityUpdate, Payload: payload}
	case MarketUpdate:
		return Message{Type: TypeMarketUpdate, Payload: payload}
	case TradeEvent:
		return Message{Type: TypeTradeEvent, Payload: payload}
	case FinalUpdate:
		return Message{Type: TypeFinalUpdate, Payload: payload}
	case AuditEvent:
		return Message{Type: TypeAuditEvent, Payload: payload}
	default:
		return Message{Type: "unknown", Payload: payload}
	}
}
