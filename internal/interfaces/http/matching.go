package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/book"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/metrics"
	"github.com/xmarket/xmarket/internal/net/ratelimit"
)

// Nudger asks the blender for a fresh pass on a symbol. The matching
// surface calls it after every batch of committed trades so the final
// price tracks the market side without polling.
type Nudger func(symbol string)

// BlendNudger returns a Nudger that posts to the backend's internal blend
// endpoint. Fire and forget: a missed nudge only delays the next blend
// until the following trade or ingest.
func BlendNudger(backendURL string) Nudger {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(symbol string) {
		go func() {
			url := fmt.Sprintf("%s/internal/blend/%s", backendURL, symbol)
			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				log.Debug().Err(err).Str("symbol", symbol).Msg("blend nudge failed")
				return
			}
			resp.Body.Close()
		}()
	}
}

// Listener fans committed trades out to subscribers, records execution
// metrics, and nudges the blender. Implements the engine's trade hook.
type Listener struct {
	engine  *book.Engine
	hub     *broadcast.Hub
	metrics *metrics.Registry
	nudge   Nudger
}

// NewListener builds the post-commit trade hook.
func NewListener(engine *book.Engine, hub *broadcast.Hub, m *metrics.Registry, nudge Nudger) *Listener {
	return &Listener{engine: engine, hub: hub, metrics: m, nudge: nudge}
}

// TradesCommitted runs after the engine has persisted a match batch.
func (l *Listener) TradesCommitted(symbol string, trades []domain.Trade) {
	for _, tr := range trades {
		if l.metrics != nil {
			l.metrics.TradesExecuted.WithLabelValues(symbol).Inc()
			l.metrics.TradeVolume.WithLabelValues(symbol).Add(tr.Qty)
		}
		if l.hub != nil {
			l.hub.Publish(broadcast.TradeEvent{
				TradeID:   tr.TradeID,
				Symbol:    tr.Symbol,
				Price:     tr.Price,
				Qty:       tr.Qty,
				Timestamp: tr.Timestamp,
			})
		}
	}
	if l.hub != nil {
		p := l.engine.Pressure(symbol)
		l.hub.Publish(broadcast.MarketUpdate{
			Symbol:      p.Symbol,
			MarketPrice: p.MarketPrice,
			BuyVolume:   p.BuyVolume,
			SellVolume:  p.SellVolume,
			NetPressure: p.NetPressure,
			Timestamp:   p.Timestamp,
		})
	}
	if l.nudge != nil {
		l.nudge(symbol)
	}
}

// Matching exposes order placement, cancellation and the market-data
// read surface.
type Matching struct {
	engine  *book.Engine
	limiter *ratelimit.Limiter
	hub     *broadcast.Hub
	metrics *metrics.Registry
}

// NewMatching wires the matching surface with a per-user order throttle.
// Non-positive throttle values fall back to the platform defaults.
func NewMatching(engine *book.Engine, hub *broadcast.Hub, m *metrics.Registry, orderRPS float64, orderBurst int) *Matching {
	if orderRPS <= 0 {
		orderRPS = config.OrderRatePerSec
	}
	if orderBurst <= 0 {
		orderBurst = config.OrderRateBurst
	}
	return &Matching{
		engine:  engine,
		limiter: ratelimit.NewLimiter(orderRPS, orderBurst),
		hub:     hub,
		metrics: m,
	}
}

// Register mounts every matching route.
func (m *Matching) Register(r *mux.Router) {
	r.HandleFunc("/orders", m.handlePlaceOrder).Methods(http.MethodPost)
	r.HandleFunc("/cancel", m.handleCancelOrder).Methods(http.MethodPost)
	r.HandleFunc("/market/{symbol}/snapshot", m.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/market/{symbol}/pressure", m.handlePressure).Methods(http.MethodGet)

	if m.hub != nil {
		r.HandleFunc("/ws", m.hub.Handler())
	}
	r.HandleFunc("/health", m.handleHealth).Methods(http.MethodGet)
	if m.metrics != nil {
		r.Handle("/metrics", m.metrics.Handler()).Methods(http.MethodGet)
	}
}

type placeOrderRequest struct {
	Symbol string   `json:"symbol"`
	UserID string   `json:"user_id"`
	Side   string   `json:"side"`
	Type   string   `json:"type"`
	Price  *float64 `json:"price,omitempty"`
	Qty    float64  `json:"qty"`
}

type placeOrderResponse struct {
	Order  domain.Order   `json:"order"`
	Trades []domain.Trade `json:"trades"`
}

func (m *Matching) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Wrap(domain.KindValidation, "malformed body", err))
		return
	}
	if req.UserID == "" {
		writeError(w, domain.E(domain.KindValidation, "user_id is required"))
		return
	}
	if !m.limiter.Allow(req.UserID) {
		log.Debug().Str("user_id", req.UserID).Msg("order throttled")
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Status: "error",
			Error:  "rate_limited",
			Detail: "order rate limit exceeded",
		})
		return
	}

	order, trades, err := m.engine.PlaceOrder(r.Context(), book.PlaceRequest{
		Symbol: req.Symbol,
		UserID: req.UserID,
		Side:   domain.OrderSide(req.Side),
		Type:   domain.OrderType(req.Type),
		Price:  req.Price,
		Qty:    req.Qty,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if m.metrics != nil {
		m.metrics.OrdersPlaced.WithLabelValues(req.Side, req.Type).Inc()
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusCreated, placeOrderResponse{Order: order, Trades: trades})
}

func (m *Matching) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	orderID := r.URL.Query().Get("order_id")
	if symbol == "" || orderID == "" {
		writeError(w, domain.E(domain.KindValidation, "symbol and order_id are required"))
		return
	}

	order, err := m.engine.CancelOrder(r.Context(), symbol, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (m *Matching) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, domain.E(domain.KindValidation, "depth must be a positive integer"))
			return
		}
		depth = parsed
	}

	snap, err := m.engine.Snapshot(r.Context(), symbol, depth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (m *Matching) handlePressure(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	writeJSON(w, http.StatusOK, m.engine.Pressure(symbol))
}

func (m *Matching) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"time":           time.Now().UTC(),
		"order_throttle": m.limiter.Stats(),
	})
}
