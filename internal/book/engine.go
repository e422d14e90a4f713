package book

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
)

// TradeListener is notified after trades commit; the matching server uses
// it to broadcast market updates and to nudge the backend blender.
type TradeListener interface {
	TradesCommitted(symbol string, trades []domain.Trade)
}

// PlaceRequest is an order admission request.
type PlaceRequest struct {
	Symbol string
	UserID string
	Side   domain.OrderSide
	Type   domain.OrderType
	Price  *float64
	Qty    float64
}

// Pressure is the resting-order imbalance signal for one symbol.
type Pressure struct {
	Symbol      string    `json:"symbol"`
	MarketPrice float64   `json:"market_price"`
	BuyVolume   float64   `json:"buy_volume"`
	SellVolume  float64   `json:"sell_volume"`
	NetPressure float64   `json:"net_pressure"`
	HasMarket   bool      `json:"has_market"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot is the top-of-book view plus depth and recent trades.
type Snapshot struct {
	Symbol    string         `json:"symbol"`
	BestBid   *float64       `json:"best_bid,omitempty"`
	BestAsk   *float64       `json:"best_ask,omitempty"`
	Mid       *float64       `json:"mid,omitempty"`
	Bids      []Level        `json:"bids"`
	Asks      []Level        `json:"asks"`
	BidVWAP   *float64       `json:"bid_vwap,omitempty"`
	AskVWAP   *float64       `json:"ask_vwap,omitempty"`
	Trades    []domain.Trade `json:"trades"`
	Timestamp time.Time      `json:"timestamp"`
}

// Engine manages one book per symbol, created on demand. Each book has its
// own critical region; the persistence step that finalizes a region runs
// before the caller sees success.
type Engine struct {
	store    persistence.Store
	listener TradeListener

	mu    sync.Mutex
	books map[string]*bookSlot
}

// bookSlot pairs a book with its serialization point.
type bookSlot struct {
	mu   sync.Mutex
	book *Book
}

// NewEngine builds an Engine over the store. listener may be nil.
func NewEngine(store persistence.Store, listener TradeListener) *Engine {
	return &Engine{store: store, listener: listener, books: make(map[string]*bookSlot)}
}

// SetListener installs the post-commit trade hook. Call before the engine
// starts serving requests; the hook runs synchronously after each commit.
func (e *Engine) SetListener(l TradeListener) { e.listener = l }

func (e *Engine) slot(symbol string) *bookSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.books[symbol]
	if !ok {
		s = &bookSlot{book: NewBook(symbol)}
		e.books[symbol] = s
	}
	return s
}

// PlaceOrder validates, matches and durably records an order. The incoming
// order, every trade, and every touched maker commit in one transaction.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (domain.Order, []domain.Trade, error) {
	if err := validate(req); err != nil {
		return domain.Order{}, nil, err
	}

	now := time.Now().UTC()
	order := &domain.Order{
		OrderID:   uuid.NewString(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Qty:       req.Qty,
		Status:    domain.StatusOpen,
		CreatedAt: now,
	}

	s := e.slot(req.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	trades, touched := s.book.Match(order, now)

	err := e.store.WithTx(ctx, func(repos persistence.Repos) error {
		if err := repos.Orders.Insert(ctx, *order); err != nil {
			return err
		}
		for _, tr := range trades {
			if err := repos.Trades.Insert(ctx, tr); err != nil {
				return err
			}
		}
		for _, maker := range touched {
			if err := repos.Orders.UpdateFill(ctx, maker.OrderID, maker.Filled, maker.Status); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The in-memory book no longer matches durable state; rebuild it
		// from the persisted open orders, exactly as a restart would.
		e.rebuildLocked(ctx, s, req.Symbol)
		return domain.Order{}, nil, domain.Wrap(domain.KindTransient, "order persistence failed", err)
	}

	if e.listener != nil && len(trades) > 0 {
		e.listener.TradesCommitted(req.Symbol, trades)
	}
	return *order, trades, nil
}

// CancelOrder is idempotent on non-terminal states; cancelling a terminal
// order is a no-op that reports the current status.
func (e *Engine) CancelOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	s := e.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.book.Cancel(orderID); ok {
		if err := e.store.Repos().Orders.UpdateFill(ctx, o.OrderID, o.Filled, o.Status); err != nil {
			e.rebuildLocked(ctx, s, symbol)
			return domain.Order{}, domain.Wrap(domain.KindTransient, "cancel persistence failed", err)
		}
		return *o, nil
	}

	// Not resting: either terminal or unknown.
	persisted, err := e.store.Repos().Orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return domain.Order{}, domain.Ef(domain.KindNotFound, "order %s not found", orderID)
		}
		return domain.Order{}, err
	}
	return persisted, nil
}

// Snapshot renders the book's current state with top-k depth and the most
// recent trades from the durable log.
func (e *Engine) Snapshot(ctx context.Context, symbol string, depth int) (Snapshot, error) {
	if depth <= 0 {
		depth = config.OrderBookDepth
	}

	s := e.slot(symbol)
	s.mu.Lock()
	snap := Snapshot{Symbol: symbol, Timestamp: time.Now().UTC()}
	if bid, ok := s.book.BestBid(); ok {
		snap.BestBid = &bid
	}
	if ask, ok := s.book.BestAsk(); ok {
		snap.BestAsk = &ask
	}
	if snap.BestBid != nil && snap.BestAsk != nil {
		mid := (*snap.BestBid + *snap.BestAsk) / 2
		snap.Mid = &mid
	}
	snap.Bids, snap.Asks = s.book.Depth(depth)
	if v, ok := s.book.VWAP(domain.SideBuy, depth); ok {
		snap.BidVWAP = &v
	}
	if v, ok := s.book.VWAP(domain.SideSell, depth); ok {
		snap.AskVWAP = &v
	}
	s.mu.Unlock()

	trades, err := e.store.Repos().Trades.RecentBySymbol(ctx, symbol, depth)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Trades = trades
	return snap, nil
}

// Pressure reports market price and resting-order imbalance.
func (e *Engine) Pressure(symbol string) Pressure {
	s := e.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	buy, sell, net := s.book.Pressure()
	return Pressure{
		Symbol:      symbol,
		MarketPrice: s.book.MarketPrice(),
		BuyVolume:   buy,
		SellVolume:  sell,
		NetPressure: net,
		HasMarket:   s.book.HasMarket(),
		Timestamp:   time.Now().UTC(),
	}
}

// Recover rebuilds every book from persisted open and partial orders in
// created_at order, inserting them at their levels without re-matching.
// Persisted fills are cross-checked against the trade log; the log wins
// when they disagree.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.Repos().Orders.LoadOpen(ctx)
	if err != nil {
		return err
	}

	count := 0
	for i := range open {
		o := open[i]
		executed, err := e.store.Repos().Trades.FilledByOrder(ctx, o.OrderID)
		if err != nil {
			return err
		}
		if math.Abs(executed-o.Filled) > qtyEpsilon {
			log.Warn().
				Str("order_id", o.OrderID).
				Float64("persisted_filled", o.Filled).
				Float64("trade_log_filled", executed).
				Msg("fill drift detected during replay; using trade log")
			o.Filled = executed
			if o.Filled >= o.Qty-qtyEpsilon {
				o.Filled = o.Qty
				o.Status = domain.StatusFilled
			} else if o.Filled > 0 {
				o.Status = domain.StatusPartial
			}
			if err := e.store.Repos().Orders.UpdateFill(ctx, o.OrderID, o.Filled, o.Status); err != nil {
				return err
			}
			if o.Status == domain.StatusFilled {
				continue
			}
		}

		s := e.slot(o.Symbol)
		s.mu.Lock()
		s.book.Insert(&o)
		s.mu.Unlock()
		count++
	}

	log.Info().Int("orders", count).Msg("order books recovered")
	return nil
}

// rebuildLocked reloads one symbol's book from durable state. Caller holds
// the slot lock.
func (e *Engine) rebuildLocked(ctx context.Context, s *bookSlot, symbol string) {
	open, err := e.store.Repos().Orders.LoadOpen(ctx)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("book rebuild failed; book left empty")
		s.book = NewBook(symbol)
		return
	}
	fresh := NewBook(symbol)
	for i := range open {
		if open[i].Symbol == symbol {
			o := open[i]
			fresh.Insert(&o)
		}
	}
	s.book = fresh
}

func validate(req PlaceRequest) error {
	if req.Symbol == "" {
		return domain.E(domain.KindValidation, "symbol is required")
	}
	if req.UserID == "" {
		return domain.E(domain.KindValidation, "user_id is required")
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return domain.Ef(domain.KindValidation, "invalid side %q", req.Side)
	}
	if req.Qty < config.MinOrderSize || req.Qty > config.MaxOrderSize {
		return domain.Ef(domain.KindValidation, "qty must be in [%g, %g]", config.MinOrderSize, config.MaxOrderSize)
	}
	switch req.Type {
	case domain.TypeLimit:
		if req.Price == nil {
			return domain.E(domain.KindValidation, "limit order requires price")
		}
		if *req.Price <= config.MinPrice || *req.Price > config.MaxPrice {
			return domain.Ef(domain.KindValidation, "price must be in (%g, %g]", config.MinPrice, config.MaxPrice)
		}
	case domain.TypeMarket:
		if req.Price != nil {
			return domain.E(domain.KindValidation, "market order must not carry price")
		}
	default:
		return domain.Ef(domain.KindValidation, "invalid order type %q", req.Type)
	}
	return nil
}
