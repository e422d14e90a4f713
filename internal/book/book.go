// Package book implements the per-symbol in-memory limit order book with
// price-time priority matching, and the engine that coordinates books with
// durable order/trade state.
package book

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
)

// qtyEpsilon guards float comparisons on remaining quantity.
const qtyEpsilon = 1e-9

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
	Count int     `json:"count"`
}

// Book is the order book for a single symbol. It is not self-locking: the
// engine serializes all access under the book's critical region.
type Book struct {
	symbol string

	// Price-indexed FIFO queues plus sorted price ladders. Bid prices
	// descend, ask prices ascend.
	bids      map[float64][]*domain.Order
	asks      map[float64][]*domain.Order
	bidPrices []float64
	askPrices []float64

	orders    map[string]*domain.Order
	lastTrade *float64
}

// NewBook returns an empty book for symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64][]*domain.Order),
		asks:   make(map[float64][]*domain.Order),
		orders: make(map[string]*domain.Order),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Match runs the aggressor against the opposite ladder and rests any limit
// remainder. Returned trades carry the maker's price; touched holds every
// maker whose fill state changed, for persistence.
func (b *Book) Match(o *domain.Order, now time.Time) (trades []domain.Trade, touched []*domain.Order) {
	if o.Side == domain.SideBuy {
		trades, touched = b.matchAgainst(o, &b.askPrices, b.asks, now)
	} else {
		trades, touched = b.matchAgainst(o, &b.bidPrices, b.bids, now)
	}

	updateStatus(o)

	switch {
	case o.Status == domain.StatusFilled:
		// Fully executed, nothing rests.
	case o.Type == domain.TypeMarket:
		// Market remainder cancels; market orders never rest.
		o.Status = domain.StatusCancelled
	default:
		b.rest(o)
	}
	return trades, touched
}

// matchAgainst consumes the opposite ladder best-price-first, FIFO inside
// each level.
func (b *Book) matchAgainst(o *domain.Order, prices *[]float64, levels map[float64][]*domain.Order, now time.Time) ([]domain.Trade, []*domain.Order) {
	var trades []domain.Trade
	var touched []*domain.Order

	for o.Remaining() > qtyEpsilon && len(*prices) > 0 {
		best := (*prices)[0]
		if o.Type == domain.TypeLimit && !crosses(o, best) {
			break
		}

		queue := levels[best]
		for o.Remaining() > qtyEpsilon && len(queue) > 0 {
			maker := queue[0]
			qty := min(o.Remaining(), maker.Remaining())

			o.Filled += qty
			maker.Filled += qty
			updateStatus(o)
			updateStatus(maker)
			touched = append(touched, maker)

			buyID, sellID := o.OrderID, maker.OrderID
			if o.Side == domain.SideSell {
				buyID, sellID = maker.OrderID, o.OrderID
			}
			price := *maker.Price
			trades = append(trades, domain.Trade{
				TradeID:     uuid.NewString(),
				Symbol:      b.symbol,
				Price:       price,
				Qty:         qty,
				BuyOrderID:  buyID,
				SellOrderID: sellID,
				Timestamp:   now,
			})
			b.lastTrade = &price

			if maker.Status == domain.StatusFilled {
				queue = queue[1:]
				delete(b.orders, maker.OrderID)
			}
		}

		if len(queue) == 0 {
			delete(levels, best)
			*prices = (*prices)[1:]
		} else {
			levels[best] = queue
		}
	}
	return trades, touched
}

func crosses(o *domain.Order, oppositePrice float64) bool {
	if o.Side == domain.SideBuy {
		return *o.Price >= oppositePrice
	}
	return *o.Price <= oppositePrice
}

// rest queues a limit remainder at the tail of its price level.
func (b *Book) rest(o *domain.Order) {
	price := *o.Price
	if o.Side == domain.SideBuy {
		if _, ok := b.bids[price]; !ok {
			b.bidPrices = append(b.bidPrices, price)
			sort.Sort(sort.Reverse(sort.Float64Slice(b.bidPrices)))
		}
		b.bids[price] = append(b.bids[price], o)
	} else {
		if _, ok := b.asks[price]; !ok {
			b.askPrices = append(b.askPrices, price)
			sort.Float64s(b.askPrices)
		}
		b.asks[price] = append(b.asks[price], o)
	}
	b.orders[o.OrderID] = o
}

// Insert places an already-consistent order directly at its level without
// matching; used by crash recovery replay.
func (b *Book) Insert(o *domain.Order) {
	b.rest(o)
}

// Cancel removes a resting order. It returns the order and whether it was
// found; terminal orders are not in the book.
func (b *Book) Cancel(orderID string) (*domain.Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}

	price := *o.Price
	if o.Side == domain.SideBuy {
		b.bids[price] = removeOrder(b.bids[price], orderID)
		if len(b.bids[price]) == 0 {
			delete(b.bids, price)
			b.bidPrices = removePrice(b.bidPrices, price)
		}
	} else {
		b.asks[price] = removeOrder(b.asks[price], orderID)
		if len(b.asks[price]) == 0 {
			delete(b.asks, price)
			b.askPrices = removePrice(b.askPrices, price)
		}
	}

	delete(b.orders, orderID)
	o.Status = domain.StatusCancelled
	return o, true
}

// Resting returns the resting order with the given id, if any.
func (b *Book) Resting(orderID string) (*domain.Order, bool) {
	o, ok := b.orders[orderID]
	return o, ok
}

// BestBid returns the highest bid price, if any.
func (b *Book) BestBid() (float64, bool) {
	if len(b.bidPrices) == 0 {
		return 0, false
	}
	return b.bidPrices[0], true
}

// BestAsk returns the lowest ask price, if any.
func (b *Book) BestAsk() (float64, bool) {
	if len(b.askPrices) == 0 {
		return 0, false
	}
	return b.askPrices[0], true
}

// MarketPrice derives the book's price: mid, else the single live side,
// else the last trade, else neutral.
func (b *Book) MarketPrice() float64 {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return (bid + ask) / 2
	case hasBid:
		return bid
	case hasAsk:
		return ask
	case b.lastTrade != nil:
		return *b.lastTrade
	default:
		return config.NeutralScore
	}
}

// HasMarket reports whether the price derivation has anything real to work
// from. False means MarketPrice fell through to neutral.
func (b *Book) HasMarket() bool {
	return len(b.bidPrices) > 0 || len(b.askPrices) > 0 || b.lastTrade != nil
}

// Pressure sums remaining resting volume by side; net is bids minus asks.
func (b *Book) Pressure() (buyVolume, sellVolume, net float64) {
	for _, queue := range b.bids {
		for _, o := range queue {
			buyVolume += o.Remaining()
		}
	}
	for _, queue := range b.asks {
		for _, o := range queue {
			sellVolume += o.Remaining()
		}
	}
	return buyVolume, sellVolume, buyVolume - sellVolume
}

// Depth aggregates the top-k levels on each side.
func (b *Book) Depth(k int) (bids, asks []Level) {
	bids = aggregate(b.bidPrices, b.bids, k)
	asks = aggregate(b.askPrices, b.asks, k)
	return bids, asks
}

// VWAP computes the volume-weighted average price over the top-k levels of
// one side; ok is false when the side is empty.
func (b *Book) VWAP(side domain.OrderSide, k int) (float64, bool) {
	prices, levels := b.bidPrices, b.bids
	if side == domain.SideSell {
		prices, levels = b.askPrices, b.asks
	}
	if k > len(prices) {
		k = len(prices)
	}

	var volume, weighted float64
	for _, price := range prices[:k] {
		for _, o := range levels[price] {
			volume += o.Remaining()
			weighted += price * o.Remaining()
		}
	}
	if volume <= 0 {
		return 0, false
	}
	return weighted / volume, true
}

func aggregate(prices []float64, levels map[float64][]*domain.Order, k int) []Level {
	if k > len(prices) {
		k = len(prices)
	}
	out := make([]Level, 0, k)
	for _, price := range prices[:k] {
		var qty float64
		for _, o := range levels[price] {
			qty += o.Remaining()
		}
		out = append(out, Level{Price: price, Qty: qty, Count: len(levels[price])})
	}
	return out
}

func updateStatus(o *domain.Order) {
	switch {
	case o.Remaining() <= qtyEpsilon:
		o.Filled = o.Qty
		o.Status = domain.StatusFilled
	case o.Filled > 0:
		o.Status = domain.StatusPartial
	default:
		o.Status = domain.StatusOpen
	}
}

func removeOrder(queue []*domain.Order, orderID string) []*domain.Order {
	for i, o := range queue {
		if o.OrderID == orderID {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func removePrice(prices []float64, price float64) []float64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
