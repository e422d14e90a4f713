package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmarket/xmarket/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func limit(id string, side domain.OrderSide, price, qty float64) *domain.Order {
	return &domain.Order{
		OrderID:   id,
		UserID:    "u-" + id,
		Symbol:    "ACME",
		Side:      side,
		Type:      domain.TypeLimit,
		Price:     ptr(price),
		Qty:       qty,
		Status:    domain.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
}

func market(id string, side domain.OrderSide, qty float64) *domain.Order {
	return &domain.Order{
		OrderID:   id,
		UserID:    "u-" + id,
		Symbol:    "ACME",
		Side:      side,
		Type:      domain.TypeMarket,
		Qty:       qty,
		Status:    domain.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMatchPriceTimePriority(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	// A and C share a price level; B is more aggressive, A arrived before C.
	b.Match(limit("A", domain.SideBuy, 60, 10), now)
	b.Match(limit("B", domain.SideBuy, 61, 10), now)
	b.Match(limit("C", domain.SideBuy, 60, 10), now)

	sell := limit("S", domain.SideSell, 59, 25)
	trades, touched := b.Match(sell, now)

	require.Len(t, trades, 3)
	assert.Equal(t, 61.0, trades[0].Price)
	assert.Equal(t, 10.0, trades[0].Qty)
	assert.Equal(t, "B", trades[0].BuyOrderID)
	assert.Equal(t, "S", trades[0].SellOrderID)

	assert.Equal(t, 60.0, trades[1].Price)
	assert.Equal(t, 10.0, trades[1].Qty)
	assert.Equal(t, "A", trades[1].BuyOrderID)

	assert.Equal(t, 60.0, trades[2].Price)
	assert.Equal(t, 5.0, trades[2].Qty)
	assert.Equal(t, "C", trades[2].BuyOrderID)

	require.Len(t, touched, 3)
	assert.Equal(t, domain.StatusFilled, sell.Status)
	assert.Equal(t, 25.0, sell.Filled)

	// C keeps its residual 5 at the top of the bid ladder.
	c, ok := b.Resting("C")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPartial, c.Status)
	assert.Equal(t, 5.0, c.Filled)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, 60.0, bid)
}

func TestMatchTradesAtMakerPrice(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("M", domain.SideSell, 55, 10), now)
	trades, _ := b.Match(limit("T", domain.SideBuy, 58, 10), now)

	require.Len(t, trades, 1)
	assert.Equal(t, 55.0, trades[0].Price, "price improvement goes to the taker")
}

func TestLimitRemainderRests(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("M", domain.SideSell, 50, 4), now)
	taker := limit("T", domain.SideBuy, 50, 10)
	trades, _ := b.Match(taker, now)

	require.Len(t, trades, 1)
	assert.Equal(t, 4.0, trades[0].Qty)
	assert.Equal(t, domain.StatusPartial, taker.Status)

	rested, ok := b.Resting("T")
	require.True(t, ok)
	assert.Equal(t, 6.0, rested.Remaining())

	_, ok = b.BestAsk()
	assert.False(t, ok, "maker side fully consumed")
}

func TestMarketRemainderCancels(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("M", domain.SideSell, 50, 3), now)
	taker := market("T", domain.SideBuy, 10)
	trades, _ := b.Match(taker, now)

	require.Len(t, trades, 1)
	assert.Equal(t, 3.0, trades[0].Qty)
	assert.Equal(t, domain.StatusCancelled, taker.Status)
	assert.Equal(t, 3.0, taker.Filled)

	_, ok := b.Resting("T")
	assert.False(t, ok, "market orders never rest")
}

func TestMarketOrderIntoEmptyBookCancels(t *testing.T) {
	b := NewBook("ACME")
	taker := market("T", domain.SideSell, 5)
	trades, touched := b.Match(taker, time.Now().UTC())

	assert.Empty(t, trades)
	assert.Empty(t, touched)
	assert.Equal(t, domain.StatusCancelled, taker.Status)
}

func TestLimitDoesNotCrossWorsePrice(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("M", domain.SideSell, 60, 10), now)
	taker := limit("T", domain.SideBuy, 59, 10)
	trades, _ := b.Match(taker, now)

	assert.Empty(t, trades)
	assert.Equal(t, domain.StatusOpen, taker.Status)

	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, 59.0, bid)
	assert.Equal(t, 60.0, ask)
}

func TestCancelPartialKeepsFill(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("M", domain.SideBuy, 50, 10), now)
	b.Match(limit("T", domain.SideSell, 50, 4), now)

	o, ok := b.Cancel("M")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, o.Status)
	assert.Equal(t, 4.0, o.Filled)

	_, ok = b.BestBid()
	assert.False(t, ok, "cancel empties the level")

	_, ok = b.Cancel("M")
	assert.False(t, ok, "second cancel finds nothing resting")
}

func TestMarketPriceFallbacks(t *testing.T) {
	now := time.Now().UTC()

	b := NewBook("ACME")
	assert.Equal(t, 50.0, b.MarketPrice(), "empty book reports neutral")

	b.Match(limit("B1", domain.SideBuy, 40, 1), now)
	assert.Equal(t, 40.0, b.MarketPrice(), "bid only")

	b.Match(limit("S1", domain.SideSell, 60, 1), now)
	assert.Equal(t, 50.0, b.MarketPrice(), "mid of 40/60")

	// Trade through both sides, then the last trade carries the price.
	b.Match(market("T1", domain.SideBuy, 1), now)
	b.Match(market("T2", domain.SideSell, 1), now)
	assert.Equal(t, 40.0, b.MarketPrice(), "last trade at the bid")
}

func TestPressureCountsRestingOnly(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("B1", domain.SideBuy, 40, 10), now)
	b.Match(limit("B2", domain.SideBuy, 41, 5), now)
	b.Match(limit("S1", domain.SideSell, 60, 7), now)

	buy, sell, net := b.Pressure()
	assert.Equal(t, 15.0, buy)
	assert.Equal(t, 7.0, sell)
	assert.Equal(t, 8.0, net)

	// Consuming part of the ask shrinks sell pressure.
	b.Match(market("T", domain.SideBuy, 3), now)
	_, sell, _ = b.Pressure()
	assert.Equal(t, 4.0, sell)
}

func TestDepthAndVWAP(t *testing.T) {
	b := NewBook("ACME")
	now := time.Now().UTC()

	b.Match(limit("B1", domain.SideBuy, 40, 10), now)
	b.Match(limit("B2", domain.SideBuy, 42, 10), now)
	b.Match(limit("B3", domain.SideBuy, 41, 10), now)
	b.Match(limit("S1", domain.SideSell, 60, 5), now)

	bids, asks := b.Depth(2)
	require.Len(t, bids, 2)
	assert.Equal(t, 42.0, bids[0].Price)
	assert.Equal(t, 41.0, bids[1].Price)
	require.Len(t, asks, 1)
	assert.Equal(t, 60.0, asks[0].Price)
	assert.Equal(t, 5.0, asks[0].Qty)
	assert.Equal(t, 1, asks[0].Count)

	v, ok := b.VWAP(domain.SideBuy, 2)
	require.True(t, ok)
	assert.InDelta(t, 41.5, v, 1e-9)

	_, ok = NewBook("EMPTY").VWAP(domain.SideBuy, 2)
	assert.False(t, ok)
}

func TestInsertReplaysWithoutMatching(t *testing.T) {
	b := NewBook("ACME")

	// Crossed pair: replay must not trade them against each other.
	buy := limit("B", domain.SideBuy, 60, 10)
	sell := limit("S", domain.SideSell, 55, 10)
	b.Insert(buy)
	b.Insert(sell)

	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, 60.0, bid)
	assert.Equal(t, 55.0, ask)
	assert.Equal(t, domain.StatusOpen, buy.Status)
	assert.Equal(t, domain.StatusOpen, sell.Status)
}
