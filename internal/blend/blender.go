// Package blend combines each instrument's reality score with its market
// price into the final price the system reports.
package blend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/book"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/marketdata"
	"github.com/xmarket/xmarket/internal/metrics"
	"github.com/xmarket/xmarket/internal/persistence"
	"github.com/xmarket/xmarket/internal/scoring"
)

// Result is one committed blend pass.
type Result struct {
	Symbol     string
	FinalPrice float64
	Market     *float64
	Reality    float64
	Weights    broadcast.Weights
	Pressure   *book.Pressure
}

// Compute blends one instrument. market is nil when the market side is
// unavailable, in which case the raw price is the reality score alone. The
// raw price clamps to the instrument's band, then smooths against the
// previous final price.
func Compute(inst domain.Instrument, reality, prevFinal float64, market *float64) float64 {
	raw := reality
	if market != nil {
		raw = inst.MarketWeight**market + inst.RealityWeight*reality
	}
	raw = domain.Clamp(raw, inst.MinPrice, inst.MaxPrice)
	return scoring.Smooth(prevFinal, raw)
}

// Blender runs blend passes. Pass scheduling collapses bursts: triggers
// that arrive while a pass for the same symbol is pending or in flight
// yield at most one trailing pass.
type Blender struct {
	store   persistence.Store
	scores  *scoring.Engine
	market  marketdata.Source
	hub     *broadcast.Hub
	metrics *metrics.Registry

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// New builds a Blender. hub may be nil (no broadcasting).
func New(store persistence.Store, scores *scoring.Engine, market marketdata.Source, hub *broadcast.Hub) *Blender {
	return &Blender{
		store:   store,
		scores:  scores,
		market:  market,
		hub:     hub,
		pending: make(map[string]chan struct{}),
	}
}

// Observe wires blend-pass counters. Optional; call before serving.
func (b *Blender) Observe(m *metrics.Registry) { b.metrics = m }

// Apply runs one blend inside the caller's critical region and transaction.
// The caller holds the symbol lock; repos are tx-scoped. Used by the ingest
// path, where score update and blend commit together.
func (b *Blender) Apply(ctx context.Context, repos persistence.Repos, symbol string, now time.Time) (Result, error) {
	inst, err := repos.Instruments.Get(ctx, symbol)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Result{}, domain.Ef(domain.KindNotFound, "unknown instrument %s", symbol)
		}
		return Result{}, err
	}
	score, err := repos.Scores.Get(ctx, symbol)
	if err != nil {
		return Result{}, err
	}

	// Materialize decay before advancing last_updated, so a blend pass with
	// no score change never freezes the decay clock.
	reality := domain.Clamp(scoring.Decay(score.RealityScore, now.Sub(score.LastUpdated)), config.MinPrice, config.MaxPrice)

	pressure := b.fetchMarket(ctx, symbol)
	var market *float64
	if pressure != nil && pressure.HasMarket {
		market = &pressure.MarketPrice
	}
	final := Compute(inst, reality, score.FinalPrice, market)

	score.RealityScore = reality
	score.FinalPrice = final
	score.LastUpdated = now
	if err := repos.Scores.Update(ctx, score); err != nil {
		return Result{}, err
	}

	return Result{
		Symbol:     symbol,
		FinalPrice: final,
		Market:     market,
		Reality:    score.RealityScore,
		Weights:    broadcast.Weights{Market: inst.MarketWeight, Reality: inst.RealityWeight},
		Pressure:   pressure,
	}, nil
}

// fetchMarket returns nil when the matching side cannot be reached. A
// reachable book with no orders and no trade history comes back with
// HasMarket false; the blend then runs reality-only but the pressure data
// is still broadcast.
func (b *Blender) fetchMarket(ctx context.Context, symbol string) *book.Pressure {
	if b.market == nil {
		return nil
	}
	p, err := b.market.Pressure(ctx, symbol)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("market side unavailable for blend")
		return nil
	}
	return &p
}

// Trigger schedules a standalone blend pass for the symbol. Safe to call
// from any goroutine; bursts collapse.
func (b *Blender) Trigger(symbol string) {
	b.mu.Lock()
	ch, ok := b.pending[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		b.pending[symbol] = ch
		go b.worker(symbol, ch)
	}
	b.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
		// A pass is already queued; it will observe this change too.
	}
}

func (b *Blender) worker(symbol string, ch chan struct{}) {
	for range ch {
		if err := b.Pass(context.Background(), symbol); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("blend pass failed")
		}
	}
}

// Pass runs one full blend for the symbol: takes the symbol lock, commits
// the new final price, then broadcasts the final update.
func (b *Blender) Pass(ctx context.Context, symbol string) error {
	unlock := b.scores.Lock(symbol)
	defer unlock()

	now := time.Now().UTC()
	var res Result
	err := b.store.WithTx(ctx, func(repos persistence.Repos) error {
		var err error
		res, err = b.Apply(ctx, repos, symbol, now)
		return err
	})
	if err != nil {
		return err
	}

	if b.metrics != nil {
		mode := "reality"
		if res.Market != nil {
			mode = "market"
		}
		b.metrics.BlendPasses.WithLabelValues(mode).Inc()
		b.metrics.BlendDuration.Observe(time.Since(now).Seconds())
	}
	b.Announce(res, now)
	return nil
}

// Announce publishes a committed blend: the market snapshot when one was
// fetched, then the final update.
func (b *Blender) Announce(res Result, now time.Time) {
	if b.hub == nil {
		return
	}
	if p := res.Pressure; p != nil {
		b.hub.Publish(broadcast.MarketUpdate{
			Symbol:      p.Symbol,
			MarketPrice: p.MarketPrice,
			BuyVolume:   p.BuyVolume,
			SellVolume:  p.SellVolume,
			NetPressure: p.NetPressure,
			Timestamp:   p.Timestamp,
		})
	}
	b.hub.Publish(broadcast.FinalUpdate{
		Symbol:     res.Symbol,
		FinalPrice: res.FinalPrice,
		Components: broadcast.Components{
			Market:  res.Market,
			Reality: res.Reality,
			Weights: res.Weights,
		},
		Timestamp: now,
	})
}

// ValidateWeights checks the instrument weight invariant.
func ValidateWeights(marketWeight, realityWeight float64) error {
	if marketWeight < 0 || marketWeight > 1 || realityWeight < 0 || realityWeight > 1 {
		return domain.E(domain.KindValidation, "weights must be in [0,1]")
	}
	if diff := marketWeight + realityWeight - 1; diff > config.WeightSumEpsilon || diff < -config.WeightSumEpsilon {
		return domain.E(domain.KindValidation, "weights must sum to 1")
	}
	return nil
}
