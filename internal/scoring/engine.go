// Package scoring maintains per-instrument reality scores: lazy
// exponential decay toward neutral, per-event impact capping and EWMA
// smoothing, composed in that fixed order.
package scoring

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/metrics"
	"github.com/xmarket/xmarket/internal/persistence"
)

// Decay returns current relaxed toward neutral by exp(-age/Tau). Pure.
func Decay(current float64, age time.Duration) float64 {
	if age <= 0 {
		return current
	}
	factor := math.Exp(-age.Seconds() / config.Tau.Seconds())
	return current*factor + config.NeutralScore*(1-factor)
}

// CapImpact clamps an event's impact points to ±DeltaCap.
func CapImpact(points float64) float64 {
	return domain.Clamp(points, -config.DeltaCap, config.DeltaCap)
}

// Smooth applies EWMA: alpha·target + (1-alpha)·prev.
func Smooth(prev, target float64) float64 {
	return config.EWMAAlpha*target + (1-config.EWMAAlpha)*prev
}

// NextScore composes decay, cap and EWMA for one event at time now, given
// the persisted score and its checkpoint. The result is clamped to the
// score scale.
func NextScore(persisted float64, lastUpdated, now time.Time, impactPoints float64) (decayed, next float64) {
	decayed = Decay(persisted, now.Sub(lastUpdated))
	capped := CapImpact(impactPoints)
	next = Smooth(decayed, decayed+capped)
	next = domain.Clamp(next, config.MinPrice, config.MaxPrice)
	return decayed, next
}

// NextConfidence raises confidence logarithmically with corroborating
// documents; it never decreases here.
func NextConfidence(prev float64, numRelatedDocs int) float64 {
	if numRelatedDocs < 0 {
		numRelatedDocs = 0
	}
	boost := 0.1 * math.Log(1+float64(numRelatedDocs))
	return math.Min(1, prev+boost)
}

// Engine owns the per-symbol serialization points. Every score mutation
// for a symbol happens inside Lock(symbol); reads are lock-free and
// non-persisting.
type Engine struct {
	store   persistence.Store
	metrics *metrics.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine builds an Engine over the store.
func NewEngine(store persistence.Store) *Engine {
	return &Engine{store: store, locks: make(map[string]*sync.Mutex)}
}

// Observe wires score-change counters. Optional; call before serving.
func (e *Engine) Observe(m *metrics.Registry) { e.metrics = m }

// Lock acquires the symbol's critical region and returns its release.
// Regions never span two symbols; multi-symbol events take them one at a
// time.
func (e *Engine) Lock(symbol string) func() {
	e.mu.Lock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Read returns the decayed score without persisting the decay, so two
// consecutive reads with no intervening write observe the same value.
func (e *Engine) Read(ctx context.Context, symbol string) (domain.Score, error) {
	score, err := e.store.Repos().Scores.Get(ctx, symbol)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return domain.Score{}, domain.Ef(domain.KindNotFound, "no score for %s", symbol)
		}
		return domain.Score{}, err
	}
	now := time.Now().UTC()
	score.RealityScore = domain.Clamp(Decay(score.RealityScore, now.Sub(score.LastUpdated)), config.MinPrice, config.MaxPrice)
	return score, nil
}

// ApplyResult reports one committed score mutation.
type ApplyResult struct {
	Symbol     string
	OldScore   float64
	NewScore   float64
	Delta      float64
	Confidence float64
}

// Apply runs the decay→cap→EWMA pipeline for one event against one symbol
// and persists the score row plus a ScoreChange through repos. The caller
// must hold Lock(symbol) and supply transaction-scoped repos; recomputation
// after a failed attempt must re-read, which this does.
func (e *Engine) Apply(ctx context.Context, repos persistence.Repos, ev domain.Event, symbol string, now time.Time) (ApplyResult, error) {
	score, err := repos.Scores.Get(ctx, symbol)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return ApplyResult{}, domain.Ef(domain.KindNotFound, "no score for %s", symbol)
		}
		return ApplyResult{}, err
	}

	old := score.RealityScore
	decayed, next := NextScore(old, score.LastUpdated, now, ev.ImpactPoints)

	score.RealityScore = next
	score.Confidence = NextConfidence(score.Confidence, ev.NumIndependentSources)
	score.LastUpdated = now

	if err := repos.Scores.Update(ctx, score); err != nil {
		return ApplyResult{}, err
	}
	change := domain.ScoreChange{
		Symbol:    symbol,
		EventID:   ev.EventID,
		OldScore:  decayed,
		NewScore:  next,
		Delta:     next - decayed,
		Timestamp: now,
	}
	if err := repos.ScoreChanges.Insert(ctx, change); err != nil {
		return ApplyResult{}, err
	}

	log.Debug().
		Str("symbol", symbol).
		Str("event_id", ev.EventID).
		Float64("old", decayed).
		Float64("new", next).
		Msg("score applied")
	if e.metrics != nil {
		e.metrics.ScoreChanges.WithLabelValues(symbol).Inc()
	}

	return ApplyResult{
		Symbol:     symbol,
		OldScore:   decayed,
		NewScore:   next,
		Delta:      next - decayed,
		Confidence: score.Confidence,
	}, nil
}
