package scoring

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence/memory"
)

func TestDecay(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		age     time.Duration
		want    float64
	}{
		{name: "no_age_no_decay", current: 70, age: 0, want: 70},
		{name: "one_tau", current: 70, age: 48 * time.Hour, want: 70*math.Exp(-1) + 50*(1-math.Exp(-1))},
		{name: "neutral_stays_neutral", current: 50, age: 100 * time.Hour, want: 50},
		{name: "below_neutral_rises", current: 30, age: 48 * time.Hour, want: 30*math.Exp(-1) + 50*(1-math.Exp(-1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Decay(tt.current, tt.age), 1e-9)
		})
	}
}

func TestNextScore_FreshPositiveEvent(t *testing.T) {
	// Score 50, event +10, no elapsed time:
	// 0.25*(50+10) + 0.75*50 = 52.5
	now := time.Now().UTC()
	decayed, next := NextScore(50, now, now, 10)
	assert.InDelta(t, 50.0, decayed, 1e-9)
	assert.InDelta(t, 52.5, next, 1e-9)
}

func TestNextScore_CapsImpact(t *testing.T) {
	now := time.Now().UTC()
	_, withCap := NextScore(50, now, now, 100)
	_, atCap := NextScore(50, now, now, 20)
	assert.InDelta(t, atCap, withCap, 1e-9)

	_, negCap := NextScore(50, now, now, -100)
	assert.InDelta(t, 45, negCap, 1e-9) // 0.25*(50-20) + 0.75*50
}

func TestNextScore_ClampsToScale(t *testing.T) {
	now := time.Now().UTC()
	_, next := NextScore(99.5, now, now, 20)
	assert.LessOrEqual(t, next, 100.0)

	_, next = NextScore(0.5, now, now, -20)
	assert.GreaterOrEqual(t, next, 0.0)
}

func TestNextConfidence(t *testing.T) {
	assert.InDelta(t, 0.5+0.1*math.Log(2), NextConfidence(0.5, 1), 1e-9)
	assert.Equal(t, 1.0, NextConfidence(0.99, 100))
	// Never decreases.
	assert.GreaterOrEqual(t, NextConfidence(0.7, 0), 0.7)
}

func TestEngine_Read_LazyDecayIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	last := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Repos().Scores.Init(ctx, domain.Score{
		Symbol: "ELON", RealityScore: 70, FinalPrice: 70, Confidence: 0.5, LastUpdated: last,
	}))

	eng := NewEngine(store)

	first, err := eng.Read(ctx, "ELON")
	require.NoError(t, err)
	second, err := eng.Read(ctx, "ELON")
	require.NoError(t, err)

	want := 70*math.Exp(-1) + 50*(1-math.Exp(-1)) // ≈ 57.36
	assert.InDelta(t, want, first.RealityScore, 0.01)
	assert.InDelta(t, first.RealityScore, second.RealityScore, 0.001)

	// Persisted state untouched.
	raw, err := store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.Equal(t, 70.0, raw.RealityScore)
	assert.Equal(t, last, raw.LastUpdated)
}

func TestEngine_Read_UnknownSymbol(t *testing.T) {
	eng := NewEngine(memory.NewStore())
	_, err := eng.Read(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestEngine_Apply_PersistsScoreAndChange(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Repos().Scores.Init(ctx, domain.Score{
		Symbol: "ELON", RealityScore: 50, FinalPrice: 50, Confidence: 0.5, LastUpdated: now,
	}))

	eng := NewEngine(store)
	unlock := eng.Lock("ELON")
	defer unlock()

	ev := domain.Event{
		EventID:               "11111111-1111-1111-1111-111111111111",
		ImpactPoints:          10,
		NumIndependentSources: 1,
	}
	res, err := eng.Apply(ctx, store.Repos(), ev, "ELON", now)
	require.NoError(t, err)

	assert.InDelta(t, 50.0, res.OldScore, 1e-9)
	assert.InDelta(t, 52.5, res.NewScore, 1e-9)
	assert.InDelta(t, 2.5, res.Delta, 1e-9)

	score, err := store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.InDelta(t, 52.5, score.RealityScore, 1e-9)
	assert.Equal(t, now, score.LastUpdated)

	changes, err := store.Repos().ScoreChanges.History(ctx, "ELON", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.InDelta(t, 2.5, changes[0].Delta, 1e-9)
	assert.Equal(t, ev.EventID, changes[0].EventID)
}

func TestEngine_Apply_FailedPersistLeavesNoChange(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Repos().Scores.Init(ctx, domain.Score{
		Symbol: "ELON", RealityScore: 50, FinalPrice: 50, Confidence: 0.5, LastUpdated: now,
	}))

	store.FailWrites = assert.AnError
	eng := NewEngine(store)

	_, err := eng.Apply(ctx, store.Repos(), domain.Event{EventID: "e1", ImpactPoints: 10}, "ELON", now)
	require.Error(t, err)

	store.FailWrites = nil
	changes, err := store.Repos().ScoreChanges.History(ctx, "ELON", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, changes)
}
