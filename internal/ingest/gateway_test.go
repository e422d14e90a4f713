package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmarket/xmarket/internal/blend"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
	"github.com/xmarket/xmarket/internal/persistence/memory"
	"github.com/xmarket/xmarket/internal/scoring"
	"github.com/xmarket/xmarket/internal/signing"
)

const testSecret = "test-secret"

type fixture struct {
	store   *memory.Store
	gateway *Gateway
	hub     *broadcast.Hub
}

func seedInstruments(t *testing.T, store persistence.Store, symbols ...string) {
	t.Helper()
	ctx := context.Background()
	for _, sym := range symbols {
		require.NoError(t, store.Repos().Instruments.Create(ctx, domain.Instrument{
			Symbol:        sym,
			Name:          sym + " Inc",
			MarketWeight:  0.6,
			RealityWeight: 0.4,
			MinPrice:      0,
			MaxPrice:      100,
			CreatedAt:     time.Now().UTC(),
		}))
		require.NoError(t, store.Repos().Scores.Init(ctx, domain.Score{
			Symbol:       sym,
			RealityScore: 50,
			FinalPrice:   50,
			Confidence:   0,
			LastUpdated:  time.Now().UTC(),
		}))
	}
}

func newFixture(t *testing.T, symbols ...string) *fixture {
	t.Helper()
	store := memory.NewStore()
	seedInstruments(t, store, symbols...)
	scores := scoring.NewEngine(store)
	hub := broadcast.NewHub()
	blender := blend.New(store, scores, nil, hub)
	return &fixture{
		store:   store,
		gateway: New(testSecret, store, scores, blender, nil, hub),
		hub:     hub,
	}
}

func payload(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	body := map[string]interface{}{
		"event_id":                "6f1c1e9e-9d2b-4c6a-8f3e-1a2b3c4d5e6f",
		"timestamp":               time.Now().UTC().Format(time.RFC3339),
		"stocks":                  []string{"ELON"},
		"quick_score":             0.5,
		"impact_points":           10.0,
		"summary":                 "Launch succeeded",
		"sources":                 []map[string]interface{}{{"id": "reuters", "url": "https://reuters.example/1", "trust": 0.9}},
		"num_independent_sources": 1,
		"llm_mode":                "tiny",
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func sign(t *testing.T, raw []byte) string {
	t.Helper()
	sig, err := signing.Sign(testSecret, raw)
	require.NoError(t, err)
	return sig
}

func TestIngestFreshEvent(t *testing.T) {
	f := newFixture(t, "ELON")
	ctx := context.Background()

	raw := payload(t, nil)
	res, err := f.gateway.IngestEvent(ctx, raw, sign(t, raw))
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, res.Status)
	assert.Equal(t, "6f1c1e9e-9d2b-4c6a-8f3e-1a2b3c4d5e6f", res.EventID)

	score, err := f.store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.InDelta(t, 52.5, score.RealityScore, 1e-9)
	// Reality-only blend smoothed against the previous final of 50.
	assert.InDelta(t, 0.25*52.5+0.75*50, score.FinalPrice, 1e-9)

	changes, err := f.store.Repos().ScoreChanges.History(ctx, "ELON", time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.InDelta(t, 50.0, changes[0].OldScore, 1e-9)
	assert.InDelta(t, 52.5, changes[0].NewScore, 1e-9)
	assert.InDelta(t, 2.5, changes[0].Delta, 1e-9)

	stored, err := f.store.Repos().Events.GetByEventID(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)

	calls, err := f.store.Repos().LLMCalls.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "tiny", calls[0].LLMMode)
}

func TestIngestBroadcasts(t *testing.T) {
	f := newFixture(t, "ELON")
	sub := f.hub.Subscribe()
	defer f.hub.Unsubscribe(sub)

	raw := payload(t, nil)
	_, err := f.gateway.IngestEvent(context.Background(), raw, sign(t, raw))
	require.NoError(t, err)

	first := <-sub.C()
	require.Equal(t, broadcast.TypeRealityUpdate, first.Type)
	reality := first.Payload.(broadcast.RealityUpdate)
	assert.InDelta(t, 52.5, reality.RealityScore, 1e-9)
	assert.InDelta(t, 2.5, reality.Delta, 1e-9)

	second := <-sub.C()
	require.Equal(t, broadcast.TypeFinalUpdate, second.Type)
	final := second.Payload.(broadcast.FinalUpdate)
	assert.Nil(t, final.Components.Market)
	assert.InDelta(t, 0.4, final.Components.Weights.Reality, 1e-9)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t, "ELON")
	raw := payload(t, nil)

	for _, sig := range []string{"", "deadbeef", sign(t, []byte(`{"other":1}`))} {
		_, err := f.gateway.IngestEvent(context.Background(), raw, sig)
		require.Error(t, err)
		assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, "ELON")

	cases := []struct {
		name      string
		overrides map[string]interface{}
	}{
		{"impact above cap", map[string]interface{}{"impact_points": 100}},
		{"impact below cap", map[string]interface{}{"impact_points": -21}},
		{"bad uuid", map[string]interface{}{"event_id": "not-a-uuid"}},
		{"no stocks", map[string]interface{}{"stocks": []string{}}},
		{"duplicate stocks", map[string]interface{}{"stocks": []string{"ELON", "ELON"}}},
		{"quick score out of range", map[string]interface{}{"quick_score": 1.5}},
		{"no sources", map[string]interface{}{"sources": []map[string]interface{}{}}},
		{"bad trust", map[string]interface{}{"sources": []map[string]interface{}{{"id": "x", "trust": 1.5}}}},
		{"zero independent sources", map[string]interface{}{"num_independent_sources": 0}},
		{"bad llm mode", map[string]interface{}{"llm_mode": "gpt4"}},
		{"summary too long", map[string]interface{}{"summary": strings.Repeat("a", 2001)}},
		{"missing timestamp", map[string]interface{}{"timestamp": nil}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := payload(t, tc.overrides)
			_, err := f.gateway.IngestEvent(context.Background(), raw, sign(t, raw))
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		raw := []byte(`{"event_id": `)
		sig, err := signing.Sign(testSecret, []byte(`{}`))
		require.NoError(t, err)
		_, err = f.gateway.IngestEvent(context.Background(), raw, sig)
		require.Error(t, err)
		assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err), "unparseable bytes cannot be canonicalized")
	})
}

func TestIngestCapViolationLeavesNoState(t *testing.T) {
	f := newFixture(t, "ELON")
	ctx := context.Background()

	raw := payload(t, map[string]interface{}{"impact_points": 100})
	_, err := f.gateway.IngestEvent(ctx, raw, sign(t, raw))
	require.Error(t, err)

	score, err := f.store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.Equal(t, 50.0, score.RealityScore)

	changes, err := f.store.Repos().ScoreChanges.History(ctx, "ELON", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestIngestDuplicate(t *testing.T) {
	f := newFixture(t, "ELON")
	ctx := context.Background()
	raw := payload(t, nil)
	sig := sign(t, raw)

	res, err := f.gateway.IngestEvent(ctx, raw, sig)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)

	res, err = f.gateway.IngestEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, "6f1c1e9e-9d2b-4c6a-8f3e-1a2b3c4d5e6f", res.EventID)

	changes, err := f.store.Repos().ScoreChanges.History(ctx, "ELON", time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 1, "replay adds no score change")
}

func TestIngestUnknownStock(t *testing.T) {
	f := newFixture(t, "ELON")

	raw := payload(t, map[string]interface{}{"stocks": []string{"ELON", "GHOST"}})
	_, err := f.gateway.IngestEvent(context.Background(), raw, sign(t, raw))
	require.Error(t, err)
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
	assert.Contains(t, domain.DetailOf(err), "GHOST")
}

func TestIngestSuspiciousEventQuarantined(t *testing.T) {
	f := newFixture(t, "ELON")
	ctx := context.Background()
	sub := f.hub.Subscribe()
	defer f.hub.Unsubscribe(sub)

	raw := payload(t, map[string]interface{}{"impact_points": 18})
	res, err := f.gateway.IngestEvent(ctx, raw, sign(t, raw))
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, res.Status)
	assert.NotEmpty(t, res.Reason)

	// Score untouched, event parked unprocessed.
	score, err := f.store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.Equal(t, 50.0, score.RealityScore)

	stored, err := f.store.Repos().Events.GetByEventID(ctx, res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)

	pending, err := f.store.Repos().Audits.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.EventID, pending[0].EventID)
	assert.Equal(t, domain.AuditPending, pending[0].State)

	msg := <-sub.C()
	require.Equal(t, broadcast.TypeAuditEvent, msg.Type)
	audit := msg.Payload.(broadcast.AuditEvent)
	assert.Equal(t, domain.AuditPending, audit.State)
	assert.Equal(t, "ELON", audit.Symbol)
	assert.InDelta(t, 18.0, audit.Delta, 1e-9)
}

func TestIngestMultiSymbolAppliesEach(t *testing.T) {
	f := newFixture(t, "ELON", "MARS")
	ctx := context.Background()

	raw := payload(t, map[string]interface{}{"stocks": []string{"ELON", "MARS"}})
	res, err := f.gateway.IngestEvent(ctx, raw, sign(t, raw))
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)

	for _, sym := range []string{"ELON", "MARS"} {
		score, err := f.store.Repos().Scores.Get(ctx, sym)
		require.NoError(t, err)
		assert.InDelta(t, 52.5, score.RealityScore, 1e-9, sym)
	}
}

// flakyStore delegates to a real store but fails every transaction after
// the first failAfter have gone through, imitating a database that drops
// out mid-pipeline.
type flakyStore struct {
	persistence.Store
	mu        sync.Mutex
	txSeen    int
	failAfter int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(persistence.Repos) error) error {
	s.mu.Lock()
	s.txSeen++
	fail := s.failAfter > 0 && s.txSeen > s.failAfter
	s.mu.Unlock()
	if fail {
		return assert.AnError
	}
	return s.Store.WithTx(ctx, fn)
}

func newFlakyFixture(t *testing.T, symbols ...string) (*flakyStore, *Gateway) {
	t.Helper()
	store := &flakyStore{Store: memory.NewStore()}
	seedInstruments(t, store, symbols...)
	scores := scoring.NewEngine(store)
	return store, New(testSecret, store, scores, blend.New(store, scores, nil, nil), nil, nil)
}

func TestIngestReplayFinishesUnprocessedEvent(t *testing.T) {
	ctx := context.Background()
	store, gw := newFlakyFixture(t, "ELON")
	raw := payload(t, nil)
	sig := sign(t, raw)

	// The recording transaction commits, then the apply transaction fails,
	// stranding the event row with processed=false.
	store.failAfter = 1
	_, err := gw.IngestEvent(ctx, raw, sig)
	require.Error(t, err)

	stored, err := store.Repos().Events.GetByEventID(ctx, "6f1c1e9e-9d2b-4c6a-8f3e-1a2b3c4d5e6f")
	require.NoError(t, err)
	require.False(t, stored.Processed)
	score, err := store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	require.Equal(t, 50.0, score.RealityScore)

	// Replaying the identical payload once the store recovers finishes the
	// apply and still answers duplicate.
	store.failAfter = 0
	res, err := gw.IngestEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)

	score, err = store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.InDelta(t, 52.5, score.RealityScore, 1e-9)

	stored, err = store.Repos().Events.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)

	changes, err := store.Repos().ScoreChanges.History(ctx, "ELON", time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestIngestReplaySkipsAlreadyAppliedSymbols(t *testing.T) {
	ctx := context.Background()
	store, gw := newFlakyFixture(t, "ELON", "MARS")
	raw := payload(t, map[string]interface{}{"stocks": []string{"ELON", "MARS"}})
	sig := sign(t, raw)

	// Recording and the first symbol commit; the second symbol's
	// transaction fails.
	store.failAfter = 2
	_, err := gw.IngestEvent(ctx, raw, sig)
	require.Error(t, err)

	score, err := store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	require.InDelta(t, 52.5, score.RealityScore, 1e-9)
	score, err = store.Repos().Scores.Get(ctx, "MARS")
	require.NoError(t, err)
	require.Equal(t, 50.0, score.RealityScore)

	// The replay applies only the missing symbol; the one that already
	// committed is not applied twice.
	store.failAfter = 0
	res, err := gw.IngestEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)

	for _, sym := range []string{"ELON", "MARS"} {
		score, err := store.Repos().Scores.Get(ctx, sym)
		require.NoError(t, err)
		assert.InDelta(t, 52.5, score.RealityScore, 1e-9, sym)
		changes, err := store.Repos().ScoreChanges.History(ctx, sym, time.Time{})
		require.NoError(t, err)
		assert.Len(t, changes, 1, sym)
	}

	stored, err := store.Repos().Events.GetByEventID(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestIngestReplayLeavesQuarantinedEventAlone(t *testing.T) {
	f := newFixture(t, "ELON")
	ctx := context.Background()
	raw := payload(t, map[string]interface{}{"impact_points": 18})
	sig := sign(t, raw)

	res, err := f.gateway.IngestEvent(ctx, raw, sig)
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, res.Status)

	// The quarantined row is unprocessed too, but it belongs to the audit
	// workflow: a replay must not push its score through.
	res, err = f.gateway.IngestEvent(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)

	score, err := f.store.Repos().Scores.Get(ctx, "ELON")
	require.NoError(t, err)
	assert.Equal(t, 50.0, score.RealityScore)

	stored, err := f.store.Repos().Events.GetByEventID(ctx, res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
}

func TestIngestPersistFailureLeavesUnprocessed(t *testing.T) {
	f := newFixture(t, "ELON")
	ctx := context.Background()

	raw := payload(t, nil)
	res, err := f.gateway.IngestEvent(ctx, raw, sign(t, raw))
	require.NoError(t, err)

	// Second event; fail writes after the event row tx would succeed.
	raw2 := payload(t, map[string]interface{}{"event_id": "7a2d2f0f-0e3c-4d7b-9f4f-2b3c4d5e6f70"})
	f.store.FailWrites = assert.AnError
	_, err = f.gateway.IngestEvent(ctx, raw2, sign(t, raw2))
	require.Error(t, err)
	f.store.FailWrites = nil

	// First event unaffected; failed event left no rows at all (its
	// recording transaction rolled back).
	stored, err := f.store.Repos().Events.GetByEventID(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)

	exists, err := f.store.Repos().Events.Exists(ctx, "7a2d2f0f-0e3c-4d7b-9f4f-2b3c4d5e6f70")
	require.NoError(t, err)
	assert.False(t, exists)
}
