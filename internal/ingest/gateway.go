// Package ingest is the signed event-ingress gateway: authentication,
// schema validation, idempotency, suspicion gating, and hand-off to the
// scoring and blending pipeline.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/blend"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/cache"
	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
	"github.com/xmarket/xmarket/internal/scoring"
	"github.com/xmarket/xmarket/internal/signing"
)

// Status is the ingest decision for an accepted payload.
type Status string

const (
	StatusCreated       Status = "created"
	StatusDuplicate     Status = "duplicate"
	StatusPendingReview Status = "pending_review"
)

// Result reports the gateway's decision. Rejections come back as errors
// carrying a domain.Kind instead.
type Result struct {
	Status  Status
	EventID string
	Reason  string
}

// Gateway runs the ingest pipeline. One instance serves all symbols;
// per-symbol ordering comes from the scoring engine's serialization
// points.
type Gateway struct {
	secret  string
	store   persistence.Store
	scores  *scoring.Engine
	blender *blend.Blender
	idem    *cache.Idempotency
	hub     *broadcast.Hub
}

// New builds a Gateway. idem and hub may be nil.
func New(secret string, store persistence.Store, scores *scoring.Engine, blender *blend.Blender, idem *cache.Idempotency, hub *broadcast.Hub) *Gateway {
	if idem == nil {
		idem = cache.NewIdempotency(nil)
	}
	return &Gateway{
		secret:  secret,
		store:   store,
		scores:  scores,
		blender: blender,
		idem:    idem,
		hub:     hub,
	}
}

// IngestEvent authenticates and applies one event. Validation is
// fail-fast: signature, then schema, then idempotency, then referenced
// instruments, then the suspicion rules. Replays are cheap: the
// idempotency check runs before any expensive work.
func (g *Gateway) IngestEvent(ctx context.Context, payload []byte, signature string) (Result, error) {
	if signature == "" || !signing.Verify(g.secret, payload, signature) {
		return Result{}, domain.E(domain.KindUnauthorized, "invalid signature")
	}

	ev, err := parseEvent(payload)
	if err != nil {
		return Result{}, err
	}

	if g.idem.Seen(ctx, ev.EventID) {
		return Result{Status: StatusDuplicate, EventID: ev.EventID}, nil
	}
	known, err := g.store.Repos().Events.Exists(ctx, ev.EventID)
	if err != nil {
		return Result{}, err
	}
	if known {
		return g.resume(ctx, ev)
	}

	missing, err := g.store.Repos().Instruments.Missing(ctx, ev.Stocks)
	if err != nil {
		return Result{}, err
	}
	if len(missing) > 0 {
		return Result{}, domain.Ef(domain.KindBadRequest, "unknown stocks: %v", missing)
	}

	now := time.Now().UTC()
	res, err := g.record(ctx, ev, now)
	if err != nil || res.Status != StatusCreated {
		return res, err
	}

	if err := g.apply(ctx, ev, now); err != nil {
		// Event row stays processed=false; resume picks it up on the next
		// replay of the same payload.
		return Result{}, err
	}

	g.idem.Mark(ctx, ev.EventID)
	return Result{Status: StatusCreated, EventID: ev.EventID}, nil
}

// resume handles a replay of an already-recorded event. When the first
// attempt committed the event row but failed before the score reached the
// book, the replay finishes the apply phase; quarantined events stay with
// the audit workflow. Either way the caller sees a duplicate.
func (g *Gateway) resume(ctx context.Context, ev domain.Event) (Result, error) {
	stored, err := g.store.Repos().Events.GetByEventID(ctx, ev.EventID)
	if err != nil {
		return Result{}, err
	}
	if !stored.Processed {
		_, auditErr := g.store.Repos().Audits.FindByEvent(ctx, ev.EventID)
		switch {
		case auditErr == nil:
			// Under review; the approve path owns the apply.
		case errors.Is(auditErr, persistence.ErrNotFound):
			log.Info().Str("event_id", ev.EventID).Msg("resuming unprocessed event on replay")
			if err := g.apply(ctx, ev, time.Now().UTC()); err != nil {
				return Result{}, err
			}
		default:
			return Result{}, auditErr
		}
	}
	g.idem.Mark(ctx, ev.EventID)
	return Result{Status: StatusDuplicate, EventID: ev.EventID}, nil
}

// record persists the event row, the model-call projection, and, when the
// suspicion rules trip, the quarantine entry. All three share one
// transaction, so a crash cannot leave a half-recorded event.
func (g *Gateway) record(ctx context.Context, ev domain.Event, now time.Time) (Result, error) {
	var quarantined, quarantinedSymbol string
	err := g.store.WithTx(ctx, func(repos persistence.Repos) error {
		stored := domain.StoredEvent{
			ID:           uuid.NewString(),
			EventID:      ev.EventID,
			Symbol:       ev.PrimarySymbol(),
			ImpactPoints: ev.ImpactPoints,
			QuickScore:   ev.QuickScore,
			Summary:      ev.Summary,
			Sources:      ev.Sources,
			LLMMode:      ev.LLMMode,
			Processed:    false,
			CreatedAt:    now,
		}
		if err := repos.Events.Insert(ctx, stored); err != nil {
			return err
		}
		if err := repos.LLMCalls.Insert(ctx, domain.LLMCall{
			ID:        uuid.NewString(),
			EventID:   ev.EventID,
			LLMMode:   ev.LLMMode,
			InputHash: hashSummary(ev.Summary),
			Timestamp: now,
		}); err != nil {
			return err
		}

		for _, symbol := range ev.Stocks {
			suspicious, reason, err := scoring.CheckSuspicious(ctx, repos.Events, ev, symbol, now)
			if err != nil {
				return err
			}
			if !suspicious {
				continue
			}
			quarantined = reason
			quarantinedSymbol = symbol
			return repos.Audits.Insert(ctx, domain.AuditRecord{
				ID:        uuid.NewString(),
				EventID:   ev.EventID,
				Symbol:    symbol,
				Summary:   ev.Summary,
				Impact:    ev.ImpactPoints,
				Sources:   ev.Sources,
				State:     domain.AuditPending,
				Reason:    reason,
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		// A concurrent insert of the same event_id loses the race here and
		// is a duplicate, not a failure.
		if domain.KindOf(err) == domain.KindConflict {
			return Result{Status: StatusDuplicate, EventID: ev.EventID}, nil
		}
		return Result{}, err
	}

	if quarantined != "" {
		log.Info().
			Str("event_id", ev.EventID).
			Str("reason", quarantined).
			Msg("event quarantined for review")
		if g.hub != nil {
			g.hub.Publish(broadcast.AuditEvent{
				EventID:   ev.EventID,
				Symbol:    quarantinedSymbol,
				Delta:     ev.ImpactPoints,
				State:     domain.AuditPending,
				Reason:    quarantined,
				Timestamp: now,
			})
		}
		return Result{Status: StatusPendingReview, EventID: ev.EventID, Reason: quarantined}, nil
	}
	return Result{Status: StatusCreated, EventID: ev.EventID}, nil
}

// apply runs the score pipeline for every referenced symbol, each in its
// own serialization region and transaction, then marks the event
// processed. Symbols are non-atomic with respect to each other.
func (g *Gateway) apply(ctx context.Context, ev domain.Event, now time.Time) error {
	for _, symbol := range ev.Stocks {
		if err := g.applySymbol(ctx, ev, symbol, now); err != nil {
			return err
		}
	}
	return g.store.Repos().Events.MarkProcessed(ctx, ev.EventID)
}

func (g *Gateway) applySymbol(ctx context.Context, ev domain.Event, symbol string, now time.Time) error {
	unlock := g.scores.Lock(symbol)
	defer unlock()

	var (
		applied  scoring.ApplyResult
		blended  blend.Result
		hasBlend bool
		skipped  bool
	)
	err := g.store.WithTx(ctx, func(repos persistence.Repos) error {
		// An earlier attempt may have committed this symbol before failing
		// on a later one; the change log says whether it did.
		done, err := repos.ScoreChanges.Applied(ctx, symbol, ev.EventID)
		if err != nil {
			return err
		}
		if done {
			skipped = true
			return nil
		}
		applied, err = g.scores.Apply(ctx, repos, ev, symbol, now)
		if err != nil {
			return err
		}
		if g.blender != nil {
			blended, err = g.blender.Apply(ctx, repos, symbol, now)
			if err != nil {
				return err
			}
			hasBlend = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if skipped {
		return nil
	}

	if g.hub != nil {
		g.hub.Publish(broadcast.RealityUpdate{
			Symbol:       symbol,
			RealityScore: applied.NewScore,
			Delta:        applied.Delta,
			EventID:      ev.EventID,
			Confidence:   applied.Confidence,
			Timestamp:    now,
		})
	}
	if hasBlend {
		g.blender.Announce(blended, now)
	}
	return nil
}

var llmModes = map[string]bool{"tiny": true, "skipped": true, "failed": true}

// parseEvent decodes and range-checks the payload. Every failure is a
// validation rejection.
func parseEvent(payload []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Event{}, domain.Wrap(domain.KindValidation, "malformed payload", err)
	}

	if _, err := uuid.Parse(ev.EventID); err != nil {
		return domain.Event{}, domain.E(domain.KindValidation, "event_id must be a UUID")
	}
	if ev.Timestamp.IsZero() {
		return domain.Event{}, domain.E(domain.KindValidation, "timestamp is required")
	}
	if len(ev.Stocks) == 0 {
		return domain.Event{}, domain.E(domain.KindValidation, "stocks must be non-empty")
	}
	seen := make(map[string]bool, len(ev.Stocks))
	for _, s := range ev.Stocks {
		if s == "" {
			return domain.Event{}, domain.E(domain.KindValidation, "empty symbol in stocks")
		}
		if seen[s] {
			return domain.Event{}, domain.Ef(domain.KindValidation, "duplicate symbol %s in stocks", s)
		}
		seen[s] = true
	}
	if ev.QuickScore < -1 || ev.QuickScore > 1 {
		return domain.Event{}, domain.E(domain.KindValidation, "quick_score must be in [-1,1]")
	}
	if ev.ImpactPoints < -config.DeltaCap || ev.ImpactPoints > config.DeltaCap {
		return domain.Event{}, domain.Ef(domain.KindValidation, "impact_points must be in [%g,%g]", -config.DeltaCap, config.DeltaCap)
	}
	if len(ev.Summary) > config.MaxSummaryLen {
		return domain.Event{}, domain.Ef(domain.KindValidation, "summary exceeds %d chars", config.MaxSummaryLen)
	}
	if len(ev.Sources) == 0 {
		return domain.Event{}, domain.E(domain.KindValidation, "sources must be non-empty")
	}
	for _, src := range ev.Sources {
		if src.ID == "" {
			return domain.Event{}, domain.E(domain.KindValidation, "source id is required")
		}
		if src.Trust < 0 || src.Trust > 1 {
			return domain.Event{}, domain.E(domain.KindValidation, "source trust must be in [0,1]")
		}
	}
	if ev.NumIndependentSources < 1 {
		return domain.Event{}, domain.E(domain.KindValidation, "num_independent_sources must be >= 1")
	}
	if !llmModes[ev.LLMMode] {
		return domain.Event{}, domain.Ef(domain.KindValidation, "llm_mode must be one of tiny, skipped, failed")
	}

	return ev, nil
}

func hashSummary(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])
}
