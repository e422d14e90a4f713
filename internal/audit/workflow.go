// Package audit manages the quarantine queue: events that tripped the
// suspicion rules sit pending until an admin approves or rejects them.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/blend"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
	"github.com/xmarket/xmarket/internal/scoring"
)

// Workflow decides quarantined events.
type Workflow struct {
	store   persistence.Store
	scores  *scoring.Engine
	blender *blend.Blender
	hub     *broadcast.Hub
}

// New builds a Workflow. hub may be nil.
func New(store persistence.Store, scores *scoring.Engine, blender *blend.Blender, hub *broadcast.Hub) *Workflow {
	return &Workflow{store: store, scores: scores, blender: blender, hub: hub}
}

// ListPending returns all undecided records, newest first.
func (w *Workflow) ListPending(ctx context.Context) ([]domain.AuditRecord, error) {
	return w.store.Repos().Audits.List(ctx, true)
}

// Get returns one record.
func (w *Workflow) Get(ctx context.Context, id string) (domain.AuditRecord, error) {
	rec, err := w.store.Repos().Audits.Get(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return domain.AuditRecord{}, domain.Ef(domain.KindNotFound, "audit record %s not found", id)
		}
		return domain.AuditRecord{}, err
	}
	return rec, nil
}

// Decide transitions a pending record exactly once. Approval replays the
// quarantined event through the scoring and blending pipeline, identical
// to the normal ingest path, and marks the event processed. Rejection
// records the reason; the event stays unprocessed forever. Deciding an
// already-decided record fails with a conflict.
func (w *Workflow) Decide(ctx context.Context, id, approver string, approve bool, reason string) (domain.AuditRecord, error) {
	if approver == "" {
		return domain.AuditRecord{}, domain.E(domain.KindValidation, "approver is required")
	}

	rec, err := w.Get(ctx, id)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if rec.State != domain.AuditPending {
		return domain.AuditRecord{}, domain.Ef(domain.KindConflict, "audit record %s already processed", id)
	}

	state := domain.AuditRejected
	if approve {
		state = domain.AuditApproved
	}
	now := time.Now().UTC()

	unlock := w.scores.Lock(rec.Symbol)
	defer unlock()

	var (
		applied scoring.ApplyResult
		blended blend.Result
	)
	err = w.store.WithTx(ctx, func(repos persistence.Repos) error {
		// The repo-level transition is the exactly-once guard against a
		// concurrent decision between our read and this write.
		if err := repos.Audits.Decide(ctx, id, state, approver, reason, now); err != nil {
			return err
		}
		if !approve {
			return nil
		}

		stored, err := repos.Events.GetByEventID(ctx, rec.EventID)
		if err != nil {
			return err
		}
		ev := eventFromStored(stored)

		applied, err = w.scores.Apply(ctx, repos, ev, rec.Symbol, now)
		if err != nil {
			return err
		}
		if w.blender != nil {
			blended, err = w.blender.Apply(ctx, repos, rec.Symbol, now)
			if err != nil {
				return err
			}
		}
		return repos.Events.MarkProcessed(ctx, rec.EventID)
	})
	if err != nil {
		return domain.AuditRecord{}, err
	}

	log.Info().
		Str("audit_id", id).
		Str("event_id", rec.EventID).
		Str("state", string(state)).
		Str("approver", approver).
		Msg("audit decided")

	if w.hub != nil {
		w.hub.Publish(broadcast.AuditEvent{
			EventID:   rec.EventID,
			Symbol:    rec.Symbol,
			Delta:     rec.Impact,
			State:     state,
			Reason:    reason,
			Timestamp: now,
		})
		if approve {
			w.hub.Publish(broadcast.RealityUpdate{
				Symbol:       rec.Symbol,
				RealityScore: applied.NewScore,
				Delta:        applied.Delta,
				EventID:      rec.EventID,
				Confidence:   applied.Confidence,
				Timestamp:    now,
			})
			if w.blender != nil {
				w.blender.Announce(blended, now)
			}
		}
	}

	rec.State = state
	rec.Approver = approver
	rec.Reason = reason
	rec.DecidedAt = &now
	return rec, nil
}

// eventFromStored reconstructs the pipeline input from the persisted row.
// Quarantined events apply to the symbol recorded on the audit entry.
func eventFromStored(stored domain.StoredEvent) domain.Event {
	independent := len(stored.Sources)
	if independent < 1 {
		independent = 1
	}
	return domain.Event{
		EventID:               stored.EventID,
		Timestamp:             stored.CreatedAt,
		Stocks:                []string{stored.Symbol},
		QuickScore:            stored.QuickScore,
		ImpactPoints:          stored.ImpactPoints,
		Summary:               stored.Summary,
		Sources:               stored.Sources,
		NumIndependentSources: independent,
		LLMMode:               stored.LLMMode,
	}
}
