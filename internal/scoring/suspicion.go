package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
)

// CheckSuspicious applies the manipulation-defence rules to an incoming
// event for one referenced symbol. Rule 1 is a pure threshold; rule 2 is a
// read over the rolling window of processed events, including the incoming
// event's own contribution from its primary source.
func CheckSuspicious(ctx context.Context, events persistence.EventsRepo, ev domain.Event, symbol string, now time.Time) (bool, string, error) {
	if math.Abs(ev.ImpactPoints) > config.SuspiciousDelta {
		return true, fmt.Sprintf(
			"impact points (%.2f) exceed suspicious delta (%.0f)",
			ev.ImpactPoints, config.SuspiciousDelta), nil
	}

	sourceID := ev.PrimarySource()
	if sourceID == "" {
		return false, "", nil
	}

	windowStart := now.Add(-config.RollingWindow)
	recent, err := events.ProcessedSince(ctx, symbol, windowStart)
	if err != nil {
		return false, "", fmt.Errorf("suspicion window query: %w", err)
	}

	// The incoming event's own contribution counts toward its source;
	// the denominator covers the already-processed window only, so the
	// rule stays inert until a symbol has history.
	sourceImpact := ev.ImpactPoints
	var totalImpact float64
	for _, past := range recent {
		totalImpact += math.Abs(past.ImpactPoints)
		if eventHasSource(past, sourceID) {
			sourceImpact += past.ImpactPoints
		}
	}

	if totalImpact <= 0 {
		return false, "", nil
	}

	influence := math.Abs(sourceImpact) / totalImpact
	if influence > config.MaxSingleSourceInfluence24h {
		return true, fmt.Sprintf(
			"source %s influence (%.0f%%) exceeds %.0f%% over rolling window",
			sourceID, influence*100, config.MaxSingleSourceInfluence24h*100), nil
	}
	return false, "", nil
}

func eventHasSource(ev domain.StoredEvent, sourceID string) bool {
	for _, s := range ev.Sources {
		if s.ID == sourceID {
			return true
		}
	}
	return false
}
