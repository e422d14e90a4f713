package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence/memory"
)

func seedProcessedEvent(t *testing.T, store *memory.Store, eventID, symbol, sourceID string, impact float64, age time.Duration) {
	t.Helper()
	err := store.Repos().Events.Insert(context.Background(), domain.StoredEvent{
		EventID:      eventID,
		Symbol:       symbol,
		ImpactPoints: impact,
		Sources:      []domain.Source{{ID: sourceID, URL: "https://example.com", Trust: 0.9}},
		Processed:    true,
		CreatedAt:    time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
}

func TestCheckSuspicious_DeltaThreshold(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()

	tests := []struct {
		name   string
		impact float64
		want   bool
	}{
		{name: "at_threshold_ok", impact: 15, want: false},
		{name: "above_threshold", impact: 18, want: true},
		{name: "negative_above_threshold", impact: -16, want: true},
		{name: "small", impact: 3, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := domain.Event{ImpactPoints: tt.impact}
			got, reason, err := CheckSuspicious(context.Background(), store.Repos().Events, ev, "ELON", now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestCheckSuspicious_SingleSourceInfluence(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()

	// History: src-a carried 10 of 30 total absolute impact in-window.
	seedProcessedEvent(t, store, "e1", "ELON", "src-a", 10, time.Hour)
	seedProcessedEvent(t, store, "e2", "ELON", "src-b", -12, 2*time.Hour)
	seedProcessedEvent(t, store, "e3", "ELON", "src-c", 8, 3*time.Hour)

	// src-a posting another +5: |10+5|/30 = 0.5 > 0.35.
	ev := domain.Event{
		ImpactPoints: 5,
		Sources:      []domain.Source{{ID: "src-a", URL: "https://example.com", Trust: 0.9}},
	}
	got, reason, err := CheckSuspicious(context.Background(), store.Repos().Events, ev, "ELON", now)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Contains(t, reason, "src-a")

	// A fresh source with the same impact stays under the cap: 5/30 ≈ 0.17.
	ev.Sources[0].ID = "src-new"
	got, _, err = CheckSuspicious(context.Background(), store.Repos().Events, ev, "ELON", now)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCheckSuspicious_NoHistoryIsInert(t *testing.T) {
	store := memory.NewStore()
	ev := domain.Event{
		ImpactPoints: 5,
		Sources:      []domain.Source{{ID: "src-a", URL: "https://example.com", Trust: 0.9}},
	}
	got, _, err := CheckSuspicious(context.Background(), store.Repos().Events, ev, "ELON", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCheckSuspicious_WindowExcludesOldEvents(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()

	// Same shape as the influence test, but history is outside the window.
	seedProcessedEvent(t, store, "e1", "ELON", "src-a", 10, 30*time.Hour)
	seedProcessedEvent(t, store, "e2", "ELON", "src-b", -12, 40*time.Hour)

	ev := domain.Event{
		ImpactPoints: 5,
		Sources:      []domain.Source{{ID: "src-a", URL: "https://example.com", Trust: 0.9}},
	}
	got, _, err := CheckSuspicious(context.Background(), store.Repos().Events, ev, "ELON", now)
	require.NoError(t, err)
	assert.False(t, got)
}
