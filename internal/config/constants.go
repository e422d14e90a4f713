package config

import "time"

// Canonical tunable constants for the platform. Single source of truth:
// no other package may hard-code these values.
const (
	// Similarity thresholds used by the upstream event producer. Carried
	// here so producer and backend agree on one set of numbers.
	SimilarityDuplicate = 0.88
	SimilarityGroup     = 0.78

	// LLM triggering and rate limiting (producer side).
	LLMQuickThreshold = 0.45
	LLMCallsPerHour   = 10
	MinIndepSources   = 2

	// Event decay time constant: scores relax toward neutral with
	// exp(-age/Tau).
	Tau = 48 * time.Hour

	// Impact limits.
	DeltaCap        = 20.0 // max absolute impact points per event
	SuspiciousDelta = 15.0 // above this, events go to audit review

	// EWMA smoothing factor for score and final-price transitions.
	EWMAAlpha = 0.25

	// Default blend weights, overridable per instrument.
	DefaultMarketWeight  = 0.6
	DefaultRealityWeight = 0.4

	// Anti-manipulation: max share of total impact one source may carry
	// over the rolling window.
	MaxSingleSourceInfluence24h = 0.35
	RollingWindow               = 24 * time.Hour

	// Price scale. All scores and prices live on [MinPrice, MaxPrice].
	MinPrice     = 0.0
	MaxPrice     = 100.0
	NeutralScore = 50.0

	// Starting confidence for a freshly listed instrument.
	InitialConfidence = 0.5

	// Order book.
	OrderBookDepth = 10
	MaxOrderSize   = 10000.0
	MinOrderSize   = 0.01

	// Weight-sum tolerance for instrument creation.
	WeightSumEpsilon = 0.01

	// Per-user order admission throttle on the matching surface.
	OrderRatePerSec = 10.0
	OrderRateBurst  = 20

	// Broadcast channel.
	WSHeartbeatInterval = 30 * time.Second
	WSWriteTimeout      = 10 * time.Second

	// Blender's market-price fetch must stay bounded; on expiry the blend
	// proceeds without the market side.
	MarketFetchTimeout = 5 * time.Second

	// Summary length bound on ingested events.
	MaxSummaryLen = 2000
)
