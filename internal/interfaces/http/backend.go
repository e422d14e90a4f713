package http

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/xmarket/xmarket/internal/audit"
	"github.com/xmarket/xmarket/internal/blend"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/ingest"
	"github.com/xmarket/xmarket/internal/metrics"
	"github.com/xmarket/xmarket/internal/persistence"
	"github.com/xmarket/xmarket/internal/scoring"
)

const maxIngestBody = 1 << 20

// Backend exposes the ingest, admin, public and subscription surfaces.
type Backend struct {
	adminKey string
	store    persistence.Store
	gateway  *ingest.Gateway
	workflow *audit.Workflow
	scores   *scoring.Engine
	blender  *blend.Blender
	hub      *broadcast.Hub
	metrics  *metrics.Registry
}

// NewBackend wires the backend surface.
func NewBackend(adminKey string, store persistence.Store, gateway *ingest.Gateway, workflow *audit.Workflow, scores *scoring.Engine, blender *blend.Blender, hub *broadcast.Hub, m *metrics.Registry) *Backend {
	return &Backend{
		adminKey: adminKey,
		store:    store,
		gateway:  gateway,
		workflow: workflow,
		scores:   scores,
		blender:  blender,
		hub:      hub,
		metrics:  m,
	}
}

// Register mounts every backend route.
func (b *Backend) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/reality/ingest", b.handleIngest).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(b.adminAuthMiddleware)
	admin.HandleFunc("/stocks", b.handleCreateStock).Methods(http.MethodPost)
	admin.HandleFunc("/stocks", b.handleAdminListStocks).Methods(http.MethodGet)
	admin.HandleFunc("/audits", b.handleListAudits).Methods(http.MethodGet)
	admin.HandleFunc("/audits/{id}", b.handleGetAudit).Methods(http.MethodGet)
	admin.HandleFunc("/audits/{id}/approve", b.handleDecideAudit).Methods(http.MethodPost)
	admin.HandleFunc("/llm-calls", b.handleLLMCalls).Methods(http.MethodGet)

	// Matching calls this after trade commits so the final price tracks
	// the market side without polling.
	r.HandleFunc("/internal/blend/{symbol}", b.handleBlendNudge).Methods(http.MethodPost)

	api.HandleFunc("/stocks", b.handleListStocks).Methods(http.MethodGet)
	api.HandleFunc("/scores/{symbol}", b.handleScore).Methods(http.MethodGet)
	api.HandleFunc("/scores/{symbol}/history", b.handleScoreHistory).Methods(http.MethodGet)
	api.HandleFunc("/events/{symbol}", b.handleEvents).Methods(http.MethodGet)

	if b.hub != nil {
		r.HandleFunc("/ws", b.hub.Handler())
	}
	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	if b.metrics != nil {
		r.Handle("/metrics", b.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (b *Backend) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if b.adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(b.adminKey)) != 1 {
			writeError(w, domain.E(domain.KindUnauthorized, "invalid admin key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ingestResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason,omitempty"`
}

func (b *Backend) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, domain.Wrap(domain.KindBadRequest, "read body", err))
		return
	}
	signature := r.Header.Get("X-Reality-Signature")

	res, err := b.gateway.IngestEvent(r.Context(), payload, signature)
	if b.metrics != nil {
		b.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if b.metrics != nil {
			b.metrics.EventsIngested.WithLabelValues("rejected").Inc()
		}
		writeError(w, err)
		return
	}

	if b.metrics != nil {
		b.metrics.EventsIngested.WithLabelValues(string(res.Status)).Inc()
	}
	status := http.StatusCreated
	switch res.Status {
	case ingest.StatusDuplicate:
		status = http.StatusOK
	case ingest.StatusPendingReview:
		status = http.StatusAccepted
	}
	writeJSON(w, status, ingestResponse{
		Status:  string(res.Status),
		EventID: res.EventID,
		Reason:  res.Reason,
	})
}

func (b *Backend) handleBlendNudge(w http.ResponseWriter, r *http.Request) {
	b.blender.Trigger(mux.Vars(r)["symbol"])
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type createStockRequest struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	MarketWeight  float64 `json:"market_weight"`
	RealityWeight float64 `json:"reality_weight"`
	MinPrice      float64 `json:"min_price"`
	MaxPrice      float64 `json:"max_price"`
}

func (b *Backend) handleCreateStock(w http.ResponseWriter, r *http.Request) {
	var req createStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Wrap(domain.KindValidation, "malformed body", err))
		return
	}
	if req.Symbol == "" || req.Name == "" {
		writeError(w, domain.E(domain.KindValidation, "symbol and name are required"))
		return
	}
	if err := blend.ValidateWeights(req.MarketWeight, req.RealityWeight); err != nil {
		// The schema parsed; a bad weight sum is a semantic failure.
		writeError(w, domain.E(domain.KindBadRequest, domain.DetailOf(err)))
		return
	}
	if req.MinPrice < 0 || req.MaxPrice < req.MinPrice {
		writeError(w, domain.E(domain.KindBadRequest, "price band requires 0 <= min_price <= max_price"))
		return
	}
	if req.MaxPrice == 0 {
		req.MaxPrice = config.MaxPrice
	}

	now := time.Now().UTC()
	inst := domain.Instrument{
		Symbol:        req.Symbol,
		Name:          req.Name,
		Description:   req.Description,
		MarketWeight:  req.MarketWeight,
		RealityWeight: req.RealityWeight,
		MinPrice:      req.MinPrice,
		MaxPrice:      req.MaxPrice,
		CreatedAt:     now,
	}
	err := b.store.WithTx(r.Context(), func(repos persistence.Repos) error {
		if err := repos.Instruments.Create(r.Context(), inst); err != nil {
			return err
		}
		return repos.Scores.Init(r.Context(), domain.Score{
			Symbol:       inst.Symbol,
			RealityScore: config.NeutralScore,
			FinalPrice:   config.NeutralScore,
			Confidence:   config.InitialConfidence,
			LastUpdated:  now,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (b *Backend) handleAdminListStocks(w http.ResponseWriter, r *http.Request) {
	b.handleListStocks(w, r)
}

func (b *Backend) handleListStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := b.store.Repos().Instruments.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stocks)
}

func (b *Backend) handleScore(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	score, err := b.scores.Read(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (b *Backend) handleScoreHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, domain.E(domain.KindValidation, "hours must be a positive integer"))
			return
		}
		hours = parsed
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	history, err := b.store.Repos().ScoreChanges.History(r.Context(), symbol, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (b *Backend) handleEvents(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, domain.E(domain.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	events, err := b.store.Repos().Events.RecentBySymbol(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (b *Backend) handleListAudits(w http.ResponseWriter, r *http.Request) {
	var (
		records []domain.AuditRecord
		err     error
	)
	if r.URL.Query().Get("pending_only") == "true" {
		records, err = b.workflow.ListPending(r.Context())
	} else {
		records, err = b.store.Repos().Audits.List(r.Context(), false)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (b *Backend) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := b.workflow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type decideAuditRequest struct {
	Approved   bool   `json:"approved"`
	ApprovedBy string `json:"approved_by"`
	Reason     string `json:"reason"`
}

func (b *Backend) handleDecideAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req decideAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Wrap(domain.KindValidation, "malformed body", err))
		return
	}

	rec, err := b.workflow.Decide(r.Context(), id, req.ApprovedBy, req.Approved, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (b *Backend) handleLLMCalls(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, domain.E(domain.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	calls, err := b.store.Repos().LLMCalls.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleHealth reports process liveness and the live subscriber count.
func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if b.hub != nil {
		subscribers = b.hub.Count()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": subscribers,
		"time":        time.Now().UTC(),
	})
}
