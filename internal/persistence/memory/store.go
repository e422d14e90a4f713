// Package memory implements the persistence contracts with in-process
// maps. It backs unit tests and --dev mode; WithTx gets rollback semantics
// by snapshotting state, which is fine at the scale either use sees.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/persistence"
)

// Store holds all tables behind one mutex.
type Store struct {
	mu sync.Mutex
	st state

	// FailWrites, when set, makes every mutation return this error. Used
	// by tests that exercise the transient-failure paths.
	FailWrites error
}

type state struct {
	instruments  map[string]domain.Instrument
	scores       map[string]domain.Score
	events       map[string]domain.StoredEvent // by event_id
	audits       map[string]domain.AuditRecord // by id
	scoreChanges []domain.ScoreChange
	llmCalls     []domain.LLMCall
	orders       map[string]domain.Order // by order_id
	trades       []domain.Trade
	changeSeq    int64
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{st: newState()}
}

func newState() state {
	return state{
		instruments: make(map[string]domain.Instrument),
		scores:      make(map[string]domain.Score),
		events:      make(map[string]domain.StoredEvent),
		audits:      make(map[string]domain.AuditRecord),
		orders:      make(map[string]domain.Order),
	}
}

func (s *Store) Repos() persistence.Repos {
	return persistence.Repos{
		Instruments:  (*instrumentsRepo)(s),
		Scores:       (*scoresRepo)(s),
		Events:       (*eventsRepo)(s),
		Audits:       (*auditsRepo)(s),
		ScoreChanges: (*scoreChangesRepo)(s),
		LLMCalls:     (*llmCallsRepo)(s),
		Orders:       (*ordersRepo)(s),
		Trades:       (*tradesRepo)(s),
	}
}

// WithTx serializes fn against all other access and restores the previous
// state if fn fails.
func (s *Store) WithTx(_ context.Context, fn func(persistence.Repos) error) error {
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(s.Repos()); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (st state) clone() state {
	out := newState()
	for k, v := range st.instruments {
		out.instruments[k] = v
	}
	for k, v := range st.scores {
		out.scores[k] = v
	}
	for k, v := range st.events {
		out.events[k] = v
	}
	for k, v := range st.audits {
		out.audits[k] = v
	}
	for k, v := range st.orders {
		out.orders[k] = v
	}
	out.scoreChanges = append(out.scoreChanges, st.scoreChanges...)
	out.llmCalls = append(out.llmCalls, st.llmCalls...)
	out.trades = append(out.trades, st.trades...)
	out.changeSeq = st.changeSeq
	return out
}

func (s *Store) writeGuard() error {
	return s.FailWrites
}

type instrumentsRepo Store

func (r *instrumentsRepo) Create(_ context.Context, inst domain.Instrument) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	if _, ok := s.st.instruments[inst.Symbol]; ok {
		return domain.Ef(domain.KindConflict, "instrument %s already exists", inst.Symbol)
	}
	s.st.instruments[inst.Symbol] = inst
	return nil
}

func (r *instrumentsRepo) Get(_ context.Context, symbol string) (domain.Instrument, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.st.instruments[symbol]
	if !ok {
		return domain.Instrument{}, persistence.ErrNotFound
	}
	return inst, nil
}

func (r *instrumentsRepo) List(_ context.Context) ([]domain.Instrument, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Instrument, 0, len(s.st.instruments))
	for _, inst := range s.st.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *instrumentsRepo) Missing(_ context.Context, symbols []string) ([]string, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, sym := range symbols {
		if _, ok := s.st.instruments[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	return missing, nil
}

type scoresRepo Store

func (r *scoresRepo) Get(_ context.Context, symbol string) (domain.Score, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.st.scores[symbol]
	if !ok {
		return domain.Score{}, persistence.ErrNotFound
	}
	return sc, nil
}

func (r *scoresRepo) Init(_ context.Context, score domain.Score) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	if _, ok := s.st.scores[score.Symbol]; ok {
		return domain.Ef(domain.KindConflict, "score for %s already exists", score.Symbol)
	}
	s.st.scores[score.Symbol] = score
	return nil
}

func (r *scoresRepo) Update(_ context.Context, score domain.Score) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	if _, ok := s.st.scores[score.Symbol]; !ok {
		return persistence.ErrNotFound
	}
	s.st.scores[score.Symbol] = score
	return nil
}

type eventsRepo Store

func (r *eventsRepo) Exists(_ context.Context, eventID string) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.st.events[eventID]
	return ok, nil
}

func (r *eventsRepo) Insert(_ context.Context, ev domain.StoredEvent) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	if _, ok := s.st.events[ev.EventID]; ok {
		return domain.Ef(domain.KindConflict, "event %s already exists", ev.EventID)
	}
	s.st.events[ev.EventID] = ev
	return nil
}

func (r *eventsRepo) MarkProcessed(_ context.Context, eventID string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	ev, ok := s.st.events[eventID]
	if !ok {
		return persistence.ErrNotFound
	}
	ev.Processed = true
	s.st.events[eventID] = ev
	return nil
}

func (r *eventsRepo) GetByEventID(_ context.Context, eventID string) (domain.StoredEvent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.events[eventID]
	if !ok {
		return domain.StoredEvent{}, persistence.ErrNotFound
	}
	return ev, nil
}

func (r *eventsRepo) RecentBySymbol(_ context.Context, symbol string, limit int) ([]domain.StoredEvent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StoredEvent
	for _, ev := range s.st.events {
		if ev.Symbol == symbol {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *eventsRepo) ProcessedSince(_ context.Context, symbol string, since time.Time) ([]domain.StoredEvent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StoredEvent
	for _, ev := range s.st.events {
		if ev.Symbol == symbol && ev.Processed && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type auditsRepo Store

func (r *auditsRepo) Insert(_ context.Context, rec domain.AuditRecord) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	for _, existing := range s.st.audits {
		if existing.EventID == rec.EventID {
			return domain.Ef(domain.KindConflict, "audit for event %s already exists", rec.EventID)
		}
	}
	s.st.audits[rec.ID] = rec
	return nil
}

func (r *auditsRepo) Get(_ context.Context, id string) (domain.AuditRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.st.audits[id]
	if !ok {
		return domain.AuditRecord{}, persistence.ErrNotFound
	}
	return rec, nil
}

func (r *auditsRepo) FindByEvent(_ context.Context, eventID string) (domain.AuditRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.st.audits {
		if rec.EventID == eventID {
			return rec, nil
		}
	}
	return domain.AuditRecord{}, persistence.ErrNotFound
}

func (r *auditsRepo) List(_ context.Context, pendingOnly bool) ([]domain.AuditRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRecord
	for _, rec := range s.st.audits {
		if pendingOnly && rec.State != domain.AuditPending {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *auditsRepo) Decide(_ context.Context, id string, state domain.AuditState, approver, reason string, decidedAt time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	rec, ok := s.st.audits[id]
	if !ok {
		return persistence.ErrNotFound
	}
	if rec.State != domain.AuditPending {
		return domain.E(domain.KindConflict, "audit already processed")
	}
	rec.State = state
	rec.Approver = approver
	rec.Reason = reason
	rec.DecidedAt = &decidedAt
	s.st.audits[id] = rec
	return nil
}

type scoreChangesRepo Store

func (r *scoreChangesRepo) Insert(_ context.Context, ch domain.ScoreChange) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	s.st.changeSeq++
	ch.ID = s.st.changeSeq
	s.st.scoreChanges = append(s.st.scoreChanges, ch)
	return nil
}

func (r *scoreChangesRepo) History(_ context.Context, symbol string, since time.Time) ([]domain.ScoreChange, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScoreChange
	for _, ch := range s.st.scoreChanges {
		if ch.Symbol == symbol && !ch.Timestamp.Before(since) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (r *scoreChangesRepo) Applied(_ context.Context, symbol, eventID string) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.st.scoreChanges {
		if ch.Symbol == symbol && ch.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

type llmCallsRepo Store

func (r *llmCallsRepo) Insert(_ context.Context, call domain.LLMCall) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	s.st.llmCalls = append(s.st.llmCalls, call)
	return nil
}

func (r *llmCallsRepo) Recent(_ context.Context, limit int) ([]domain.LLMCall, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.LLMCall(nil), s.st.llmCalls...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ordersRepo Store

func (r *ordersRepo) Insert(_ context.Context, o domain.Order) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	if _, ok := s.st.orders[o.OrderID]; ok {
		return domain.Ef(domain.KindConflict, "order %s already exists", o.OrderID)
	}
	s.st.orders[o.OrderID] = o
	return nil
}

func (r *ordersRepo) Get(_ context.Context, orderID string) (domain.Order, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[orderID]
	if !ok {
		return domain.Order{}, persistence.ErrNotFound
	}
	return o, nil
}

func (r *ordersRepo) UpdateFill(_ context.Context, orderID string, filled float64, status domain.OrderStatus) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	o, ok := s.st.orders[orderID]
	if !ok {
		return persistence.ErrNotFound
	}
	o.Filled = filled
	o.Status = status
	s.st.orders[orderID] = o
	return nil
}

func (r *ordersRepo) LoadOpen(_ context.Context) ([]domain.Order, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.st.orders {
		if o.Status == domain.StatusOpen || o.Status == domain.StatusPartial {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].OrderID, out[j].OrderID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type tradesRepo Store

func (r *tradesRepo) Insert(_ context.Context, tr domain.Trade) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeGuard(); err != nil {
		return err
	}
	s.st.trades = append(s.st.trades, tr)
	return nil
}

func (r *tradesRepo) RecentBySymbol(_ context.Context, symbol string, limit int) ([]domain.Trade, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, tr := range s.st.trades {
		if tr.Symbol == symbol {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *tradesRepo) FilledByOrder(_ context.Context, orderID string) (float64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, tr := range s.st.trades {
		if tr.BuyOrderID == orderID || tr.SellOrderID == orderID {
			sum += tr.Qty
		}
	}
	return sum, nil
}
