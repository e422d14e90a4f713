package broadcast

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

// Hub fans typed messages out to WebSocket subscribers. Sends never block:
// a subscriber whose buffer is full is dropped and its channel closed, so
// one slow reader cannot stall the critical regions that publish.
type Hub struct {
	mu    sync.RWMutex
	subs  map[*Subscriber]struct{}
	gauge prometheus.Gauge
}

// Subscriber is one attached client.
type Subscriber struct {
	ch   chan Message
	once sync.Once
}

// C is the subscriber's receive channel. It closes when the subscriber is
// dropped or unsubscribed.
func (s *Subscriber) C() <-chan Message { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Observe wires a live subscriber-count gauge. Optional; call before
// serving.
func (h *Hub) Observe(gauge prometheus.Gauge) {
	h.mu.Lock()
	h.gauge = gauge
	h.mu.Unlock()
}

// Subscribe attaches a new client.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Message, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.setGaugeLocked()
	h.mu.Unlock()
	return s
}

// Unsubscribe detaches a client and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.setGaugeLocked()
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Count reports the attached subscriber count.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish wraps the payload in its typed envelope and fans it out.
func (h *Hub) Publish(payload interface{}) {
	msg := wrap(payload)

	h.mu.RLock()
	var slow []*Subscriber
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, s := range slow {
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			s.close()
			log.Warn().Str("msg_type", msg.Type).Msg("dropped slow subscriber")
		}
	}
	h.setGaugeLocked()
	h.mu.Unlock()
}

func (h *Hub) setGaugeLocked() {
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.subs)))
	}
}
