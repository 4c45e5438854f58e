package hub

import (
	"sync"

	"planboard/api/internal/metrics"
	"planboard/api/internal/plan"
)

// Hub fans document events out to in-process subscribers. It keeps no
// backlog: a subscriber sees only events published after it subscribed.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]func(plan.Event)
	nextID  uint64
	metrics *metrics.Metrics
}

func New(m *metrics.Metrics) *Hub {
	return &Hub{subs: make(map[string]map[uint64]func(plan.Event)), metrics: m}
}

// Subscribe registers fn for events of documentID. The returned func removes
// the subscription and may be called any number of times, from any goroutine.
func (h *Hub) Subscribe(documentID string, fn func(plan.Event)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[documentID] == nil {
		h.subs[documentID] = make(map[uint64]func(plan.Event))
	}
	h.subs[documentID][id] = fn
	h.mu.Unlock()
	h.metrics.SubscriberAdded()

	return sync.OnceFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subs[documentID]
		if _, ok := subs[id]; !ok {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subs, documentID)
		}
		h.metrics.SubscriberRemoved()
	})
}

// Publish delivers ev to every current subscriber of documentID. Callbacks
// run on the caller's goroutine after the subscriber set has been copied, so
// they may subscribe or unsubscribe freely but must not block.
func (h *Hub) Publish(documentID string, ev plan.Event) {
	h.mu.RLock()
	targets := make([]func(plan.Event), 0, len(h.subs[documentID]))
	for _, fn := range h.subs[documentID] {
		targets = append(targets, fn)
	}
	h.mu.RUnlock()

	h.metrics.EventPublished(string(ev.Kind))
	for _, fn := range targets {
		fn(ev)
	}
}

func (h *Hub) Subscribers(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[documentID])
}
