package hub

import (
	"sync"

	"planboard/api/internal/plan"
)

// Stream adapts a subscription to a buffered channel for consumers that
// write to the network. A consumer that falls more than the buffer behind
// is cut off: Lost is closed and later events are dropped. The consumer is
// expected to end the stream and let its client refetch a snapshot.
type Stream struct {
	events      chan plan.Event
	lost        chan struct{}
	lostOnce    sync.Once
	unsubscribe func()
}

func (h *Hub) Open(documentID string, buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream{
		events: make(chan plan.Event, buffer),
		lost:   make(chan struct{}),
	}
	s.unsubscribe = h.Subscribe(documentID, s.deliver)
	return s
}

func (s *Stream) Events() <-chan plan.Event { return s.events }

func (s *Stream) Lost() <-chan struct{} { return s.lost }

func (s *Stream) Close() { s.unsubscribe() }

func (s *Stream) deliver(ev plan.Event) {
	select {
	case <-s.lost:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.lostOnce.Do(func() { close(s.lost) })
	}
}
