package serializer

import (
	"context"
	"slices"
	"sync"
)

// Serializer runs at most one function per key at a time. Callers for the
// same key are admitted in the order they called WithLock; different keys
// never wait on each other.
type Serializer struct {
	mu     sync.Mutex
	queues map[string][]chan struct{}
}

func New() *Serializer {
	return &Serializer{queues: make(map[string][]chan struct{})}
}

// WithLock waits for its turn on key and runs fn. The turn is handed to the
// next waiter however fn exits. A caller whose ctx ends while waiting leaves
// the queue without running fn and gets ctx.Err().
func (s *Serializer) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	ticket, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer s.release(key, ticket)
	return fn(ctx)
}

// Len reports how many keys currently have a holder or waiters.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Waiting reports the queue length for key, including the holder.
func (s *Serializer) Waiting(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key])
}

func (s *Serializer) acquire(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ticket := make(chan struct{})
	s.mu.Lock()
	queue := append(s.queues[key], ticket)
	s.queues[key] = queue
	if len(queue) == 1 {
		close(ticket)
	}
	s.mu.Unlock()

	select {
	case <-ticket:
		return ticket, nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-ticket:
		// Granted while giving up: pass the turn on.
		s.mu.Unlock()
		s.release(key, ticket)
		return nil, ctx.Err()
	default:
	}
	s.queues[key] = slices.DeleteFunc(s.queues[key], func(c chan struct{}) bool { return c == ticket })
	s.mu.Unlock()
	return nil, ctx.Err()
}

func (s *Serializer) release(key string, ticket chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[key]
	if len(queue) == 0 || queue[0] != ticket {
		return
	}
	queue[0] = nil
	queue = queue[1:]
	if len(queue) == 0 {
		delete(s.queues, key)
		return
	}
	s.queues[key] = queue
	close(queue[0])
}
