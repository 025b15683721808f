package bus

import (
	"context"
	"sync"
	"time"
)

// mailbox is a per-receiver priority queue. Urgent drains before high before
// normal before low; within a priority, FIFO.
type mailbox struct {
	mu     sync.Mutex
	queues [4][]Envelope // indexed by Priority.Rank()
	limit  int
	notify chan struct{}
}

func newMailbox(limit int) *mailbox {
	return &mailbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

func (m *mailbox) size() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// push enqueues an envelope. Returns false when the mailbox is at capacity,
// which callers treat as a transient delivery failure.
func (m *mailbox) push(env Envelope) bool {
	m.mu.Lock()
	if m.size() >= m.limit {
		m.mu.Unlock()
		return false
	}
	rank := env.Priority.Rank()
	m.queues[rank] = append(m.queues[rank], env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes the highest-priority envelope, if any.
func (m *mailbox) pop() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rank := len(m.queues) - 1; rank >= 0; rank-- {
		if len(m.queues[rank]) > 0 {
			env := m.queues[rank][0]
			m.queues[rank] = m.queues[rank][1:]
			return env, true
		}
	}
	return Envelope{}, false
}

// receive blocks until an envelope arrives, the timeout elapses, or ctx is
// cancelled. Timeout surfaces as ErrReceiveTimeout, never a panic or hang.
func (m *mailbox) receive(ctx context.Context, timeout time.Duration) (Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if env, ok := m.pop(); ok {
			return env, nil
		}
		select {
		case <-m.notify:
			// Re-check the queues; another receiver may have raced us.
		case <-deadline.C:
			return Envelope{}, ErrReceiveTimeout
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// drain discards all pending envelopes, returning how many were dropped.
func (m *mailbox) drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.size()
	for i := range m.queues {
		m.queues[i] = nil
	}
	return n
}
