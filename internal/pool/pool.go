package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"deepresearch/internal/bus"
	"deepresearch/internal/logging"
	"deepresearch/internal/types"
)

// ErrPoolExhausted is returned when no worker slot frees up within the
// acquire timeout. Callers queue or shed load; they do not crash.
var ErrPoolExhausted = errors.New("worker pool exhausted")

// Worker lifecycle states.
const (
	stateIdle int32 = iota
	stateBusy
	stateTerminating
	stateTerminated
)

// WorkerHandle is a leased worker slot. The handle owns the bus mailbox
// registered under its ID; Terminate releases both.
type WorkerHandle struct {
	ID        string
	SessionID string
	Tag       string
	LeasedAt  time.Time

	state    atomic.Int32
	released atomic.Bool
	pool     *Manager
}

// Busy marks the worker as executing a subtask.
func (h *WorkerHandle) Busy() {
	h.state.CompareAndSwap(stateIdle, stateBusy)
}

// Idle marks the worker as between subtasks.
func (h *WorkerHandle) Idle() {
	h.state.CompareAndSwap(stateBusy, stateIdle)
}

// Terminating reports whether termination has begun.
func (h *WorkerHandle) Terminating() bool {
	return h.state.Load() >= stateTerminating
}

// State returns the lifecycle state as a status string.
func (h *WorkerHandle) State() string {
	switch h.state.Load() {
	case stateIdle:
		return "/idle"
	case stateBusy:
		return "/busy"
	case stateTerminating:
		return "/terminating"
	default:
		return "/terminated"
	}
}

// Config tunes the pool.
type Config struct {
	MaxWorkers     int
	AcquireTimeout time.Duration
}

// DefaultConfig matches the documented coordination defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     5,
		AcquireTimeout: 10 * time.Second,
	}
}

// Manager hands out worker slots up to a hard cap. The cap is enforced by a
// weighted semaphore: the active count can never exceed MaxWorkers no matter
// how callers interleave Acquire and Terminate.
type Manager struct {
	cfg Config
	sem *semaphore.Weighted
	bus *bus.Bus

	mu      sync.Mutex
	workers map[string]*WorkerHandle

	leased     atomic.Uint64
	terminated atomic.Uint64
}

// NewManager creates a pool backed by the given bus. Every leased worker
// gets a registered mailbox; termination unregisters it.
func NewManager(cfg Config, b *bus.Bus) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	return &Manager{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		bus:     b,
		workers: make(map[string]*WorkerHandle),
	}
}

// Acquire leases a worker slot for a session, blocking up to the configured
// acquire timeout for capacity. Returns ErrPoolExhausted when the pool stays
// full, or ctx.Err() when the caller gives up first.
func (m *Manager) Acquire(ctx context.Context, sessionID, tag string) (*WorkerHandle, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Pool("acquire timed out for session %s (tag=%s): pool at capacity %d",
			sessionID, tag, m.cfg.MaxWorkers)
		return nil, ErrPoolExhausted
	}

	h := &WorkerHandle{
		ID:        fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
		SessionID: sessionID,
		Tag:       tag,
		LeasedAt:  time.Now(),
		pool:      m,
	}

	m.mu.Lock()
	m.workers[h.ID] = h
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Register(h.ID)
	}
	m.leased.Add(1)
	logging.PoolDebug("leased %s for session %s (tag=%s, active=%d/%d)",
		h.ID, sessionID, tag, m.Active(), m.cfg.MaxWorkers)
	return h, nil
}

// Terminate retires a worker and frees its slot. Idempotent: concurrent or
// repeated calls release capacity exactly once, so the semaphore can never
// leak or over-release.
func (m *Manager) Terminate(h *WorkerHandle) {
	if h == nil {
		return
	}
	h.state.Store(stateTerminating)
	if !h.released.CompareAndSwap(false, true) {
		return
	}

	if m.bus != nil {
		m.notifyTermination(h)
	}

	m.mu.Lock()
	delete(m.workers, h.ID)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Unregister(h.ID)
	}
	h.state.Store(stateTerminated)
	m.sem.Release(1)
	m.terminated.Add(1)
	logging.PoolDebug("terminated %s (active=%d/%d)", h.ID, m.Active(), m.cfg.MaxWorkers)
}

// notifyTermination wakes the worker loop so teardown is immediate instead
// of waiting out the worker's poll interval. Best effort: the slot is
// reclaimed whether or not the envelope lands.
func (m *Manager) notifyTermination(h *WorkerHandle) {
	payload, err := bus.EncodePayload(bus.TerminationRequestPayload{Reason: "worker retired"})
	if err != nil {
		return
	}
	env := bus.NewEnvelope("pool-manager", h.ID, bus.TypeTerminationRequest,
		payload, h.SessionID, "term-"+h.ID, types.PriorityUrgent)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := m.bus.Send(ctx, env); err != nil {
		logging.PoolDebug("termination notice for %s not delivered: %v", h.ID, err)
	}
}

// TerminateSession retires every worker leased to a session and returns how
// many were terminated.
func (m *Manager) TerminateSession(sessionID string) int {
	m.mu.Lock()
	var doomed []*WorkerHandle
	for _, h := range m.workers {
		if h.SessionID == sessionID {
			doomed = append(doomed, h)
		}
	}
	m.mu.Unlock()

	for _, h := range doomed {
		m.Terminate(h)
	}
	if len(doomed) > 0 {
		logging.Pool("session %s released %d workers", sessionID, len(doomed))
	}
	return len(doomed)
}

// Active returns the number of currently leased workers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Capacity returns the hard worker cap.
func (m *Manager) Capacity() int {
	return m.cfg.MaxWorkers
}

// Lookup returns the live handle for a worker id.
func (m *Manager) Lookup(workerID string) (*WorkerHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workers[workerID]
	return h, ok
}

// Stats reports cumulative lease counters.
func (m *Manager) Stats() (leased, terminated uint64) {
	return m.leased.Load(), m.terminated.Load()
}
