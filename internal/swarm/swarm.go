// Package swarm fans a batch of subtasks out over leased workers and
// collects their results. The executor owns attempt bookkeeping: timeouts,
// worker loss, and envelope corruption are absorbed here and surface only as
// per-subtask outcomes, never as a failed batch.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"deepresearch/internal/bus"
	"deepresearch/internal/logging"
	"deepresearch/internal/pool"
	"deepresearch/internal/types"
	"deepresearch/internal/worker"
)

// Config tunes the executor.
type Config struct {
	// Concurrency caps in-flight subtasks. Zero means use the pool capacity.
	Concurrency int
	// MaxReassignments bounds retries after timeout, worker loss, or a
	// failed attempt. The subtask fails once the budget is spent.
	MaxReassignments int
	// TaskTimeout bounds one attempt end to end.
	TaskTimeout time.Duration
}

// DefaultConfig matches the coordination defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		MaxReassignments: 1,
		TaskTimeout:      2 * time.Minute,
	}
}

// ProgressFunc receives worker status updates as they stream in.
type ProgressFunc func(subtaskID, workerID, stage, detail string)

// Executor runs subtask batches. One executor serves one session at a time;
// its bus identity is registered for the lifetime of the executor.
type Executor struct {
	id         string
	cfg        Config
	bus        *bus.Bus
	pool       *pool.Manager
	researcher types.Researcher
	onProgress ProgressFunc

	intercept func(*bus.Envelope)

	mu      sync.Mutex
	pending map[string]chan bus.Envelope // correlation id -> reply channel
	corrSub map[string]string            // correlation id -> subtask id
}

// Option configures an Executor.
type Option func(*Executor)

// WithProgress installs a status-update callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Executor) { e.onProgress = fn }
}

// WithOutboundInterceptor installs a hook that may inspect or rewrite
// assignment envelopes before they are sent. Used for instrumentation and
// fault injection.
func WithOutboundInterceptor(fn func(*bus.Envelope)) Option {
	return func(e *Executor) { e.intercept = fn }
}

// NewExecutor creates an executor and registers its reply mailbox.
func NewExecutor(cfg Config, b *bus.Bus, p *pool.Manager, r types.Researcher, opts ...Option) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = p.Capacity()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	e := &Executor{
		id:         fmt.Sprintf("executor-%s", uuid.NewString()[:8]),
		cfg:        cfg,
		bus:        b,
		pool:       p,
		researcher: r,
		pending:    make(map[string]chan bus.Envelope),
		corrSub:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	b.Register(e.id)
	return e
}

// ID returns the executor's bus identity.
func (e *Executor) ID() string { return e.id }

// Close unregisters the executor's mailbox.
func (e *Executor) Close() {
	e.bus.Unregister(e.id)
}

// Run executes all subtasks and returns one result per subtask id. The
// returned map is complete even when the context is cancelled mid-flight:
// unfinished subtasks report as failed. All worker slots are released before
// Run returns.
func (e *Executor) Run(ctx context.Context, sessionID string, subtasks []types.Subtask) map[string]types.SubtaskResult {
	results := make(map[string]types.SubtaskResult, len(subtasks))
	if len(subtasks) == 0 {
		return results
	}

	logging.Swarm("session %s: dispatching %d subtasks (concurrency=%d)",
		sessionID, len(subtasks), e.cfg.Concurrency)

	pumpCtx, stopPump := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go e.pump(pumpCtx, pumpDone)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, st := range subtasks {
		st := st
		g.Go(func() error {
			res := e.runSubtask(gctx, sessionID, st)
			mu.Lock()
			results[st.ID] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	stopPump()
	<-pumpDone

	e.mu.Lock()
	e.corrSub = make(map[string]string)
	e.mu.Unlock()

	succeeded := 0
	for _, r := range results {
		if r.Status == types.SubtaskSucceeded {
			succeeded++
		}
	}
	logging.Swarm("session %s: batch complete, %d/%d succeeded", sessionID, succeeded, len(subtasks))
	return results
}

// pump routes inbound envelopes to the per-subtask reply channels. Status
// updates go to the progress callback; results are matched by correlation id.
func (e *Executor) pump(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		env, err := e.bus.Receive(ctx, e.id, time.Second)
		if err != nil {
			if errors.Is(err, bus.ErrReceiveTimeout) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			return
		}

		switch env.Type {
		case bus.TypeTaskResult:
			e.mu.Lock()
			ch := e.pending[env.CorrelationID]
			e.mu.Unlock()
			if ch == nil {
				logging.SwarmDebug("late result for retired correlation %s dropped", env.CorrelationID)
				continue
			}
			select {
			case ch <- env:
			default:
				logging.SwarmDebug("duplicate result for %s dropped", env.CorrelationID)
			}
		case bus.TypeStatusUpdate:
			if e.onProgress == nil {
				continue
			}
			var p bus.StatusUpdatePayload
			if err := bus.DecodePayload(env.Payload, &p); err != nil {
				continue
			}
			e.mu.Lock()
			subtaskID := e.corrSub[trimStage(env.CorrelationID)]
			e.mu.Unlock()
			e.onProgress(subtaskID, p.WorkerID, p.Stage, p.Detail)
		default:
			logging.SwarmDebug("executor ignoring %s from %s", env.Type, env.SenderID)
		}
	}
}

// trimStage strips the stage suffix workers append to status correlation ids.
func trimStage(corr string) string {
	if i := strings.LastIndexByte(corr, '/'); i >= 0 {
		return corr[:i]
	}
	return corr
}

// runSubtask drives one subtask through its attempts. Each attempt leases a
// fresh worker; the reassignment budget is shared across attempt failures of
// every kind.
func (e *Executor) runSubtask(ctx context.Context, sessionID string, st types.Subtask) types.SubtaskResult {
	res := types.SubtaskResult{
		SubtaskID:     st.ID,
		SubtopicID:    st.Subtopic.ID,
		CorrelationID: st.CorrelationID,
		Status:        types.SubtaskFailed,
	}
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxReassignments; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		res.Attempts = attempt + 1
		if attempt > 0 {
			logging.Swarm("reassigning subtask %s (attempt %d/%d)", st.ID, attempt+1, e.cfg.MaxReassignments+1)
		}

		status, findings, err := e.attempt(ctx, sessionID, st, attempt)
		if status == types.SubtaskSucceeded {
			res.Status = types.SubtaskSucceeded
			res.Findings = findings
			res.CompletedAt = time.Now()
			return res
		}
		if status == types.SubtaskDeadLettered {
			res.Status = types.SubtaskDeadLettered
			res.Err = err.Error()
			res.CompletedAt = time.Now()
			return res
		}
		lastErr = err
	}

	if lastErr != nil {
		res.Err = lastErr.Error()
	}
	res.CompletedAt = time.Now()
	logging.Swarm("subtask %s failed after %d attempts: %v", st.ID, res.Attempts, lastErr)
	return res
}

// attempt runs a single lease-assign-await cycle. The returned status is
// Succeeded, DeadLettered (terminal), or Failed (reassignable).
func (e *Executor) attempt(ctx context.Context, sessionID string, st types.Subtask, attempt int) (types.SubtaskStatus, *types.Findings, error) {
	h, err := e.pool.Acquire(ctx, sessionID, "researcher")
	if err != nil {
		return types.SubtaskFailed, nil, err
	}

	// The worker runs under the attempt's context so session cancellation
	// and attempt teardown reach a collaborator call that is still in
	// flight; the executor must never sit out a task timeout for work it
	// has abandoned.
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	rt := worker.NewRuntime(h, e.bus, e.researcher, e.id, e.cfg.TaskTimeout)
	go func() {
		defer close(workerDone)
		rt.Run(workerCtx)
	}()
	// Terminating the handle stops the worker loop; wait for it so no
	// worker goroutine outlives the attempt that leased it.
	defer func() {
		e.pool.Terminate(h)
		stopWorker()
		<-workerDone
	}()

	// Each attempt gets its own correlation id so a stale worker's late
	// reply cannot satisfy a reassigned subtask.
	corr := st.CorrelationID
	if attempt > 0 {
		corr = fmt.Sprintf("%s/r%d", st.CorrelationID, attempt)
	}

	replies := make(chan bus.Envelope, 1)
	e.mu.Lock()
	e.pending[corr] = replies
	e.corrSub[corr] = st.ID
	e.mu.Unlock()
	// corrSub entries outlive the attempt: results ride at high priority
	// and can overtake trailing status updates, which still need the
	// correlation resolved. Run clears the map once the pump drains.
	defer func() {
		e.mu.Lock()
		delete(e.pending, corr)
		e.mu.Unlock()
	}()

	if status, err := e.sendAssignment(ctx, sessionID, st, h.ID, corr); status != types.SubtaskDispatched {
		return status, nil, err
	}

	timer := time.NewTimer(e.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case env := <-replies:
		var p bus.TaskResultPayload
		if err := bus.DecodePayload(env.Payload, &p); err != nil {
			return types.SubtaskFailed, nil, err
		}
		if p.Failed {
			return types.SubtaskFailed, nil, fmt.Errorf("worker %s: %s", p.WorkerID, p.Error)
		}
		return types.SubtaskSucceeded, p.Findings, nil
	case <-timer.C:
		logging.Swarm("subtask %s timed out on %s, terminating worker", st.ID, h.ID)
		return types.SubtaskFailed, nil, fmt.Errorf("attempt timed out after %v", e.cfg.TaskTimeout)
	case <-ctx.Done():
		return types.SubtaskFailed, nil, ctx.Err()
	}
}

// sendAssignment delivers the task envelope, applying the corruption and
// receiver-loss rules: a malformed envelope is rebuilt from the subtask once
// and dead-lettered if it fails again; a departed receiver fails the attempt
// so the subtask is reassigned to a fresh worker.
func (e *Executor) sendAssignment(ctx context.Context, sessionID string, st types.Subtask, workerID, corr string) (types.SubtaskStatus, error) {
	build := func() (bus.Envelope, error) {
		payload, err := bus.EncodePayload(bus.TaskAssignmentPayload{
			SubtaskID:   st.ID,
			Subtopic:    st.Subtopic,
			Constraints: st.Constraints,
		})
		if err != nil {
			return bus.Envelope{}, err
		}
		env := bus.NewEnvelope(e.id, workerID, bus.TypeTaskAssignment,
			payload, sessionID, corr, st.Priority)
		if e.intercept != nil {
			e.intercept(&env)
		}
		return env, nil
	}

	env, err := build()
	if err != nil {
		return types.SubtaskDeadLettered, err
	}

	for regenerated := false; ; {
		_, err := e.bus.Send(ctx, env)
		if err == nil {
			return types.SubtaskDispatched, nil
		}

		var malformed *bus.MalformedEnvelopeError
		if errors.As(err, &malformed) {
			if regenerated {
				e.bus.DeadLetter(env, "regenerated envelope still malformed: "+malformed.Reason)
				return types.SubtaskDeadLettered, err
			}
			logging.Swarm("regenerating malformed envelope for subtask %s: %v", st.ID, err)
			regenerated = true
			env, err = build()
			if err != nil {
				return types.SubtaskDeadLettered, err
			}
			continue
		}

		var gone *bus.ReceiverGoneError
		if errors.As(err, &gone) {
			return types.SubtaskFailed, err
		}

		var exhausted *bus.RetriesExhaustedError
		if errors.As(err, &exhausted) {
			return types.SubtaskDeadLettered, err
		}

		return types.SubtaskFailed, err
	}
}
