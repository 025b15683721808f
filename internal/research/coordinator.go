// Package research owns the session state machine and the supervisor loop:
// scope the query into a brief, fan research out over the swarm in bounded
// reflection cycles, then compile the final report.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deepresearch/internal/bus"
	"deepresearch/internal/logging"
	"deepresearch/internal/pool"
	"deepresearch/internal/quality"
	"deepresearch/internal/types"
)

// Executor runs one batch of subtasks and returns a complete outcome map.
// Satisfied by the swarm executor.
type Executor interface {
	Run(ctx context.Context, sessionID string, subtasks []types.Subtask) map[string]types.SubtaskResult
}

// Archiver persists finished sessions.
type Archiver interface {
	Archive(ctx context.Context, rec *SessionRecord) error
}

// Config tunes the supervisor loop.
type Config struct {
	// MaxReflectionIterations caps evaluate-and-expand cycles per session.
	MaxReflectionIterations int
	// ScopingRetries is how many extra clarification attempts are made
	// before the session aborts back to Inactive.
	ScopingRetries int
}

// DefaultConfig matches the documented coordination defaults.
func DefaultConfig() Config {
	return Config{
		MaxReflectionIterations: 3,
		ScopingRetries:          1,
	}
}

// Coordinator drives research sessions. One coordinator can run sessions
// sequentially or concurrently; all session state lives in the Session, so
// concurrent runs share only the bus and pool.
type Coordinator struct {
	cfg       Config
	bus       *bus.Bus
	pool      *pool.Manager
	executor  Executor
	reflector *quality.Reflector
	scoper    types.Scoper
	compiler  types.ReportCompiler
	archiver  Archiver
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchiver enables session archival.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// NewCoordinator wires the supervisor to its collaborators.
func NewCoordinator(cfg Config, b *bus.Bus, p *pool.Manager, ex Executor, r *quality.Reflector,
	scoper types.Scoper, compiler types.ReportCompiler, opts ...Option) *Coordinator {
	if cfg.MaxReflectionIterations < 1 {
		cfg.MaxReflectionIterations = DefaultConfig().MaxReflectionIterations
	}
	c := &Coordinator{
		cfg:       cfg,
		bus:       b,
		pool:      p,
		executor:  ex,
		reflector: r,
		scoper:    scoper,
		compiler:  compiler,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle is the caller's view of a running session.
type Handle struct {
	Session *Session

	done   chan struct{}
	report *types.Report
	err    error
	cancel func()
}

// Wait blocks until the session finishes and returns the report, nil when
// the session failed or was cancelled.
func (h *Handle) Wait() (*types.Report, error) {
	<-h.done
	return h.report, h.err
}

// Done is closed when the session reaches Inactive.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cooperative cancellation: no new subtasks are issued,
// outstanding workers are terminated, and further bus sends for the session
// are dropped.
func (h *Handle) Cancel() { h.cancel() }

// Start launches a session for the query and returns its handle.
func (c *Coordinator) Start(ctx context.Context, query string) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	s := NewSession()
	h := &Handle{
		Session: s,
		done:    make(chan struct{}),
		cancel: func() {
			c.bus.CancelSession(s.ID)
			c.pool.TerminateSession(s.ID)
			cancel()
		},
	}
	go func() {
		defer close(h.done)
		defer cancel()
		h.report, h.err = c.run(runCtx, s, query)
	}()
	return h
}

// Run executes a session synchronously.
func (c *Coordinator) Run(ctx context.Context, query string) (*types.Report, *Session, error) {
	h := c.Start(ctx, query)
	report, err := h.Wait()
	return report, h.Session, err
}

func (c *Coordinator) run(ctx context.Context, s *Session, query string) (report *types.Report, err error) {
	logging.Supervisor("session %s: starting for query %q", s.ID, query)
	defer c.finalize(s)

	if err := s.Transition(PhaseScoping); err != nil {
		return nil, err
	}

	brief, err := c.scope(ctx, s, query)
	if err != nil {
		s.SetFailure("scoping failed: " + err.Error())
		if terr := s.Transition(PhaseInactive); terr != nil {
			return nil, terr
		}
		return nil, err
	}
	s.SetBrief(brief)

	if err := s.Transition(PhaseResearch); err != nil {
		return nil, err
	}

	c.researchLoop(ctx, s, brief)

	if err := s.Transition(PhaseReporting); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		s.SetFailure("session cancelled")
		if terr := s.Transition(PhaseInactive); terr != nil {
			return nil, terr
		}
		return nil, ctx.Err()
	}

	report, err = c.compiler.Compile(ctx, s.Aggregate(), brief)
	if err != nil {
		s.SetFailure("report compilation failed: " + err.Error())
		if terr := s.Transition(PhaseInactive); terr != nil {
			return nil, terr
		}
		return nil, err
	}
	if len(s.Limitations()) > 0 && report != nil {
		report.Limitations = append(report.Limitations, s.Limitations()...)
	}

	if terr := s.Transition(PhaseInactive); terr != nil {
		return nil, terr
	}
	logging.Supervisor("session %s: complete after %d reflection cycles", s.ID, s.Iteration())
	return report, nil
}

// scope obtains a validated brief, retrying clarification within the Scoping
// phase before aborting.
func (c *Coordinator) scope(ctx context.Context, s *Session, query string) (*types.Brief, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ScopingRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		brief, err := c.scoper.Clarify(ctx, query)
		if err != nil {
			lastErr = err
			logging.Supervisor("session %s: clarification attempt %d failed: %v", s.ID, attempt+1, err)
			continue
		}
		if err := brief.Validate(); err != nil {
			lastErr = err
			logging.Supervisor("session %s: brief rejected: %v", s.ID, err)
			continue
		}
		return brief, nil
	}
	return nil, lastErr
}

// researchLoop runs bounded evaluate-and-expand cycles. Termination is
// guaranteed two ways: the reflector downgrades NeedsMoreWork to Exhausted
// once the iteration counter reaches the budget, and the loop guard stops
// regardless of what the reflector returns.
func (c *Coordinator) researchLoop(ctx context.Context, s *Session, brief *types.Brief) {
	pending := c.decompose(s, brief)

	for {
		if ctx.Err() != nil {
			s.AddLimitation("research interrupted by cancellation")
			return
		}

		results := c.executor.Run(ctx, s.ID, pending)
		s.Merge(results)

		assessment := c.reflector.Evaluate(s.Aggregate(), brief, s.Iteration(), c.cfg.MaxReflectionIterations)
		s.RecordQuality(assessment)

		switch assessment.Verdict {
		case quality.VerdictComplete:
			return
		case quality.VerdictExhausted:
			s.AddLimitation(fmt.Sprintf(
				"research ended at %.0f%% completeness after %d cycles",
				assessment.Completeness*100, s.Iteration()+1))
			return
		case quality.VerdictNeedsMoreWork:
			pending = c.materialize(s, brief, assessment.Gaps)
			if len(pending) == 0 {
				s.AddLimitation("no addressable gaps could be materialized")
				return
			}
			if s.AdvanceIteration() > c.cfg.MaxReflectionIterations {
				s.AddLimitation(fmt.Sprintf(
					"iteration budget of %d exhausted", c.cfg.MaxReflectionIterations))
				return
			}
		}
	}
}

// decompose turns the brief's required subtopics into the initial subtask
// set.
func (c *Coordinator) decompose(s *Session, brief *types.Brief) []types.Subtask {
	subtasks := make([]types.Subtask, 0, len(brief.RequiredSubtopics))
	for _, st := range brief.RequiredSubtopics {
		subtasks = append(subtasks, newSubtask(s.ID, st, st.Priority, brief.Constraints))
	}
	logging.Supervisor("session %s: decomposed brief into %d subtasks", s.ID, len(subtasks))
	return subtasks
}

// materialize turns reflector gaps into the next cycle's subtasks.
func (c *Coordinator) materialize(s *Session, brief *types.Brief, gaps []quality.Gap) []types.Subtask {
	subtasks := make([]types.Subtask, 0, len(gaps))
	for _, gap := range gaps {
		subtasks = append(subtasks, newSubtask(s.ID, gap.Suggested, gap.Priority, brief.Constraints))
	}
	logging.Supervisor("session %s: materialized %d gap subtasks", s.ID, len(subtasks))
	return subtasks
}

func newSubtask(sessionID string, subtopic types.Subtopic, priority types.Priority, constraints map[string]string) types.Subtask {
	if !priority.Valid() {
		priority = types.PriorityNormal
	}
	return types.Subtask{
		ID:            fmt.Sprintf("st-%s", uuid.NewString()[:8]),
		SessionID:     sessionID,
		Subtopic:      subtopic,
		Constraints:   constraints,
		Priority:      priority,
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now(),
	}
}

// finalize purges per-session state and archives the record. Runs on every
// exit path, including failures.
func (c *Coordinator) finalize(s *Session) {
	released := c.pool.TerminateSession(s.ID)
	purged := c.bus.PurgeSession(s.ID)
	logging.Supervisor("session %s: finalized (workers released=%d, dead letters purged=%d)",
		s.ID, released, purged)

	if c.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.archiver.Archive(ctx, s.Record()); err != nil {
			logging.Supervisor("session %s: archive failed: %v", s.ID, err)
		}
	}
}
