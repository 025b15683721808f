package research

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepresearch/internal/logging"
	"deepresearch/internal/quality"
	"deepresearch/internal/types"
)

// Session is one end-to-end research run. It is owned exclusively by its
// coordinator; other components see only the session id. The aggregate is
// mutated solely through Merge.
type Session struct {
	ID string

	mu             sync.RWMutex
	phase          Phase
	brief          *types.Brief
	iteration      int
	aggregate      map[string]types.SubtaskResult
	qualityHistory []*quality.Assessment
	limitations    []string
	failureReason  string
	startedAt      time.Time
	finishedAt     time.Time
}

// NewSession creates a session in the Inactive phase.
func NewSession() *Session {
	return &Session{
		ID:        fmt.Sprintf("sess-%s", uuid.NewString()[:8]),
		phase:     PhaseInactive,
		aggregate: make(map[string]types.SubtaskResult),
		startedAt: time.Now(),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Transition moves the session along one edge of the state graph. Illegal
// edges fail with PhaseTransitionError and leave the phase unchanged.
func (s *Session) Transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !legalTransition(s.phase, to) {
		return &PhaseTransitionError{From: s.phase, To: to}
	}
	logging.Supervisor("session %s: %s -> %s", s.ID, s.phase, to)
	s.phase = to
	if to == PhaseInactive {
		s.finishedAt = time.Now()
	}
	return nil
}

// Brief returns the session's research brief, nil before scoping completes.
func (s *Session) Brief() *types.Brief {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.brief
}

// SetBrief records the scoping outcome.
func (s *Session) SetBrief(b *types.Brief) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brief = b
}

// Iteration returns the reflection cycle counter.
func (s *Session) Iteration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

// AdvanceIteration bumps the cycle counter. It never decreases.
func (s *Session) AdvanceIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

// Merge folds a batch of results into the aggregate. The merge is
// commutative and idempotent: re-applying a result with the same correlation
// id is a no-op, and a prior succeeded result is never displaced.
func (s *Session) Merge(batch map[string]types.SubtaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, res := range batch {
		existing, ok := s.aggregate[id]
		if !ok {
			s.aggregate[id] = res
			continue
		}
		if existing.Status == types.SubtaskSucceeded {
			if res.CorrelationID != existing.CorrelationID {
				logging.Supervisor("session %s: ignoring late result for settled subtask %s", s.ID, id)
			}
			continue
		}
		if res.Status == types.SubtaskSucceeded {
			s.aggregate[id] = res
		}
		// Two non-succeeded outcomes: keep the one already applied.
	}
}

// Aggregate returns a copy of the per-subtask results.
func (s *Session) Aggregate() map[string]types.SubtaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.SubtaskResult, len(s.aggregate))
	for id, res := range s.aggregate {
		out[id] = res
	}
	return out
}

// RecordQuality appends a reflection cycle's assessment to the history.
func (s *Session) RecordQuality(a *quality.Assessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualityHistory = append(s.qualityHistory, a)
}

// QualityHistory returns the assessments in cycle order.
func (s *Session) QualityHistory() []*quality.Assessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*quality.Assessment, len(s.qualityHistory))
	copy(out, s.qualityHistory)
	return out
}

// AddLimitation records a "completed with limitations" marker.
func (s *Session) AddLimitation(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitations = append(s.limitations, note)
}

// Limitations returns recorded limitation markers.
func (s *Session) Limitations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.limitations))
	copy(out, s.limitations)
	return out
}

// SetFailure records why the session ended abnormally.
func (s *Session) SetFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureReason = reason
}

// FailureReason returns the recorded failure, empty for clean runs.
func (s *Session) FailureReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failureReason
}

// Record snapshots the session for archival.
func (s *Session) Record() *SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &SessionRecord{
		ID:            s.ID,
		Iterations:    s.iteration,
		ResultCount:   len(s.aggregate),
		Limitations:   append([]string(nil), s.limitations...),
		FailureReason: s.failureReason,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
	}
	if s.brief != nil {
		rec.Query = s.brief.Query
	}
	if n := len(s.qualityHistory); n > 0 {
		last := s.qualityHistory[n-1]
		rec.FinalVerdict = string(last.Verdict)
		rec.Completeness = last.Completeness
	}
	succeeded := 0
	for _, res := range s.aggregate {
		if res.Status == types.SubtaskSucceeded {
			succeeded++
		}
	}
	rec.SucceededCount = succeeded
	return rec
}

// SessionRecord is the archival snapshot of a finished session.
type SessionRecord struct {
	ID             string
	Query          string
	Iterations     int
	ResultCount    int
	SucceededCount int
	FinalVerdict   string
	Completeness   float64
	Limitations    []string
	FailureReason  string
	StartedAt      time.Time
	FinishedAt     time.Time
}
