package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"deepresearch/internal/bus"
	"deepresearch/internal/pool"
	"deepresearch/internal/quality"
	"deepresearch/internal/types"
)

// mockScoper implements types.Scoper with an overridable func.
type mockScoper struct {
	mu          sync.Mutex
	calls       int
	ClarifyFunc func(ctx context.Context, query string) (*types.Brief, error)
}

func (m *mockScoper) Clarify(ctx context.Context, query string) (*types.Brief, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.ClarifyFunc != nil {
		return m.ClarifyFunc(ctx, query)
	}
	return &types.Brief{
		Query:     query,
		Objective: "answer " + query,
		RequiredSubtopics: []types.Subtopic{
			{ID: "a", Title: "Topic A", Priority: types.PriorityNormal},
			{ID: "b", Title: "Topic B", Priority: types.PriorityNormal},
		},
	}, nil
}

func (m *mockScoper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockCompiler implements types.ReportCompiler.
type mockCompiler struct {
	CompileFunc func(ctx context.Context, results map[string]types.SubtaskResult, brief *types.Brief) (*types.Report, error)
}

func (m *mockCompiler) Compile(ctx context.Context, results map[string]types.SubtaskResult, brief *types.Brief) (*types.Report, error) {
	if m.CompileFunc != nil {
		return m.CompileFunc(ctx, results, brief)
	}
	return &types.Report{Title: brief.Query, Content: fmt.Sprintf("%d results", len(results)), GeneratedAt: time.Now()}, nil
}

// mockExecutor resolves subtasks instantly using per-subtopic confidence
// scripts, without workers or a bus.
type mockExecutor struct {
	mu         sync.Mutex
	batches    [][]types.Subtask
	confidence map[string]float64 // per subtopic; missing means fail
	RunFunc    func(ctx context.Context, sessionID string, subtasks []types.Subtask) map[string]types.SubtaskResult
}

func (m *mockExecutor) Run(ctx context.Context, sessionID string, subtasks []types.Subtask) map[string]types.SubtaskResult {
	m.mu.Lock()
	m.batches = append(m.batches, subtasks)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(ctx, sessionID, subtasks)
	}
	return m.synthesize(subtasks)
}

func (m *mockExecutor) synthesize(subtasks []types.Subtask) map[string]types.SubtaskResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make(map[string]types.SubtaskResult, len(subtasks))
	for _, st := range subtasks {
		res := types.SubtaskResult{
			SubtaskID:     st.ID,
			SubtopicID:    st.Subtopic.ID,
			CorrelationID: st.CorrelationID,
			Attempts:      1,
			CompletedAt:   time.Now(),
		}
		if conf, ok := m.confidence[st.Subtopic.ID]; ok {
			res.Status = types.SubtaskSucceeded
			res.Findings = &types.Findings{SubtopicID: st.Subtopic.ID, Summary: "ok", Confidence: conf}
		} else {
			res.Status = types.SubtaskFailed
			res.Err = "no script for subtopic"
		}
		results[st.ID] = res
	}
	return results
}

func (m *mockExecutor) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

type coordFixture struct {
	bus      *bus.Bus
	pool     *pool.Manager
	scoper   *mockScoper
	compiler *mockCompiler
	executor *mockExecutor
	archived []*SessionRecord
}

type recordingArchiver struct {
	f *coordFixture
}

func (a *recordingArchiver) Archive(ctx context.Context, rec *SessionRecord) error {
	a.f.archived = append(a.f.archived, rec)
	return nil
}

func newCoordFixture() *coordFixture {
	b := bus.New(bus.DefaultConfig())
	return &coordFixture{
		bus:      b,
		pool:     pool.NewManager(pool.Config{MaxWorkers: 2, AcquireTimeout: time.Second}, b),
		scoper:   &mockScoper{},
		compiler: &mockCompiler{},
		executor: &mockExecutor{confidence: map[string]float64{"a": 0.9, "b": 0.9}},
	}
}

func (f *coordFixture) coordinator(cfg Config) *Coordinator {
	return NewCoordinator(cfg, f.bus, f.pool, f.executor, quality.NewReflector(quality.DefaultConfig()),
		f.scoper, f.compiler, WithArchiver(&recordingArchiver{f}))
}

func TestRun_CompleteFirstCycle(t *testing.T) {
	f := newCoordFixture()
	c := f.coordinator(DefaultConfig())

	report, session, err := c.Run(context.Background(), "what is the question")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report == nil || report.Title != "what is the question" {
		t.Errorf("report = %+v", report)
	}
	if session.Phase() != PhaseInactive {
		t.Errorf("final phase = %s, want %s", session.Phase(), PhaseInactive)
	}
	if session.Iteration() != 0 {
		t.Errorf("iteration = %d, want 0 for a first-cycle completion", session.Iteration())
	}
	if got := len(session.QualityHistory()); got != 1 {
		t.Errorf("quality history length = %d, want 1", got)
	}
	if f.executor.batchCount() != 1 {
		t.Errorf("executor ran %d batches, want 1", f.executor.batchCount())
	}
}

func TestRun_GapCycleFillsCoverage(t *testing.T) {
	f := newCoordFixture()
	// Subtopic b fails on the first batch, then starts succeeding.
	f.executor.confidence = map[string]float64{"a": 0.9}
	f.executor.RunFunc = func(ctx context.Context, sessionID string, subtasks []types.Subtask) map[string]types.SubtaskResult {
		results := f.executor.synthesize(subtasks)
		f.executor.mu.Lock()
		f.executor.confidence["b"] = 0.9
		f.executor.mu.Unlock()
		return results
	}

	c := f.coordinator(DefaultConfig())
	report, session, err := c.Run(context.Background(), "query")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report == nil {
		t.Fatal("no report")
	}
	if session.Iteration() != 1 {
		t.Errorf("iteration = %d, want 1 (one gap cycle)", session.Iteration())
	}
	if f.executor.batchCount() != 2 {
		t.Errorf("executor ran %d batches, want 2", f.executor.batchCount())
	}

	history := session.QualityHistory()
	if len(history) != 2 {
		t.Fatalf("quality history length = %d, want 2", len(history))
	}
	if history[0].Verdict != quality.VerdictNeedsMoreWork {
		t.Errorf("first verdict = %s", history[0].Verdict)
	}
	if history[1].Verdict != quality.VerdictComplete {
		t.Errorf("second verdict = %s", history[1].Verdict)
	}

	// The gap batch targets only the missing subtopic.
	second := f.executor.batches[1]
	if len(second) != 1 || second[0].Subtopic.ID != "b" {
		t.Errorf("gap batch = %+v, want exactly subtopic b", second)
	}
}

func TestRun_ExhaustionWithinBudget(t *testing.T) {
	f := newCoordFixture()
	// Subtopic b never succeeds: the loop must stop within the budget.
	f.executor.confidence = map[string]float64{"a": 0.9}

	cfg := Config{MaxReflectionIterations: 3, ScopingRetries: 0}
	c := f.coordinator(cfg)
	report, session, err := c.Run(context.Background(), "query")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report == nil {
		t.Fatal("exhausted session still produces a best-effort report")
	}
	if len(report.Limitations) == 0 {
		t.Error("report carries no limitation markers")
	}
	if session.Phase() != PhaseInactive {
		t.Errorf("final phase = %s", session.Phase())
	}
	if got := f.executor.batchCount(); got > cfg.MaxReflectionIterations+1 {
		t.Errorf("executor ran %d batches, budget allows at most %d", got, cfg.MaxReflectionIterations+1)
	}

	history := session.QualityHistory()
	if len(history) == 0 {
		t.Fatal("no quality history")
	}
	if last := history[len(history)-1]; last.Verdict != quality.VerdictExhausted {
		t.Errorf("final verdict = %s, want %s", last.Verdict, quality.VerdictExhausted)
	}
}

func TestRun_ScopingFailureAbortsToInactive(t *testing.T) {
	f := newCoordFixture()
	f.scoper.ClarifyFunc = func(ctx context.Context, query string) (*types.Brief, error) {
		return nil, errors.New("clarification impossible")
	}

	cfg := Config{MaxReflectionIterations: 3, ScopingRetries: 1}
	c := f.coordinator(cfg)
	report, session, err := c.Run(context.Background(), "query")
	if err == nil {
		t.Fatal("expected scoping error")
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	if session.Phase() != PhaseInactive {
		t.Errorf("final phase = %s, want %s", session.Phase(), PhaseInactive)
	}
	if session.FailureReason() == "" {
		t.Error("no failure reason recorded")
	}
	if f.scoper.callCount() != 2 {
		t.Errorf("scoper called %d times, want 2 (initial + 1 retry)", f.scoper.callCount())
	}
	if f.executor.batchCount() != 0 {
		t.Error("executor ran despite scoping failure")
	}
}

func TestRun_InvalidBriefRetriedThenRejected(t *testing.T) {
	f := newCoordFixture()
	f.scoper.ClarifyFunc = func(ctx context.Context, query string) (*types.Brief, error) {
		return &types.Brief{Query: query}, nil // no subtopics
	}

	c := f.coordinator(Config{MaxReflectionIterations: 3, ScopingRetries: 0})
	_, session, err := c.Run(context.Background(), "query")

	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *types.ValidationError", err)
	}
	if session.Phase() != PhaseInactive {
		t.Errorf("final phase = %s", session.Phase())
	}
}

func TestRun_CompileFailure(t *testing.T) {
	f := newCoordFixture()
	f.compiler.CompileFunc = func(ctx context.Context, results map[string]types.SubtaskResult, brief *types.Brief) (*types.Report, error) {
		return nil, errors.New("compile broke")
	}

	c := f.coordinator(DefaultConfig())
	report, session, err := c.Run(context.Background(), "query")
	if err == nil || report != nil {
		t.Fatalf("got (%v, %v), want compile error and nil report", report, err)
	}
	if session.Phase() != PhaseInactive {
		t.Errorf("final phase = %s, session left wedged", session.Phase())
	}
	if session.FailureReason() == "" {
		t.Error("no failure reason recorded")
	}
}

func TestStart_Cancellation(t *testing.T) {
	f := newCoordFixture()
	started := make(chan struct{})
	release := make(chan struct{})
	f.executor.RunFunc = func(ctx context.Context, sessionID string, subtasks []types.Subtask) map[string]types.SubtaskResult {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]types.SubtaskResult{}
	}

	c := f.coordinator(DefaultConfig())
	h := c.Start(context.Background(), "query")

	<-started
	h.Cancel()
	close(release)

	report, err := h.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	if h.Session.Phase() != PhaseInactive {
		t.Errorf("final phase = %s, want %s", h.Session.Phase(), PhaseInactive)
	}
	if h.Session.FailureReason() == "" {
		t.Error("cancellation not recorded as the failure reason")
	}
}

func TestRun_ArchivesFinishedSession(t *testing.T) {
	f := newCoordFixture()
	c := f.coordinator(DefaultConfig())

	_, session, err := c.Run(context.Background(), "query")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(f.archived) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archived))
	}
	rec := f.archived[0]
	if rec.ID != session.ID {
		t.Errorf("archived id = %s, want %s", rec.ID, session.ID)
	}
	if rec.SucceededCount != 2 {
		t.Errorf("succeeded count = %d, want 2", rec.SucceededCount)
	}
	if rec.FinalVerdict != string(quality.VerdictComplete) {
		t.Errorf("verdict = %s", rec.FinalVerdict)
	}
}

func TestRun_FailedSessionIsStillArchived(t *testing.T) {
	f := newCoordFixture()
	f.scoper.ClarifyFunc = func(ctx context.Context, query string) (*types.Brief, error) {
		return nil, errors.New("no")
	}

	c := f.coordinator(Config{MaxReflectionIterations: 1, ScopingRetries: 0})
	_, _, err := c.Run(context.Background(), "query")
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(f.archived) != 1 {
		t.Fatalf("archived %d records, want 1", len(f.archived))
	}
	if f.archived[0].FailureReason == "" {
		t.Error("archived record has no failure reason")
	}
}
