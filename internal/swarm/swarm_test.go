package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"deepresearch/internal/bus"
	"deepresearch/internal/pool"
	"deepresearch/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedResearcher answers per subtopic id, failing a configurable number
// of times before succeeding.
type scriptedResearcher struct {
	mu        sync.Mutex
	failures  map[string]int // remaining failures per subtopic
	calls     map[string]int
	blockOnce map[string]bool // first call blocks until ctx expires
}

func newScriptedResearcher() *scriptedResearcher {
	return &scriptedResearcher{
		failures:  make(map[string]int),
		calls:     make(map[string]int),
		blockOnce: make(map[string]bool),
	}
}

func (r *scriptedResearcher) Research(ctx context.Context, req types.ResearchRequest) (*types.Findings, error) {
	id := req.Subtopic.ID
	r.mu.Lock()
	r.calls[id]++
	shouldFail := r.failures[id] > 0
	if shouldFail {
		r.failures[id]--
	}
	shouldBlock := r.blockOnce[id]
	if shouldBlock {
		r.blockOnce[id] = false
	}
	r.mu.Unlock()

	if shouldBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if shouldFail {
		return nil, errors.New("scripted failure")
	}
	return &types.Findings{
		SubtopicID: id,
		Summary:    "findings for " + id,
		Confidence: 0.85,
	}, nil
}

func (r *scriptedResearcher) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func makeSubtasks(n int) []types.Subtask {
	out := make([]types.Subtask, n)
	for i := range out {
		id := fmt.Sprintf("topic-%d", i)
		out[i] = types.Subtask{
			ID:            fmt.Sprintf("st-%d", i),
			SessionID:     "sess-1",
			Subtopic:      types.Subtopic{ID: id, Title: "Topic " + id},
			Priority:      types.PriorityNormal,
			CorrelationID: fmt.Sprintf("corr-%d", i),
			CreatedAt:     time.Now(),
		}
	}
	return out
}

type harness struct {
	bus        *bus.Bus
	pool       *pool.Manager
	researcher *scriptedResearcher
	executor   *Executor
}

func newHarness(t *testing.T, cfg Config, maxWorkers int, opts ...Option) *harness {
	t.Helper()
	b := bus.New(bus.DefaultConfig())
	p := pool.NewManager(pool.Config{MaxWorkers: maxWorkers, AcquireTimeout: 5 * time.Second}, b)
	r := newScriptedResearcher()
	e := NewExecutor(cfg, b, p, r, opts...)
	t.Cleanup(e.Close)
	return &harness{bus: b, pool: p, researcher: r, executor: e}
}

func TestRun_AllSubtasksSucceed(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 1, TaskTimeout: 5 * time.Second}, 5)

	subtasks := makeSubtasks(5)
	results := h.executor.Run(context.Background(), "sess-1", subtasks)

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for _, st := range subtasks {
		res, ok := results[st.ID]
		if !ok {
			t.Errorf("missing result for %s", st.ID)
			continue
		}
		if res.Status != types.SubtaskSucceeded {
			t.Errorf("%s status = %s, want %s (err=%s)", st.ID, res.Status, types.SubtaskSucceeded, res.Err)
		}
		if res.Findings == nil || res.Findings.SubtopicID != st.Subtopic.ID {
			t.Errorf("%s findings = %+v", st.ID, res.Findings)
		}
		if res.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", st.ID, res.Attempts)
		}
	}

	if h.pool.Active() != 0 {
		t.Errorf("pool has %d leased workers after Run, want 0", h.pool.Active())
	}
}

func TestRun_FailedAttemptIsReassignedOnce(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 1, TaskTimeout: 5 * time.Second}, 2)
	h.researcher.failures["topic-0"] = 1

	results := h.executor.Run(context.Background(), "sess-1", makeSubtasks(1))

	res := results["st-0"]
	if res.Status != types.SubtaskSucceeded {
		t.Fatalf("status = %s, want %s (err=%s)", res.Status, types.SubtaskSucceeded, res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if got := h.researcher.callCount("topic-0"); got != 2 {
		t.Errorf("researcher called %d times, want 2", got)
	}
}

func TestRun_ReassignmentBudgetExhausted(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 1, TaskTimeout: 5 * time.Second}, 2)
	h.researcher.failures["topic-0"] = 10

	results := h.executor.Run(context.Background(), "sess-1", makeSubtasks(1))

	res := results["st-0"]
	if res.Status != types.SubtaskFailed {
		t.Fatalf("status = %s, want %s", res.Status, types.SubtaskFailed)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (initial + one reassignment)", res.Attempts)
	}
	if res.Err == "" {
		t.Error("failed result carries no error")
	}
	if h.pool.Active() != 0 {
		t.Errorf("pool has %d leased workers after Run, want 0", h.pool.Active())
	}
}

func TestRun_TimeoutTerminatesAndReassigns(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1, MaxReassignments: 1, TaskTimeout: 300 * time.Millisecond}, 2)
	h.researcher.blockOnce["topic-0"] = true

	start := time.Now()
	results := h.executor.Run(context.Background(), "sess-1", makeSubtasks(1))

	res := results["st-0"]
	if res.Status != types.SubtaskSucceeded {
		t.Fatalf("status = %s, want %s after reassignment (err=%s)", res.Status, types.SubtaskSucceeded, res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("finished in %v, before the first attempt could time out", elapsed)
	}
	if h.pool.Active() != 0 {
		t.Errorf("pool has %d leased workers after Run, want 0", h.pool.Active())
	}
}

func TestRun_ConcurrencyCapHonored(t *testing.T) {
	// Pool capacity 2 with swarm concurrency 2: if the executor leaked
	// attempts past its limit, acquires would contend and time out.
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 0, TaskTimeout: 5 * time.Second}, 2)

	results := h.executor.Run(context.Background(), "sess-1", makeSubtasks(6))

	for id, res := range results {
		if res.Status != types.SubtaskSucceeded {
			t.Errorf("%s status = %s (err=%s)", id, res.Status, res.Err)
		}
	}
}

func TestRun_ProgressUpdatesStream(t *testing.T) {
	var mu sync.Mutex
	stages := make(map[string][]string)
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 0, TaskTimeout: 5 * time.Second}, 2,
		WithProgress(func(subtaskID, workerID, stage, detail string) {
			mu.Lock()
			stages[subtaskID] = append(stages[subtaskID], stage)
			mu.Unlock()
		}))

	h.executor.Run(context.Background(), "sess-1", makeSubtasks(2))

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"st-0", "st-1"} {
		got := stages[id]
		if len(got) < 2 {
			t.Errorf("%s saw stages %v, want at least started and completed", id, got)
			continue
		}
		if got[0] != "started" {
			t.Errorf("%s first stage = %s, want started", id, got[0])
		}
		if got[len(got)-1] != "completed" {
			t.Errorf("%s last stage = %s, want completed", id, got[len(got)-1])
		}
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2)
	results := h.executor.Run(context.Background(), "sess-1", nil)
	if len(results) != 0 {
		t.Errorf("got %d results for an empty batch", len(results))
	}
}

func TestRun_CancelledContextStillReturnsCompleteMap(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 0, TaskTimeout: 5 * time.Second}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := h.executor.Run(ctx, "sess-1", makeSubtasks(3))
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for id, res := range results {
		if res.Status != types.SubtaskFailed {
			t.Errorf("%s status = %s, want %s under cancellation", id, res.Status, types.SubtaskFailed)
		}
	}
	if h.pool.Active() != 0 {
		t.Errorf("pool has %d leased workers after Run, want 0", h.pool.Active())
	}
}

func TestRun_CancelInterruptsInFlightWork(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2, MaxReassignments: 0, TaskTimeout: 3 * time.Second}, 2)
	h.researcher.blockOnce["topic-0"] = true
	h.researcher.blockOnce["topic-1"] = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := h.executor.Run(ctx, "sess-1", makeSubtasks(2))
	elapsed := time.Since(start)

	// Cancellation must reach collaborator calls that are still in flight.
	// If the workers kept running detached, Run would sit out the full
	// task timeout for results it was told to abandon.
	if elapsed >= 3*time.Second {
		t.Fatalf("Run took %v after cancellation, blocked on abandoned work", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("Run took %v after a 150ms cancel, want a prompt return", elapsed)
	}
	for id, res := range results {
		if res.Status != types.SubtaskFailed {
			t.Errorf("%s status = %s, want %s under cancellation", id, res.Status, types.SubtaskFailed)
		}
	}
	if h.pool.Active() != 0 {
		t.Errorf("pool has %d leased workers after Run, want 0", h.pool.Active())
	}
}

func TestRun_CorruptedAssignmentRegeneratedOnce(t *testing.T) {
	var mu sync.Mutex
	corrupted := 0
	h := newHarness(t, Config{Concurrency: 1, MaxReassignments: 0, TaskTimeout: 5 * time.Second}, 2,
		WithOutboundInterceptor(func(env *bus.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			if corrupted == 0 {
				corrupted++
				env.Timestamp = "not-a-timestamp"
			}
		}))

	results := h.executor.Run(context.Background(), "sess-1", makeSubtasks(1))

	res := results["st-0"]
	if res.Status != types.SubtaskSucceeded {
		t.Fatalf("status = %s, want %s (err=%s)", res.Status, types.SubtaskSucceeded, res.Err)
	}
	// Regeneration is not a reassignment: one attempt, one worker lease.
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if got := h.researcher.callCount("topic-0"); got != 1 {
		t.Errorf("researcher called %d times, want 1", got)
	}
}

func TestRun_PersistentCorruptionDeadLetters(t *testing.T) {
	busCfg := bus.DefaultConfig()
	busCfg.DeadLetterTTL = 50 * time.Millisecond
	b := bus.New(busCfg)
	p := pool.NewManager(pool.Config{MaxWorkers: 2, AcquireTimeout: 5 * time.Second}, b)
	r := newScriptedResearcher()
	e := NewExecutor(Config{Concurrency: 1, MaxReassignments: 1, TaskTimeout: 5 * time.Second}, b, p, r,
		WithOutboundInterceptor(func(env *bus.Envelope) {
			env.Timestamp = "not-a-timestamp"
		}))
	t.Cleanup(e.Close)

	results := e.Run(context.Background(), "sess-1", makeSubtasks(1))

	res := results["st-0"]
	if res.Status != types.SubtaskDeadLettered {
		t.Fatalf("status = %s, want %s (err=%s)", res.Status, types.SubtaskDeadLettered, res.Err)
	}
	// Dead-lettering is terminal: no reassignment despite the budget, and
	// the worker never saw the assignment.
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if got := r.callCount("topic-0"); got != 0 {
		t.Errorf("researcher called %d times for an undeliverable assignment", got)
	}

	entry, ok := b.DeadLetterEntry("corr-0")
	if !ok {
		t.Fatal("no dead letter stored under the original correlation id")
	}
	if entry.Envelope.CorrelationID != "corr-0" {
		t.Errorf("dead letter corr = %s, want corr-0", entry.Envelope.CorrelationID)
	}

	// Entries lapse with the store TTL.
	time.Sleep(80 * time.Millisecond)
	if _, ok := b.DeadLetterEntry("corr-0"); ok {
		t.Error("dead letter readable past its TTL")
	}
}
