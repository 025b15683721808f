package research

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"deepresearch/internal/quality"
	"deepresearch/internal/types"
)

func TestTransitionTable(t *testing.T) {
	phases := []Phase{PhaseInactive, PhaseScoping, PhaseResearch, PhaseReporting}
	legal := map[[2]Phase]bool{
		{PhaseInactive, PhaseScoping}:   true,
		{PhaseScoping, PhaseResearch}:   true,
		{PhaseScoping, PhaseInactive}:   true,
		{PhaseResearch, PhaseReporting}: true,
		{PhaseResearch, PhaseScoping}:   true,
		{PhaseReporting, PhaseInactive}: true,
	}

	for _, from := range phases {
		for _, to := range phases {
			s := NewSession()
			s.phase = from

			err := s.Transition(to)
			if legal[[2]Phase{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s rejected: %v", from, to, err)
				}
				if s.Phase() != to {
					t.Errorf("%s -> %s left phase at %s", from, to, s.Phase())
				}
				continue
			}

			var pte *PhaseTransitionError
			if err == nil {
				t.Errorf("%s -> %s accepted, want PhaseTransitionError", from, to)
			} else if !errors.As(err, &pte) {
				t.Errorf("%s -> %s error = %T, want *PhaseTransitionError", from, to, err)
			}
			if s.Phase() != from {
				t.Errorf("failed %s -> %s moved phase to %s", from, to, s.Phase())
			}
		}
	}
}

func succeededResult(subtaskID, subtopicID, corr string, confidence float64) types.SubtaskResult {
	return types.SubtaskResult{
		SubtaskID:     subtaskID,
		SubtopicID:    subtopicID,
		CorrelationID: corr,
		Status:        types.SubtaskSucceeded,
		Findings:      &types.Findings{SubtopicID: subtopicID, Summary: "s", Confidence: confidence},
		Attempts:      1,
		CompletedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func failedResult(subtaskID, subtopicID, corr string) types.SubtaskResult {
	return types.SubtaskResult{
		SubtaskID:     subtaskID,
		SubtopicID:    subtopicID,
		CorrelationID: corr,
		Status:        types.SubtaskFailed,
		Err:           "boom",
		Attempts:      2,
		CompletedAt:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}
}

func TestMerge_Idempotent(t *testing.T) {
	s := NewSession()
	batch := map[string]types.SubtaskResult{
		"st-1": succeededResult("st-1", "a", "corr-1", 0.9),
		"st-2": failedResult("st-2", "b", "corr-2"),
	}

	s.Merge(batch)
	first := s.Aggregate()

	s.Merge(batch)
	second := s.Aggregate()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-merging the same batch changed the aggregate:\n%s", diff)
	}
}

func TestMerge_Commutative(t *testing.T) {
	success := succeededResult("st-1", "a", "corr-1", 0.9)
	failure := failedResult("st-1", "a", "corr-1b")

	forward := NewSession()
	forward.Merge(map[string]types.SubtaskResult{"st-1": failure})
	forward.Merge(map[string]types.SubtaskResult{"st-1": success})

	reverse := NewSession()
	reverse.Merge(map[string]types.SubtaskResult{"st-1": success})
	reverse.Merge(map[string]types.SubtaskResult{"st-1": failure})

	if diff := cmp.Diff(forward.Aggregate(), reverse.Aggregate()); diff != "" {
		t.Errorf("merge order changed the aggregate:\n%s", diff)
	}
	if got := forward.Aggregate()["st-1"].Status; got != types.SubtaskSucceeded {
		t.Errorf("status = %s, success was displaced", got)
	}
}

func TestMerge_NeverDiscardsPriorSuccess(t *testing.T) {
	s := NewSession()
	s.Merge(map[string]types.SubtaskResult{
		"st-1": succeededResult("st-1", "a", "corr-1", 0.9),
	})
	s.Merge(map[string]types.SubtaskResult{
		"st-1": failedResult("st-1", "a", "corr-other"),
	})

	res := s.Aggregate()["st-1"]
	if res.Status != types.SubtaskSucceeded {
		t.Errorf("status = %s, want %s", res.Status, types.SubtaskSucceeded)
	}
	if res.Findings == nil || res.Findings.Confidence != 0.9 {
		t.Errorf("original findings lost: %+v", res.Findings)
	}
}

func TestIteration_Monotonic(t *testing.T) {
	s := NewSession()
	if s.Iteration() != 0 {
		t.Errorf("initial iteration = %d, want 0", s.Iteration())
	}
	for want := 1; want <= 3; want++ {
		if got := s.AdvanceIteration(); got != want {
			t.Errorf("AdvanceIteration = %d, want %d", got, want)
		}
	}
}

func TestRecord_Snapshot(t *testing.T) {
	s := NewSession()
	s.SetBrief(&types.Brief{Query: "what happened", RequiredSubtopics: []types.Subtopic{{ID: "a"}}})
	s.Merge(map[string]types.SubtaskResult{
		"st-1": succeededResult("st-1", "a", "corr-1", 0.9),
		"st-2": failedResult("st-2", "b", "corr-2"),
	})
	s.AdvanceIteration()
	s.RecordQuality(&quality.Assessment{Verdict: quality.VerdictExhausted, Completeness: 0.5})
	s.AddLimitation("budget exhausted")

	rec := s.Record()
	if rec.Query != "what happened" {
		t.Errorf("query = %q", rec.Query)
	}
	if rec.ResultCount != 2 || rec.SucceededCount != 1 {
		t.Errorf("counts = (%d, %d), want (2, 1)", rec.ResultCount, rec.SucceededCount)
	}
	if rec.FinalVerdict != string(quality.VerdictExhausted) {
		t.Errorf("verdict = %s", rec.FinalVerdict)
	}
	if rec.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", rec.Iterations)
	}
	if len(rec.Limitations) != 1 {
		t.Errorf("limitations = %v", rec.Limitations)
	}
}
