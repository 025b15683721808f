// Package quality scores a session's aggregate results against its brief
// and identifies coverage gaps. The reflector does thresholding and gap
// arithmetic only; judging content is the collaborator layer's job, so the
// depth and accuracy dimensions accept pluggable scoring functions.
package quality

import (
	"fmt"
	"sort"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/types"
)

// Verdict is the reflector's continue/stop decision.
type Verdict string

const (
	VerdictComplete      Verdict = "/complete"
	VerdictNeedsMoreWork Verdict = "/needs_more_work"
	VerdictExhausted     Verdict = "/exhausted"
)

// GapKind classifies a coverage shortfall. Missing outranks shallow.
type GapKind string

const (
	GapMissing GapKind = "/missing"
	GapShallow GapKind = "/shallow"
)

// Gap is one identified shortfall, carrying a suggested subtask descriptor
// the coordinator can materialize directly.
type Gap struct {
	Kind      GapKind
	Suggested types.Subtopic
	Priority  types.Priority
	Rationale string
}

// Assessment is one reflection cycle's output. Produced fresh each cycle,
// never mutated.
type Assessment struct {
	Completeness float64
	Depth        float64
	Accuracy     float64
	Gaps         []Gap
	Verdict      Verdict
	Iteration    int
	EvaluatedAt  time.Time
}

// ScoreFunc scores one dimension in [0,1] from the findings that cover each
// subtopic. Subtopics with no covering findings are absent from the map.
type ScoreFunc func(brief *types.Brief, covering map[string]*types.Findings) float64

// Config holds the per-dimension thresholds.
type Config struct {
	CompletenessThreshold float64
	DepthThreshold        float64
	AccuracyThreshold     float64

	// ConfidenceThreshold is the minimum success signal for a result to
	// count as covering its subtopic.
	ConfidenceThreshold float64
}

// DefaultConfig returns the documented threshold defaults.
func DefaultConfig() Config {
	return Config{
		CompletenessThreshold: 0.8,
		DepthThreshold:        0.7,
		AccuracyThreshold:     0.8,
		ConfidenceThreshold:   0.85,
	}
}

// Reflector evaluates aggregates. Safe for reuse across cycles and sessions.
type Reflector struct {
	cfg      Config
	depth    ScoreFunc
	accuracy ScoreFunc
}

// Option configures a Reflector.
type Option func(*Reflector)

// WithDepthScorer replaces the confidence-derived default depth scorer.
func WithDepthScorer(fn ScoreFunc) Option {
	return func(r *Reflector) { r.depth = fn }
}

// WithAccuracyScorer replaces the confidence-derived default accuracy scorer.
func WithAccuracyScorer(fn ScoreFunc) Option {
	return func(r *Reflector) { r.accuracy = fn }
}

// NewReflector creates a reflector with the given thresholds.
func NewReflector(cfg Config, opts ...Option) *Reflector {
	r := &Reflector{
		cfg:      cfg,
		depth:    defaultDepthScore,
		accuracy: defaultAccuracyScore,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate scores the aggregate against the brief and decides whether the
// research loop should continue. The iteration pair feeds the exhaustion
// rule: once iteration reaches budget, unmet thresholds become Exhausted
// rather than NeedsMoreWork.
func (r *Reflector) Evaluate(results map[string]types.SubtaskResult, brief *types.Brief, iteration, budget int) *Assessment {
	covering := r.coveringFindings(results)

	a := &Assessment{
		Iteration:   iteration,
		EvaluatedAt: time.Now(),
	}

	required := len(brief.RequiredSubtopics)
	if required > 0 {
		covered := 0
		for _, st := range brief.RequiredSubtopics {
			if _, ok := covering[st.ID]; ok {
				covered++
			}
		}
		a.Completeness = float64(covered) / float64(required)
	}
	a.Depth = clamp01(r.depth(brief, covering))
	a.Accuracy = clamp01(r.accuracy(brief, covering))

	a.Gaps = r.identifyGaps(results, brief, covering)

	met := a.Completeness >= r.cfg.CompletenessThreshold &&
		a.Depth >= r.cfg.DepthThreshold &&
		a.Accuracy >= r.cfg.AccuracyThreshold

	switch {
	case met:
		a.Verdict = VerdictComplete
	case len(a.Gaps) > 0 && iteration < budget:
		a.Verdict = VerdictNeedsMoreWork
	default:
		a.Verdict = VerdictExhausted
	}

	logging.Quality("cycle %d: completeness=%.2f depth=%.2f accuracy=%.2f gaps=%d verdict=%s",
		iteration, a.Completeness, a.Depth, a.Accuracy, len(a.Gaps), a.Verdict)
	return a
}

// coveringFindings maps each subtopic id to its best covering findings: the
// highest-confidence succeeded result at or above the confidence threshold.
func (r *Reflector) coveringFindings(results map[string]types.SubtaskResult) map[string]*types.Findings {
	covering := make(map[string]*types.Findings)
	for _, res := range results {
		if res.Status != types.SubtaskSucceeded || res.Findings == nil {
			continue
		}
		if res.Findings.Confidence < r.cfg.ConfidenceThreshold {
			continue
		}
		if best, ok := covering[res.SubtopicID]; !ok || res.Findings.Confidence > best.Confidence {
			covering[res.SubtopicID] = res.Findings
		}
	}
	return covering
}

// identifyGaps returns shortfalls ordered missing before shallow, and by the
// brief's subtopic order within each kind.
func (r *Reflector) identifyGaps(results map[string]types.SubtaskResult, brief *types.Brief, covering map[string]*types.Findings) []Gap {
	// A subtopic with any succeeded result below the confidence threshold
	// is shallow; one with no succeeded result at all is missing.
	attempted := make(map[string]*types.Findings)
	for _, res := range results {
		if res.Status == types.SubtaskSucceeded && res.Findings != nil {
			if best, ok := attempted[res.SubtopicID]; !ok || res.Findings.Confidence > best.Confidence {
				attempted[res.SubtopicID] = res.Findings
			}
		}
	}

	var gaps []Gap
	for _, st := range brief.RequiredSubtopics {
		if _, ok := covering[st.ID]; ok {
			continue
		}
		if f, ok := attempted[st.ID]; ok {
			gaps = append(gaps, Gap{
				Kind:      GapShallow,
				Suggested: deepenSubtopic(st, f),
				Priority:  st.Priority,
				Rationale: fmt.Sprintf("best confidence %.2f below threshold %.2f", f.Confidence, r.cfg.ConfidenceThreshold),
			})
		} else {
			gaps = append(gaps, Gap{
				Kind:      GapMissing,
				Suggested: st,
				Priority:  raisePriority(st.Priority),
				Rationale: "no result covers this subtopic",
			})
		}
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		return gapRank(gaps[i].Kind) > gapRank(gaps[j].Kind)
	})
	return gaps
}

func gapRank(k GapKind) int {
	if k == GapMissing {
		return 1
	}
	return 0
}

// deepenSubtopic builds the follow-up descriptor for a shallow subtopic,
// folding the worker's own gap hints into the description.
func deepenSubtopic(st types.Subtopic, f *types.Findings) types.Subtopic {
	out := st
	out.Description = st.Description
	if out.Description != "" {
		out.Description += "; "
	}
	out.Description += "deepen prior coverage"
	for _, hint := range f.GapHints {
		out.Description += "; " + hint
	}
	return out
}

// raisePriority bumps a missing subtopic one level so re-dispatch prefers it.
func raisePriority(p types.Priority) types.Priority {
	switch p {
	case types.PriorityLow:
		return types.PriorityNormal
	case types.PriorityNormal:
		return types.PriorityHigh
	default:
		return types.PriorityHigh
	}
}

// defaultDepthScore is the mean confidence across required subtopics, with
// uncovered subtopics scoring zero.
func defaultDepthScore(brief *types.Brief, covering map[string]*types.Findings) float64 {
	if len(brief.RequiredSubtopics) == 0 {
		return 0
	}
	sum := 0.0
	for _, st := range brief.RequiredSubtopics {
		if f, ok := covering[st.ID]; ok {
			sum += f.Confidence
		}
	}
	return sum / float64(len(brief.RequiredSubtopics))
}

// defaultAccuracyScore is the mean confidence over covered subtopics only:
// it judges what was produced, not what is absent.
func defaultAccuracyScore(brief *types.Brief, covering map[string]*types.Findings) float64 {
	if len(covering) == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range covering {
		sum += f.Confidence
	}
	return sum / float64(len(covering))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
