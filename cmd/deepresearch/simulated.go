package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"deepresearch/internal/types"
)

// simulatedCollaborators is a deterministic, offline stand-in for the
// scoping, content, and report collaborators. It exists so the engine can be
// exercised end to end without any external service: briefs are derived from
// the query text and findings confidence is a stable hash of the subtopic,
// so repeated runs behave identically.
type simulatedCollaborators struct{}

func newSimulatedCollaborators() *simulatedCollaborators {
	return &simulatedCollaborators{}
}

var facets = []string{"Background", "Current state", "Key actors", "Open problems"}

// Clarify derives a brief with one subtopic per facet of the query.
func (s *simulatedCollaborators) Clarify(ctx context.Context, query string) (*types.Brief, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &types.ValidationError{Field: "query", Reason: "empty query"}
	}

	brief := &types.Brief{
		Query:     query,
		Objective: "survey " + query,
		CreatedAt: time.Now(),
	}
	for i, facet := range facets {
		brief.RequiredSubtopics = append(brief.RequiredSubtopics, types.Subtopic{
			ID:          fmt.Sprintf("facet-%d", i),
			Title:       facet + " of " + query,
			Description: fmt.Sprintf("cover the %s of %q", strings.ToLower(facet), query),
			Priority:    types.PriorityNormal,
		})
	}
	return brief, nil
}

// Research produces findings whose confidence is a stable function of the
// subtopic, spread over [0.7, 1.0] so some subtopics need a second pass.
func (s *simulatedCollaborators) Research(ctx context.Context, req types.ResearchRequest) (*types.Findings, error) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	confidence := 0.7 + 0.3*hashUnit(req.Subtopic.ID+req.Subtopic.Description)
	f := &types.Findings{
		SubtopicID: req.Subtopic.ID,
		Summary:    fmt.Sprintf("Synthesized notes on %s.", req.Subtopic.Title),
		KeyFindings: []string{
			fmt.Sprintf("primary observation about %s", req.Subtopic.Title),
			fmt.Sprintf("secondary observation about %s", req.Subtopic.Title),
		},
		Sources: []types.Source{
			{Title: "Simulated source", URL: "local://simulated", Relevance: confidence},
		},
		Confidence: confidence,
	}
	if confidence < 0.85 {
		f.GapHints = []string{"broaden source coverage for " + req.Subtopic.Title}
	}
	return f, nil
}

// Compile renders the aggregate as a plain-text report.
func (s *simulatedCollaborators) Compile(ctx context.Context, results map[string]types.SubtaskResult, brief *types.Brief) (*types.Report, error) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective: %s\n\n", brief.Objective)
	for _, id := range ids {
		res := results[id]
		if res.Status != types.SubtaskSucceeded || res.Findings == nil {
			fmt.Fprintf(&sb, "[unresolved] subtask %s: %s\n", id, res.Err)
			continue
		}
		fmt.Fprintf(&sb, "%s (confidence %.2f)\n", res.Findings.Summary, res.Findings.Confidence)
		for _, kf := range res.Findings.KeyFindings {
			fmt.Fprintf(&sb, "  - %s\n", kf)
		}
	}

	return &types.Report{
		Title:       brief.Query,
		Content:     sb.String(),
		GeneratedAt: time.Now(),
	}, nil
}

// hashUnit maps a string to a stable value in [0,1).
func hashUnit(s string) float64 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return float64(h.Sum32()%1000) / 1000.0
}
