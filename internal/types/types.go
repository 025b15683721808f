// Package types provides shared type definitions used across the research
// engine. This package exists to break import cycles between the bus, pool,
// swarm, quality, and research packages. Types here are foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders work and message delivery. Values match the envelope wire
// contract exactly.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the four wire values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank returns a sortable weight; higher means more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// SubtaskStatus is the lifecycle state of one dispatchable unit of work.
type SubtaskStatus string

const (
	SubtaskPending      SubtaskStatus = "/pending"
	SubtaskDispatched   SubtaskStatus = "/dispatched"
	SubtaskSucceeded    SubtaskStatus = "/succeeded"
	SubtaskFailed       SubtaskStatus = "/failed"
	SubtaskDeadLettered SubtaskStatus = "/dead_lettered"
)

// Terminal reports whether the status is one a subtask never leaves.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskSucceeded, SubtaskFailed, SubtaskDeadLettered:
		return true
	}
	return false
}

// Subtopic describes one required area of coverage within a brief. The
// descriptor is opaque to the engine beyond identity and priority.
type Subtopic struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}

// Brief is the structured research objective produced by scoping.
type Brief struct {
	Query             string            `json:"query"`
	Objective         string            `json:"objective"`
	RequiredSubtopics []Subtopic        `json:"required_subtopics"`
	Constraints       map[string]string `json:"constraints,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Validate rejects briefs the engine cannot decompose.
func (b *Brief) Validate() error {
	if b == nil {
		return &ValidationError{Field: "brief", Reason: "nil brief"}
	}
	if strings.TrimSpace(b.Query) == "" {
		return &ValidationError{Field: "query", Reason: "empty query"}
	}
	if len(b.RequiredSubtopics) == 0 {
		return &ValidationError{Field: "required_subtopics", Reason: "no subtopics to research"}
	}
	seen := make(map[string]struct{}, len(b.RequiredSubtopics))
	for _, st := range b.RequiredSubtopics {
		if st.ID == "" {
			return &ValidationError{Field: "required_subtopics", Reason: "subtopic with empty id"}
		}
		if _, dup := seen[st.ID]; dup {
			return &ValidationError{Field: "required_subtopics", Reason: fmt.Sprintf("duplicate subtopic id %s", st.ID)}
		}
		seen[st.ID] = struct{}{}
	}
	return nil
}

// Subtask is one unit of dispatchable work derived from a brief. Constraints
// are inherited from the brief and travel with every assignment. A subtask
// carries no lifecycle state of its own; status and attempt counts live on
// the SubtaskResult the executor returns.
type Subtask struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Subtopic      Subtopic          `json:"subtopic"`
	Constraints   map[string]string `json:"constraints,omitempty"`
	Priority      Priority          `json:"priority"`
	CorrelationID string            `json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Source is a reference backing a finding.
type Source struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Relevance float64 `json:"relevance"`
}

// Findings is the structured output of one worker's research on a subtopic.
type Findings struct {
	SubtopicID  string   `json:"subtopic_id"`
	Summary     string   `json:"summary"`
	KeyFindings []string `json:"key_findings,omitempty"`
	Sources     []Source `json:"sources,omitempty"`
	Confidence  float64  `json:"confidence"`
	GapHints    []string `json:"gap_hints,omitempty"`
}

// SubtaskResult is the immutable per-subtask record merged into a session's
// aggregate. Findings is nil for non-succeeded results.
type SubtaskResult struct {
	SubtaskID     string        `json:"subtask_id"`
	SubtopicID    string        `json:"subtopic_id"`
	CorrelationID string        `json:"correlation_id"`
	Status        SubtaskStatus `json:"status"`
	Findings      *Findings     `json:"findings,omitempty"`
	Attempts      int           `json:"attempts"`
	Err           string        `json:"error,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// Report is the opaque artifact produced by the report collaborator.
type Report struct {
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Limitations []string  `json:"limitations,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ValidationError marks malformed input rejected before dispatch. The
// session stays in its current phase when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}
