package types

import "context"

// Scoper is the external scoping collaborator. It may be interactive and
// multi-turn internally; the engine only awaits a terminal Brief or failure.
type Scoper interface {
	Clarify(ctx context.Context, query string) (*Brief, error)
}

// ResearchRequest is the input handed to the content collaborator for one
// subtopic.
type ResearchRequest struct {
	Subtopic    Subtopic
	Constraints map[string]string
}

// Researcher is the external content collaborator invoked by workers. How it
// generates or scores text is not the engine's concern.
type Researcher interface {
	Research(ctx context.Context, req ResearchRequest) (*Findings, error)
}

// ReportCompiler is the external report-generation collaborator.
type ReportCompiler interface {
	Compile(ctx context.Context, results map[string]SubtaskResult, brief *Brief) (*Report, error)
}
