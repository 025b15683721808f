package research

import "fmt"

// Phase is a session's position in the supervisor state machine.
type Phase string

const (
	PhaseInactive  Phase = "/inactive"
	PhaseScoping   Phase = "/scoping"
	PhaseResearch  Phase = "/research"
	PhaseReporting Phase = "/reporting"
)

// PhaseTransitionError marks an attempted edge outside the state graph. The
// session's phase is unchanged when one is returned.
type PhaseTransitionError struct {
	From Phase
	To   Phase
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}

// legalEdges is the closed transition table. Nothing outside it succeeds.
var legalEdges = map[Phase][]Phase{
	PhaseInactive:  {PhaseScoping},
	PhaseScoping:   {PhaseResearch, PhaseInactive},
	PhaseResearch:  {PhaseReporting, PhaseScoping},
	PhaseReporting: {PhaseInactive},
}

func legalTransition(from, to Phase) bool {
	for _, t := range legalEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}
