package bus

import (
	"encoding/json"

	"deepresearch/internal/types"
)

// Typed payload bodies for each envelope variant. They cross the wire as the
// envelope's payload map; Encode/Decode go through JSON so workers written
// against the wire shape interoperate.

// TaskAssignmentPayload carries one subtopic to a worker.
type TaskAssignmentPayload struct {
	SubtaskID   string            `json:"subtask_id"`
	Subtopic    types.Subtopic    `json:"subtopic"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// TaskResultPayload carries a worker's outcome back to the executor.
type TaskResultPayload struct {
	SubtaskID string          `json:"subtask_id"`
	WorkerID  string          `json:"worker_id"`
	Findings  *types.Findings `json:"findings,omitempty"`
	Failed    bool            `json:"failed"`
	Error     string          `json:"error,omitempty"`
}

// StatusUpdatePayload reports worker progress for the session event trail.
type StatusUpdatePayload struct {
	WorkerID string `json:"worker_id"`
	Stage    string `json:"stage"`
	Detail   string `json:"detail,omitempty"`
}

// TerminationRequestPayload asks a worker to stop cooperatively.
type TerminationRequestPayload struct {
	Reason string `json:"reason"`
}

// EncodePayload converts a typed payload into the envelope map form.
func EncodePayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &MalformedEnvelopeError{Reason: "unencodable payload: " + err.Error()}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &MalformedEnvelopeError{Reason: "payload is not an object: " + err.Error()}
	}
	return m, nil
}

// DecodePayload fills a typed payload from the envelope map form.
func DecodePayload(m map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return &MalformedEnvelopeError{Reason: "corrupt payload: " + err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &MalformedEnvelopeError{Reason: "corrupt payload: " + err.Error()}
	}
	return nil
}
