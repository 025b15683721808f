// Package bus implements typed envelope delivery between the coordinator,
// the swarm executor, and workers. Delivery is at-least-once with
// deduplication by (sender, correlation id, type); exhausted-retry envelopes
// land in a TTL-bounded dead-letter store. The bus holds no business state
// beyond in-flight envelopes and that store.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"deepresearch/internal/types"
)

// MessageType is the closed set of envelope variants. Match exhaustively at
// the bus and executor boundary; there is no open-ended string dispatch.
type MessageType string

const (
	TypeTaskAssignment     MessageType = "task_assignment"
	TypeTaskResult         MessageType = "task_result"
	TypeStatusUpdate       MessageType = "status_update"
	TypeTerminationRequest MessageType = "termination_request"
)

// Valid reports whether t is one of the four closed variants.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskAssignment, TypeTaskResult, TypeStatusUpdate, TypeTerminationRequest:
		return true
	}
	return false
}

// Envelope is the message unit exchanged over the bus. Treat as immutable
// once sent. The JSON shape is the wire contract: field names, the ISO8601
// timestamp string, and the lowercase priority values are all fixed.
type Envelope struct {
	SenderID      string                 `json:"sender_id"`
	ReceiverID    string                 `json:"receiver_id"`
	Type          MessageType            `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
	SessionID     string                 `json:"session_id"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     string                 `json:"timestamp"`
	Priority      types.Priority         `json:"priority"`
}

// NewEnvelope builds a validated envelope stamped with the current UTC time.
func NewEnvelope(sender, receiver string, msgType MessageType, payload map[string]interface{}, sessionID, correlationID string, priority types.Priority) Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Envelope{
		SenderID:      sender,
		ReceiverID:    receiver,
		Type:          msgType,
		Payload:       payload,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Priority:      priority,
	}
}

// Validate rejects malformed envelopes before they enter delivery.
func (e Envelope) Validate() error {
	switch {
	case e.SenderID == "":
		return &MalformedEnvelopeError{Reason: "empty sender_id"}
	case e.ReceiverID == "":
		return &MalformedEnvelopeError{Reason: "empty receiver_id"}
	case !e.Type.Valid():
		return &MalformedEnvelopeError{Reason: fmt.Sprintf("unknown type %q", string(e.Type))}
	case e.SessionID == "":
		return &MalformedEnvelopeError{Reason: "empty session_id"}
	case e.CorrelationID == "":
		return &MalformedEnvelopeError{Reason: "empty correlation_id"}
	case !e.Priority.Valid():
		return &MalformedEnvelopeError{Reason: fmt.Sprintf("unknown priority %q", string(e.Priority))}
	case e.Payload == nil:
		return &MalformedEnvelopeError{Reason: "nil payload"}
	}
	if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
		return &MalformedEnvelopeError{Reason: fmt.Sprintf("timestamp %q is not ISO8601", e.Timestamp)}
	}
	return nil
}

// dedupKey is the at-least-once deduplication identity.
func (e Envelope) dedupKey() string {
	return e.SenderID + "|" + e.CorrelationID + "|" + string(e.Type)
}

// Marshal renders the wire form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses and validates an envelope from its wire form.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Reason: err.Error()}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
