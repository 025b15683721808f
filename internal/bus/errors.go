package bus

import (
	"errors"
	"fmt"
)

// ErrReceiveTimeout is the typed "nothing arrived in time" outcome of
// Receive. It is a value callers branch on, not a crash.
var ErrReceiveTimeout = errors.New("receive timed out")

// MalformedEnvelopeError marks an envelope that failed validation or whose
// payload cannot be decoded. Never retried by the bus: the owner regenerates
// the envelope from the original subtask once, then dead-letters it.
type MalformedEnvelopeError struct {
	Reason string
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

// ReceiverGoneError marks a send to a permanently departed receiver. No
// retry is attempted; the swarm executor reassigns the owning subtask.
type ReceiverGoneError struct {
	ReceiverID string
}

func (e *ReceiverGoneError) Error() string {
	return fmt.Sprintf("receiver %s is gone", e.ReceiverID)
}

// RetriesExhaustedError marks a transient failure that outlived its retry
// budget. The envelope has already been moved to the dead-letter store.
type RetriesExhaustedError struct {
	ReceiverID string
	Attempts   int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts", e.ReceiverID, e.Attempts)
}
