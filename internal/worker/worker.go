// Package worker runs the receive loop for a leased research worker. A
// worker is a message-driven executor: it handles task assignments by
// invoking the content collaborator and reports results and progress back
// over the bus. It holds no session state of its own.
package worker

import (
	"context"
	"errors"
	"time"

	"deepresearch/internal/bus"
	"deepresearch/internal/logging"
	"deepresearch/internal/pool"
	"deepresearch/internal/types"
)

// pollInterval bounds how long a worker blocks on its mailbox before
// re-checking for cooperative termination.
const pollInterval = 250 * time.Millisecond

// Runtime drives one worker's message loop.
type Runtime struct {
	handle     *pool.WorkerHandle
	bus        *bus.Bus
	researcher types.Researcher

	// executorID is where results and status updates go.
	executorID  string
	taskTimeout time.Duration
}

// NewRuntime binds a leased worker handle to its collaborator and reply
// target.
func NewRuntime(h *pool.WorkerHandle, b *bus.Bus, r types.Researcher, executorID string, taskTimeout time.Duration) *Runtime {
	if taskTimeout <= 0 {
		taskTimeout = 5 * time.Minute
	}
	return &Runtime{
		handle:      h,
		bus:         b,
		researcher:  r,
		executorID:  executorID,
		taskTimeout: taskTimeout,
	}
}

// Run consumes the worker's mailbox until a termination request arrives, the
// context is cancelled, or the handle begins terminating. Every message type
// is handled; unexpected ones are logged and skipped, never crashed on.
func (r *Runtime) Run(ctx context.Context) error {
	logging.Worker("%s online (session %s)", r.handle.ID, r.handle.SessionID)
	for {
		if r.handle.Terminating() {
			logging.WorkerDebug("%s observed terminating handle, exiting", r.handle.ID)
			return nil
		}

		env, err := r.bus.Receive(ctx, r.handle.ID, pollInterval)
		if err != nil {
			if errors.Is(err, bus.ErrReceiveTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Mailbox gone: the pool retired us out from under the loop.
			logging.WorkerDebug("%s receive failed, exiting: %v", r.handle.ID, err)
			return nil
		}

		switch env.Type {
		case bus.TypeTaskAssignment:
			r.handleAssignment(ctx, env)
		case bus.TypeTerminationRequest:
			var p bus.TerminationRequestPayload
			if err := bus.DecodePayload(env.Payload, &p); err == nil && p.Reason != "" {
				logging.Worker("%s terminating: %s", r.handle.ID, p.Reason)
			} else {
				logging.Worker("%s terminating", r.handle.ID)
			}
			return nil
		case bus.TypeStatusUpdate, bus.TypeTaskResult:
			// Workers emit these; receiving one means a routing mistake.
			logging.Worker("%s ignoring misrouted %s from %s", r.handle.ID, env.Type, env.SenderID)
		default:
			logging.Worker("%s ignoring unknown message type %q", r.handle.ID, env.Type)
		}
	}
}

func (r *Runtime) handleAssignment(ctx context.Context, env bus.Envelope) {
	var assignment bus.TaskAssignmentPayload
	if err := bus.DecodePayload(env.Payload, &assignment); err != nil {
		logging.Worker("%s received undecodable assignment (corr=%s): %v", r.handle.ID, env.CorrelationID, err)
		r.sendResult(ctx, env, bus.TaskResultPayload{
			SubtaskID: assignment.SubtaskID,
			WorkerID:  r.handle.ID,
			Failed:    true,
			Error:     "undecodable assignment: " + err.Error(),
		})
		return
	}

	r.handle.Busy()
	defer r.handle.Idle()

	r.sendStatus(ctx, env, "started", assignment.Subtopic.Title)

	taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	defer cancel()

	findings, err := r.researcher.Research(taskCtx, types.ResearchRequest{
		Subtopic:    assignment.Subtopic,
		Constraints: assignment.Constraints,
	})

	result := bus.TaskResultPayload{
		SubtaskID: assignment.SubtaskID,
		WorkerID:  r.handle.ID,
	}
	if err != nil {
		result.Failed = true
		result.Error = err.Error()
		logging.Worker("%s failed subtask %s: %v", r.handle.ID, assignment.SubtaskID, err)
		r.sendStatus(ctx, env, "failed", err.Error())
	} else {
		result.Findings = findings
		logging.WorkerDebug("%s completed subtask %s (confidence=%.2f)",
			r.handle.ID, assignment.SubtaskID, findings.Confidence)
		r.sendStatus(ctx, env, "completed", "")
	}

	r.sendResult(ctx, env, result)
}

// sendResult replies on the assignment's correlation id so the executor can
// match the result to its subtask. Results ride at high priority.
func (r *Runtime) sendResult(ctx context.Context, assignment bus.Envelope, p bus.TaskResultPayload) {
	payload, err := bus.EncodePayload(p)
	if err != nil {
		logging.Worker("%s could not encode result for %s: %v", r.handle.ID, p.SubtaskID, err)
		return
	}
	env := bus.NewEnvelope(r.handle.ID, r.executorID, bus.TypeTaskResult,
		payload, assignment.SessionID, assignment.CorrelationID, types.PriorityHigh)
	if _, err := r.bus.Send(ctx, env); err != nil {
		logging.Worker("%s could not deliver result for %s: %v", r.handle.ID, p.SubtaskID, err)
	}
}

// sendStatus is best-effort progress traffic at normal priority. A lost
// status update is harmless; the result message is authoritative.
func (r *Runtime) sendStatus(ctx context.Context, assignment bus.Envelope, stage, detail string) {
	payload, err := bus.EncodePayload(bus.StatusUpdatePayload{
		WorkerID: r.handle.ID,
		Stage:    stage,
		Detail:   detail,
	})
	if err != nil {
		return
	}
	env := bus.NewEnvelope(r.handle.ID, r.executorID, bus.TypeStatusUpdate,
		payload, assignment.SessionID, assignment.CorrelationID+"/"+stage, types.PriorityNormal)
	if _, err := r.bus.Send(ctx, env); err != nil {
		logging.WorkerDebug("%s status update dropped: %v", r.handle.ID, err)
	}
}
