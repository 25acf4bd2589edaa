// Package eventstream defines the per-process ordered event log the outbox
// publisher drains into and the gateway fans out from. Delivery is
// at-least-once; consumers deduplicate on the stable (processId, sequence)
// key.
package eventstream

import (
	"context"
	"time"
)

// Event type constants – names follow the advisory runtime's wire protocol.
const (
	EventWorkflowStarted   = "workflow_started"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventStepCompensated   = "step_compensated"
	EventChunk             = "chunk"
	EventResult            = "result"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
)

// Event is one entry of a process's log.
type Event struct {
	ProcessID string                 `json:"processId"`
	Sequence  int64                  `json:"sequence"`
	EventType string                 `json:"eventType"`
	Step      string                 `json:"step,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Subscription is a live, restartable view over one process's log.
type Subscription interface {
	// Events yields events at or after the subscription's start sequence, in
	// non-decreasing sequence order. The channel closes when the
	// subscription is closed.
	Events() <-chan *Event

	// Close releases the subscription.
	Close()
}

// Service is an append-only log keyed by processId, ordered by sequence.
// There is no cross-process ordering guarantee; per-process order is total.
type Service interface {
	// Publish appends an event. Republishing the same (processId, sequence)
	// is a safe no-op, which makes outbox retries idempotent.
	Publish(ctx context.Context, event *Event) error

	// Subscribe produces a lazy, restartable sequence of events starting at
	// or after fromSequence.
	Subscribe(ctx context.Context, processID string, fromSequence int64) (Subscription, error)
}
