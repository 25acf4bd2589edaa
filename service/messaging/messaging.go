// Package messaging defines the queue contract used to hand step executions
// from the orchestrator to the worker pool. Delivery is at-least-once: a
// consumer must Ack on success or Nack on failure, and a redelivered step run
// is deduplicated downstream by the orchestrator's stale-step check.
package messaging

import (
	"context"
)

// Queue is an abstract message queue for any payload type.
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue
	Publish(ctx context.Context, t *T) error

	// Consume retrieves a single message from the queue
	Consume(ctx context.Context) (Message[T], error)
}

// Message represents a message retrieved from a queue.
type Message[T any] interface {
	// T returns the payload of this message
	T() *T

	// Ack acknowledges successful processing of this message
	Ack() error

	// Nack indicates failure in processing this message
	Nack(err error) error
}
