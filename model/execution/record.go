package execution

import "time"

// StreamRecord is a single validated JSON value parsed out of a model's
// NDJSON output. Records are ephemeral – beyond the owning step's Records
// accumulator they only exist as outboxed chunk events.
type StreamRecord struct {
	ProcessID string                 `json:"processId"`
	StepIndex int                    `json:"stepIndex"`
	SchemaTag string                 `json:"schemaTag,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	EmittedAt time.Time              `json:"emittedAt"`
}

// StepRun is the unit of work dispatched to processor workers when a step
// enters in_progress. It is self-contained so that queue payloads survive
// serialisation to the fs-backed queue.
type StepRun struct {
	ID          string                 `json:"id"`
	ProcessID   string                 `json:"processId"`
	StepIndex   int                    `json:"stepIndex"`
	StepName    string                 `json:"stepName"`
	Service     string                 `json:"service"`
	Method      string                 `json:"method"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Streaming   bool                   `json:"streaming,omitempty"`
	SchemaTag   string                 `json:"schemaTag,omitempty"`
	Attempt     int                    `json:"attempt"`
	ScheduledAt time.Time              `json:"scheduledAt"`
}
