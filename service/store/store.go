package store

import (
	"context"
	"time"

	"github.com/cropflow/cropflow/model/execution"
)

// Outbox message status constants
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusDead    = "dead"
)

// OutboxMessage is a row of the outbox table. A row is inserted in the same
// atomic commit as the process/step change it announces: a row that exists
// with sent status therefore implies the state change is durably visible.
// Sequence numbers are per process, strictly increasing and gapless, assigned
// at commit time.
type OutboxMessage struct {
	ID            string                 `json:"id"`
	ProcessID     string                 `json:"processId"`
	EventType     string                 `json:"eventType"`
	Step          string                 `json:"step,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Sequence      int64                  `json:"sequence"`
	Status        string                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	CreatedAt     time.Time              `json:"createdAt"`
	SentAt        *time.Time             `json:"sentAt,omitempty"`
	NextAttemptAt time.Time              `json:"nextAttemptAt"`
}

// Tx is a scoped write handle. All staged writes apply atomically on Commit
// or not at all. Commit fails with ErrConflict when a concurrent transaction
// advanced the same process past the version observed at Begin.
type Tx interface {
	// Process returns the mutable working copy captured at Begin, or nil for
	// a transaction creating a new process.
	Process() *execution.Process

	// UpsertProcess stages the full process row (steps included).
	UpsertProcess(process *execution.Process) error

	// UpsertStep stages a single step write on the transaction's process.
	UpsertStep(step *execution.Step) error

	// InsertOutbox stages an outbox row; its sequence is assigned at commit.
	InsertOutbox(eventType, step string, payload map[string]interface{}) error

	// Commit applies all staged writes atomically.
	Commit(ctx context.Context) error

	// Rollback discards all staged writes.
	Rollback(ctx context.Context) error
}

// Service is the durable, transactional storage for processes, steps and the
// outbox table. The orchestrator is the sole writer of process/step rows; the
// outbox publisher only flips message status.
type Service interface {
	// Begin opens a transaction scoped to the given process. An empty id
	// starts a transaction that creates a new process.
	Begin(ctx context.Context, processID string) (Tx, error)

	// LoadProcess returns a deep copy of the process or ErrNotFound.
	LoadProcess(ctx context.Context, id string) (*execution.Process, error)

	// ListProcesses returns deep copies of all stored processes.
	ListProcesses(ctx context.Context) ([]*execution.Process, error)

	// ListPendingOutbox returns up to limit pending rows due for publishing,
	// ordered by (processId, sequence).
	ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// ListOutbox returns all rows of one process in sequence order, any
	// status. Rows are retained for audit and replay.
	ListOutbox(ctx context.Context, processID string) ([]*OutboxMessage, error)

	// MarkOutboxSent flips a row to sent after an acknowledged publish.
	MarkOutboxSent(ctx context.Context, id string) error

	// MarkOutboxFailed records a failed publish attempt and schedules the
	// next one.
	MarkOutboxFailed(ctx context.Context, id string, nextAttemptAt time.Time) error

	// MarkOutboxDead dead-letters a row after its attempt budget is spent.
	MarkOutboxDead(ctx context.Context, id string) error
}
