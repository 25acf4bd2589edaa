package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/service/store"
)

func newProcess(id string) *execution.Process {
	return execution.NewProcess(id, "crop-advisor", "crop_recommendation",
		[]string{"collect_profile", "fetch_weather", "recommend"}, nil)
}

func TestTxCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	service := New()

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.InsertOutbox("workflow_started", "", map[string]interface{}{"state": "running"}))
	assert.NoError(t, tx.Commit(ctx))

	process, err := service.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, process.SCN)
	assert.Equal(t, 3, len(process.Steps))

	rows, err := service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, int64(1), rows[0].Sequence)
	assert.Equal(t, store.OutboxStatusPending, rows[0].Status)
}

func TestTxConflict(t *testing.T) {
	ctx := context.Background()
	service := New()

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.Commit(ctx))

	// Two transactions race on the same snapshot; the loser gets ErrConflict.
	tx1, err := service.Begin(ctx, "p-1")
	assert.NoError(t, err)
	tx2, err := service.Begin(ctx, "p-1")
	assert.NoError(t, err)

	first := tx1.Process()
	first.SetState(execution.StateRunning)
	assert.NoError(t, tx1.UpsertProcess(first))
	assert.NoError(t, tx1.Commit(ctx))

	second := tx2.Process()
	second.SetState(execution.StateFailed)
	assert.NoError(t, tx2.UpsertProcess(second))
	err = tx2.Commit(ctx)
	assert.ErrorIs(t, err, store.ErrConflict)

	process, err := service.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StateRunning, process.State)
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	service := New()

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.Commit(ctx))

	tx, err = service.Begin(ctx, "p-1")
	assert.NoError(t, err)
	working := tx.Process()
	working.SetState(execution.StateFailed)
	assert.NoError(t, tx.UpsertProcess(working))
	assert.NoError(t, tx.InsertOutbox("workflow_failed", "", nil))
	assert.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), store.ErrTxDone)

	process, err := service.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StatePending, process.State)
	rows, err := service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(rows))
}

func TestSequencesAreGapless(t *testing.T) {
	ctx := context.Background()
	service := New()

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.Commit(ctx))

	for i := 0; i < 3; i++ {
		tx, err = service.Begin(ctx, "p-1")
		assert.NoError(t, err)
		assert.NoError(t, tx.InsertOutbox("step_started", "collect_profile", nil))
		assert.NoError(t, tx.InsertOutbox("step_completed", "collect_profile", nil))
		assert.NoError(t, tx.Commit(ctx))
	}

	rows, err := service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 6, len(rows))
	for i, row := range rows {
		assert.Equal(t, int64(i+1), row.Sequence)
	}
}

func TestOutboxStatusTransitions(t *testing.T) {
	ctx := context.Background()
	service := New()

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.InsertOutbox("workflow_started", "", nil))
	assert.NoError(t, tx.Commit(ctx))

	pending, err := service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(pending))

	// A failed attempt pushes the row beyond the due horizon.
	future := time.Now().Add(time.Hour)
	assert.NoError(t, service.MarkOutboxFailed(ctx, pending[0].ID, future))
	due, err := service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(due))

	assert.NoError(t, service.MarkOutboxSent(ctx, pending[0].ID))
	rows, err := service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, rows[0].Status)
	assert.NotNil(t, rows[0].SentAt)
	assert.Equal(t, 1, rows[0].Attempts)
}

func TestBackoffRowWithholdsLaterSequences(t *testing.T) {
	ctx := context.Background()
	service := New()

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.InsertOutbox("workflow_started", "", nil))
	assert.NoError(t, tx.InsertOutbox("step_started", "collect_profile", nil))
	assert.NoError(t, tx.Commit(ctx))

	due, err := service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(due))
	first := due[0].ID

	// While sequence 1 backs off, sequence 2 must not surface as due.
	assert.NoError(t, service.MarkOutboxFailed(ctx, first, time.Now().Add(time.Hour)))
	due, err = service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(due))

	assert.NoError(t, service.MarkOutboxSent(ctx, first))
	due, err = service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(due))
	assert.Equal(t, int64(2), due[0].Sequence)
}

func TestLoadUnknownProcess(t *testing.T) {
	ctx := context.Background()
	service := New()
	_, err := service.LoadProcess(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = service.Begin(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
