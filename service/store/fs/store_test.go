package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/viant/afs"
	"github.com/viant/afs/storage"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/service/store"
)

// flakyUploadFS fails uploads on demand to exercise torn-commit handling.
type flakyUploadFS struct {
	afs.Service
	mu      sync.Mutex
	failing bool
}

func (f *flakyUploadFS) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *flakyUploadFS) Upload(ctx context.Context, URL string, mode os.FileMode, reader io.Reader, options ...storage.Option) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("device out of space")
	}
	return f.Service.Upload(ctx, URL, mode, reader, options...)
}

func newTestStore(t *testing.T) *Service {
	t.Helper()
	service, err := New(afs.New(), t.TempDir())
	assert.NoError(t, err)
	return service
}

func newProcess(id string) *execution.Process {
	return execution.NewProcess(id, "crop-advisor", "crop_recommendation",
		[]string{"collect_profile", "fetch_weather", "recommend"}, nil)
}

func TestTxCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	service := newTestStore(t)

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

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	service, err := New(afs.New(), baseDir)
	assert.NoError(t, err)

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	process := newProcess("p-1")
	process.SetState(execution.StateRunning)
	process.Steps[0].Start()
	assert.NoError(t, tx.UpsertProcess(process))
	assert.NoError(t, tx.InsertOutbox("workflow_started", "", nil))
	assert.NoError(t, tx.InsertOutbox("step_started", "collect_profile", nil))
	assert.NoError(t, tx.Commit(ctx))

	// A fresh store over the same location sees the committed state.
	reopened, err := New(afs.New(), baseDir)
	assert.NoError(t, err)
	loaded, err := reopened.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StateRunning, loaded.State)
	assert.Equal(t, execution.StepStateInProgress, loaded.Steps[0].State)

	rows, err := reopened.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(rows))
	assert.Equal(t, int64(2), rows[1].Sequence)
}

func TestTxConflict(t *testing.T) {
	ctx := context.Background()
	service := newTestStore(t)

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.Commit(ctx))

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
	assert.ErrorIs(t, tx2.Commit(ctx), store.ErrConflict)

	process, err := service.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, execution.StateRunning, process.State)
}

func TestOutboxStatusTransitions(t *testing.T) {
	ctx := context.Background()
	service := newTestStore(t)

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.InsertOutbox("workflow_started", "", nil))
	assert.NoError(t, tx.Commit(ctx))

	pending, err := service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(pending))

	assert.NoError(t, service.MarkOutboxSent(ctx, pending[0].ID))
	pending, err = service.ListPendingOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(pending))

	rows, err := service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, rows[0].Status)
	assert.NotNil(t, rows[0].SentAt)

	assert.ErrorIs(t, service.MarkOutboxSent(ctx, "missing"), store.ErrNotFound)
}

func TestFailedCommitAppliesNothing(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyUploadFS{Service: afs.New()}
	service, err := New(flaky, t.TempDir())
	assert.NoError(t, err)

	tx, err := service.Begin(ctx, "")
	assert.NoError(t, err)
	assert.NoError(t, tx.UpsertProcess(newProcess("p-1")))
	assert.NoError(t, tx.InsertOutbox("workflow_started", "", nil))
	assert.NoError(t, tx.Commit(ctx))

	// A commit that cannot stage all its documents must leave both the
	// process state and the outbox exactly as they were.
	flaky.setFailing(true)
	tx, err = service.Begin(ctx, "p-1")
	assert.NoError(t, err)
	working := tx.Process()
	working.SetState(execution.StateRunning)
	working.Steps[0].Start()
	assert.NoError(t, tx.UpsertProcess(working))
	assert.NoError(t, tx.InsertOutbox("step_started", "collect_profile", nil))
	assert.NoError(t, tx.InsertOutbox("chunk", "collect_profile", nil))
	assert.Error(t, tx.Commit(ctx))

	process, err := service.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, process.SCN)
	assert.Equal(t, execution.StatePending, process.State)
	rows, err := service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rows))

	// The same transition retried on a healthy filesystem goes through and
	// keeps the sequence contiguous.
	flaky.setFailing(false)
	tx, err = service.Begin(ctx, "p-1")
	assert.NoError(t, err)
	working = tx.Process()
	working.SetState(execution.StateRunning)
	working.Steps[0].Start()
	assert.NoError(t, tx.UpsertProcess(working))
	assert.NoError(t, tx.InsertOutbox("step_started", "collect_profile", nil))
	assert.NoError(t, tx.Commit(ctx))

	process, err = service.LoadProcess(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, process.SCN)
	assert.Equal(t, execution.StateRunning, process.State)
	rows, err = service.ListOutbox(ctx, "p-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(rows))
	assert.Equal(t, int64(2), rows[1].Sequence)
}

func TestBackoffRowWithholdsLaterSequences(t *testing.T) {
	ctx := context.Background()
	service := newTestStore(t)

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
	service := newTestStore(t)
	_, err := service.LoadProcess(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
