package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/runtime/orchestrator"
	"github.com/cropflow/cropflow/service/executor"
	queuememory "github.com/cropflow/cropflow/service/messaging/memory"
)

type fakeExecutor struct {
	execute func(ctx context.Context, run *execution.StepRun) (map[string]interface{}, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, run *execution.StepRun) (map[string]interface{}, error) {
	return f.execute(ctx, run)
}

type sagaCall struct {
	op     string
	step   int
	result map[string]interface{}
	err    error
	record *execution.StreamRecord
}

type fakeSaga struct {
	mu       sync.Mutex
	calls    []sagaCall
	advance  error
	appendCh chan struct{}
	done     chan struct{}
}

func newFakeSaga() *fakeSaga {
	return &fakeSaga{done: make(chan struct{}, 10)}
}

func (f *fakeSaga) Advance(_ context.Context, _ string, stepIndex int, result map[string]interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, sagaCall{op: "advance", step: stepIndex, result: result})
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.advance
}

func (f *fakeSaga) Fail(_ context.Context, _ string, stepErr error) error {
	f.mu.Lock()
	f.calls = append(f.calls, sagaCall{op: "fail", err: stepErr})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSaga) AppendRecord(_ context.Context, record *execution.StreamRecord) error {
	f.mu.Lock()
	f.calls = append(f.calls, sagaCall{op: "append", record: record})
	f.mu.Unlock()
	return nil
}

func (f *fakeSaga) snapshot() []sagaCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sagaCall(nil), f.calls...)
}

func waitDone(t *testing.T, saga *fakeSaga) {
	t.Helper()
	select {
	case <-saga.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reported to the orchestrator")
	}
}

func startProcessor(t *testing.T, saga Saga, exec executor.Service) (*Service, *queuememory.Queue[execution.StepRun]) {
	t.Helper()
	queue := queuememory.NewQueue[execution.StepRun](queuememory.DefaultConfig())
	service, err := New(
		WithQueue(queue),
		WithExecutor(exec),
		WithOrchestrator(saga),
		WithConfig(Config{WorkerCount: 2, IdleDelay: time.Millisecond}),
	)
	assert.NoError(t, err)
	assert.NoError(t, service.Start(context.Background()))
	t.Cleanup(service.Shutdown)
	return service, queue
}

func TestWorkerAdvancesOnSuccess(t *testing.T) {
	saga := newFakeSaga()
	exec := &fakeExecutor{execute: func(_ context.Context, run *execution.StepRun) (map[string]interface{}, error) {
		return map[string]interface{}{"crop": "sorghum"}, nil
	}}
	_, queue := startProcessor(t, saga, exec)

	run := &execution.StepRun{ProcessID: "p-1", StepIndex: 1, StepName: "recommend", Service: "advisor", Method: "recommend"}
	assert.NoError(t, queue.Publish(context.Background(), run))

	waitDone(t, saga)
	calls := saga.snapshot()
	assert.Len(t, calls, 1)
	assert.Equal(t, "advance", calls[0].op)
	assert.Equal(t, 1, calls[0].step)
	assert.Equal(t, "sorghum", calls[0].result["crop"])
}

func TestWorkerFailsOnHandlerError(t *testing.T) {
	saga := newFakeSaga()
	handlerErr := errors.New("model unavailable")
	exec := &fakeExecutor{execute: func(_ context.Context, _ *execution.StepRun) (map[string]interface{}, error) {
		return nil, handlerErr
	}}
	_, queue := startProcessor(t, saga, exec)

	assert.NoError(t, queue.Publish(context.Background(), &execution.StepRun{ProcessID: "p-1"}))

	waitDone(t, saga)
	calls := saga.snapshot()
	assert.Len(t, calls, 1)
	assert.Equal(t, "fail", calls[0].op)
	assert.Equal(t, handlerErr, calls[0].err)

	// Business failure settles the message; it is not redelivered.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, queue.Size())
	assert.Equal(t, 0, queue.DLQSize())
}

func TestWorkerStreamsRecords(t *testing.T) {
	saga := newFakeSaga()
	exec := &fakeExecutor{execute: func(ctx context.Context, _ *execution.StepRun) (map[string]interface{}, error) {
		writer, ok := executor.ChunkWriterFrom(ctx)
		if !ok {
			return nil, errors.New("no chunk writer")
		}
		// Chunk boundaries intentionally split mid-line.
		assert.NoError(t, writer([]byte("{\"type\":\"soil\",\"ph\"")))
		assert.NoError(t, writer([]byte(":6.5}\n{\"type\":\"soil\",\"n\":12}\n")))
		return map[string]interface{}{"records": 2}, nil
	}}
	_, queue := startProcessor(t, saga, exec)

	run := &execution.StepRun{ProcessID: "p-1", StepIndex: 0, StepName: "analyze",
		Streaming: true, SchemaTag: "soil"}
	assert.NoError(t, queue.Publish(context.Background(), run))

	waitDone(t, saga)
	calls := saga.snapshot()
	assert.Len(t, calls, 3)
	assert.Equal(t, "append", calls[0].op)
	assert.Equal(t, 6.5, calls[0].record.Payload["ph"])
	assert.Equal(t, "append", calls[1].op)
	assert.Equal(t, "advance", calls[2].op)
}

func TestLostRaceIsBenign(t *testing.T) {
	saga := newFakeSaga()
	saga.advance = orchestrator.ErrStaleStep
	exec := &fakeExecutor{execute: func(_ context.Context, _ *execution.StepRun) (map[string]interface{}, error) {
		return nil, nil
	}}
	_, queue := startProcessor(t, saga, exec)

	assert.NoError(t, queue.Publish(context.Background(), &execution.StepRun{ProcessID: "p-1"}))

	waitDone(t, saga)
	time.Sleep(20 * time.Millisecond)
	// A stale completion acknowledges the message rather than redelivering it.
	assert.Equal(t, 0, queue.Size())
	assert.Equal(t, 0, queue.DLQSize())
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
	_, err = New(WithQueue(queuememory.NewQueue[execution.StepRun](queuememory.DefaultConfig())))
	assert.Error(t, err)
}
