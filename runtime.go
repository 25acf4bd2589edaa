package cropflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/model/workflow"
	"github.com/cropflow/cropflow/runtime/orchestrator"
	"github.com/cropflow/cropflow/service/eventstream"
	"github.com/cropflow/cropflow/service/gateway"
	"github.com/cropflow/cropflow/service/messaging"
	"github.com/cropflow/cropflow/service/meta"
	"github.com/cropflow/cropflow/service/outbox"
	"github.com/cropflow/cropflow/service/processor"
	"github.com/cropflow/cropflow/service/store"
)

// Wait blocks until the process reaches a terminal state or the timeout
// elapses, returning the latest process snapshot either way.
type Wait func(ctx context.Context, timeout time.Duration) (*execution.Process, error)

// Runtime represents a workflow engine runtime
type Runtime struct {
	store        store.Service
	stream       eventstream.Service
	definitions  *meta.Service
	orchestrator *orchestrator.Service
	processor    *processor.Service
	publisher    *outbox.Publisher
	gateway      *gateway.Service
	queue        messaging.Queue[execution.StepRun]
}

// Start starts runtime
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.processor.Start(ctx); err != nil {
		return err
	}
	go func() {
		_ = r.publisher.Start(ctx)
	}()
	return nil
}

// Shutdown drains the outbox and stops the workers and the publisher.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.processor.Shutdown()
	if closer, ok := r.queue.(interface{ Close() }); ok {
		closer.Close()
	}
	err := r.publisher.Drain(ctx)
	r.publisher.Shutdown()
	return err
}

// RegisterWorkflow adds a workflow definition programmatically, bypassing
// the YAML loader.
func (r *Runtime) RegisterWorkflow(def *workflow.Workflow) error {
	return r.definitions.Register(def)
}

// LoadWorkflow loads a workflow definition from a URL and caches it.
func (r *Runtime) LoadWorkflow(ctx context.Context, location string) (*workflow.Workflow, error) {
	return r.definitions.Load(ctx, location)
}

// StartWorkflow starts a new process for the named workflow and returns it
// together with a wait helper. The call returns as soon as the first step is
// dispatched.
func (r *Runtime) StartWorkflow(ctx context.Context, workflowName string, metadata *execution.Metadata, input map[string]interface{}) (*execution.Process, Wait, error) {
	process, err := r.orchestrator.Start(ctx, workflowName, metadata, input)
	if err != nil {
		return nil, nil, err
	}
	wait := func(ctx context.Context, timeout time.Duration) (*execution.Process, error) {
		return r.WaitForProcess(ctx, process.ID, timeout)
	}
	return process, wait, nil
}

// WaitForProcess polls the state store until the process reaches a terminal
// state or the timeout elapses.
func (r *Runtime) WaitForProcess(ctx context.Context, processID string, timeout time.Duration) (*execution.Process, error) {
	deadline := time.Now().Add(timeout)
	for {
		process, err := r.store.LoadProcess(ctx, processID)
		if err != nil {
			return nil, err
		}
		if process.IsTerminal() {
			return process, nil
		}
		if time.Now().After(deadline) {
			return process, fmt.Errorf("timeout waiting for process %q", processID)
		}
		select {
		case <-ctx.Done():
			return process, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Process returns a process snapshot
func (r *Runtime) Process(ctx context.Context, id string) (*execution.Process, error) {
	return r.store.LoadProcess(ctx, id)
}

// Status returns the gateway status snapshot for a process.
func (r *Runtime) Status(ctx context.Context, processID string) (*gateway.Status, error) {
	return r.gateway.Status(ctx, processID)
}

// Connect opens a live event channel for one process, resuming after
// lastSeenSequence.
func (r *Runtime) Connect(ctx context.Context, processID string, lastSeenSequence int64) (*gateway.Connection, error) {
	return r.gateway.Connect(ctx, processID, lastSeenSequence)
}

// Retry re-dispatches the current step of a stalled running process.
func (r *Runtime) Retry(ctx context.Context, processID string) error {
	return r.orchestrator.RetryFromLastCompleted(ctx, processID)
}

// Outbox returns all outbox rows of one process in sequence order.
func (r *Runtime) Outbox(ctx context.Context, processID string) ([]*store.OutboxMessage, error) {
	return r.store.ListOutbox(ctx, processID)
}
