// Package orchestrator drives the saga state machine over processes and
// their steps. Every transition happens inside a store transaction that also
// stages the outbox events announcing it, so state and events commit
// atomically. The optimistic version check on commit guarantees at most one
// applied transition per process; the losing caller of a race gets
// store.ErrConflict and discards its result.
package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/cropflow/cropflow/internal/clock"
	"github.com/cropflow/cropflow/internal/idgen"
	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/model/workflow"
	"github.com/cropflow/cropflow/model/workflow/bindings"
	"github.com/cropflow/cropflow/progress"
	"github.com/cropflow/cropflow/service/eventstream"
	"github.com/cropflow/cropflow/service/executor"
	"github.com/cropflow/cropflow/service/messaging"
	"github.com/cropflow/cropflow/service/store"
	"github.com/cropflow/cropflow/tracing"
)

// Definitions resolves workflow definitions by name.
type Definitions interface {
	Lookup(ctx context.Context, name string) (*workflow.Workflow, error)
}

// Option customises the orchestrator.
type Option func(*Service)

// WithQueue sets the step dispatch queue. Without one, step runs are not
// dispatched and an external collaborator is expected to call Advance/Fail.
func WithQueue(queue messaging.Queue[execution.StepRun]) Option {
	return func(s *Service) { s.queue = queue }
}

// WithExecutor sets the executor used to run compensation actions.
func WithExecutor(exec executor.Service) Option {
	return func(s *Service) { s.executor = exec }
}

// Service implements the saga orchestrator.
type Service struct {
	store       store.Service
	definitions Definitions
	queue       messaging.Queue[execution.StepRun]
	executor    executor.Service
}

// New creates an orchestrator.
func New(storeService store.Service, definitions Definitions, options ...Option) *Service {
	s := &Service{store: storeService, definitions: definitions}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start creates a process for the named workflow, transactionally moves it
// to running with step 0 in progress, outboxes workflow_started and
// step_started, and returns the process without waiting for the step to
// complete.
func (s *Service) Start(ctx context.Context, workflowName string, metadata *execution.Metadata, input map[string]interface{}) (process *execution.Process, err error) {
	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("orchestrator.Start %s", workflowName), "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	def, err := s.definitions.Lookup(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	span.WithAttributes(map[string]string{"workflow.name": def.Name, "workflow.type": def.Type})

	tx, err := s.store.Begin(ctx, "")
	if err != nil {
		return nil, err
	}
	process = execution.NewProcess(idgen.New(), def.Name, def.Type, def.StepNames(), metadata)
	process.Input = input
	process.SetState(execution.StateRunning)
	process.Steps[0].Start()

	if err = tx.UpsertProcess(process); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err = s.stage(tx,
		staged{eventstream.EventWorkflowStarted, "", map[string]interface{}{"state": process.State, "workflow": def.Name}},
		staged{eventstream.EventStepStarted, process.Steps[0].Name, map[string]interface{}{"attempt": process.Steps[0].Attempts}},
	); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	if tracker := progress.FromContext(ctx); tracker != nil {
		tracker.Update(progress.Delta{Total: len(process.Steps), Running: 1, Pending: len(process.Steps) - 1})
	}
	s.dispatch(ctx, process, def, 0)
	return process, nil
}

// Advance records the completion of the process's current in-progress step.
// A stale or duplicate completion fails with ErrStaleStep and mutates
// nothing. When further steps remain the next one enters in progress and is
// dispatched; otherwise the process completes.
func (s *Service) Advance(ctx context.Context, processID string, stepIndex int, result map[string]interface{}) (err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Advance", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"process.id": processID, "step.index": fmt.Sprintf("%d", stepIndex)})

	tx, err := s.store.Begin(ctx, processID)
	if err != nil {
		return err
	}
	process := tx.Process()
	if process.IsTerminal() || process.Compensating {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v is %v", ErrInvalidState, processID, process.State)
	}
	step := process.CurrentStep()
	if step == nil || step.Index != stepIndex || step.State != execution.StepStateInProgress {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v step %d", ErrStaleStep, processID, stepIndex)
	}

	step.Complete(result)
	events := []staged{{eventstream.EventStepCompleted, step.Name, result}}

	last := stepIndex == len(process.Steps)-1
	var def *workflow.Workflow
	if last {
		process.Result = result
		process.SetState(execution.StateCompleted)
		events = append(events,
			staged{eventstream.EventResult, step.Name, result},
			staged{eventstream.EventWorkflowCompleted, "", map[string]interface{}{"state": process.State}},
		)
	} else {
		if def, err = s.definitions.Lookup(ctx, process.Workflow); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		process.CurrentStepIndex = stepIndex + 1
		next := process.CurrentStep()
		next.Start()
		events = append(events, staged{eventstream.EventStepStarted, next.Name, map[string]interface{}{"attempt": next.Attempts}})
	}

	if err = tx.UpsertProcess(process); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = s.stage(tx, events...); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	if tracker := progress.FromContext(ctx); tracker != nil {
		delta := progress.Delta{Completed: 1, Running: -1}
		if !last {
			delta.Running++
			delta.Pending--
		}
		tracker.Update(delta)
	}
	if !last {
		s.dispatch(ctx, process, def, process.CurrentStepIndex)
	}
	return nil
}

// Fail records a business failure of the current in-progress step. With no
// compensations registered for already-done steps the process fail-stops;
// otherwise done steps with a registered compensation are compensated in
// reverse index order before the process is marked failed.
func (s *Service) Fail(ctx context.Context, processID string, stepErr error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Fail", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"process.id": processID})

	errorMessage := "step failed"
	if stepErr != nil {
		errorMessage = stepErr.Error()
	}

	tx, err := s.store.Begin(ctx, processID)
	if err != nil {
		return err
	}
	process := tx.Process()
	if process.IsTerminal() || process.Compensating {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v is %v", ErrInvalidState, processID, process.State)
	}
	step := process.CurrentStep()
	if step == nil || step.State != execution.StepStateInProgress {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v has no step in progress", ErrStaleStep, processID)
	}

	step.Fail(stepErr)
	process.Error = errorMessage
	events := []staged{{eventstream.EventStepFailed, step.Name, map[string]interface{}{"error": errorMessage}}}

	def, err := s.definitions.Lookup(ctx, process.Workflow)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	toCompensate := compensable(process, def)

	if len(toCompensate) == 0 {
		process.SetState(execution.StateFailed)
		events = append(events, staged{eventstream.EventWorkflowFailed, "", map[string]interface{}{"error": errorMessage}})
	} else {
		process.Compensating = true
	}

	if err = tx.UpsertProcess(process); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = s.stage(tx, events...); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	if tracker := progress.FromContext(ctx); tracker != nil {
		tracker.Update(progress.Delta{Failed: 1, Running: -1})
	}

	if len(toCompensate) == 0 {
		return nil
	}
	return s.compensate(ctx, processID, def, toCompensate, errorMessage)
}

// compensate runs registered compensations in reverse index order, each in
// its own transaction, then marks the process failed.
func (s *Service) compensate(ctx context.Context, processID string, def *workflow.Workflow, indices []int, errorMessage string) error {
	for _, index := range indices {
		stepDef := def.StepAt(index)
		if s.executor != nil && stepDef != nil && stepDef.Compensation != nil {
			run := &execution.StepRun{
				ID:          idgen.New(),
				ProcessID:   processID,
				StepIndex:   index,
				StepName:    stepDef.Name,
				Service:     stepDef.Compensation.Service,
				Method:      stepDef.Compensation.Method,
				ScheduledAt: clock.Now(),
			}
			if process, loadErr := s.store.LoadProcess(ctx, processID); loadErr == nil {
				if step := process.StepAt(index); step != nil {
					run.Input = step.Result
				}
			}
			if _, execErr := s.executor.Execute(ctx, run); execErr != nil {
				// A failing compensation is recorded but does not stop the
				// remaining ones.
				log.Printf("compensation %v.%v for process %v step %d failed: %v",
					stepDef.Compensation.Service, stepDef.Compensation.Method, processID, index, execErr)
			}
		}

		tx, err := s.store.Begin(ctx, processID)
		if err != nil {
			return err
		}
		process := tx.Process()
		step := process.StepAt(index)
		if step == nil || step.State != execution.StepStateDone {
			_ = tx.Rollback(ctx)
			continue
		}
		step.Compensate()
		if err = tx.UpsertStep(step); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err = s.stage(tx, staged{eventstream.EventStepCompensated, step.Name, nil}); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		if tracker := progress.FromContext(ctx); tracker != nil {
			tracker.Update(progress.Delta{Compensated: 1, Completed: -1})
		}
	}

	tx, err := s.store.Begin(ctx, processID)
	if err != nil {
		return err
	}
	process := tx.Process()
	process.SetState(execution.StateFailed)
	if err = tx.UpsertProcess(process); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = s.stage(tx, staged{eventstream.EventWorkflowFailed, "", map[string]interface{}{"error": errorMessage}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// RetryFromLastCompleted re-enters the current step of a process stuck in
// progress, enabling resumption after a crash or an external retry request.
// It fails with ErrInvalidState when the process is terminal or
// mid-compensation.
func (s *Service) RetryFromLastCompleted(ctx context.Context, processID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Retry", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"process.id": processID})

	tx, err := s.store.Begin(ctx, processID)
	if err != nil {
		return err
	}
	process := tx.Process()
	if process.IsTerminal() || process.Compensating || process.State == execution.StatePending {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v is %v", ErrInvalidState, processID, process.State)
	}
	step := process.CurrentStep()
	if step == nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v has no current step", ErrInvalidState, processID)
	}
	def, err := s.definitions.Lookup(ctx, process.Workflow)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	step.Start()
	if err = tx.UpsertStep(step); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = s.stage(tx, staged{eventstream.EventStepStarted, step.Name, map[string]interface{}{"attempt": step.Attempts}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	s.dispatch(ctx, process, def, step.Index)
	return nil
}

// AppendRecord appends a parsed stream record to the owning step's result
// accumulator and outboxes it as a chunk event. It is a lightweight append:
// no step state transition takes place.
func (s *Service) AppendRecord(ctx context.Context, record *execution.StreamRecord) (err error) {
	if record == nil {
		return store.ErrNilEntity
	}
	tx, err := s.store.Begin(ctx, record.ProcessID)
	if err != nil {
		return err
	}
	process := tx.Process()
	step := process.CurrentStep()
	if step == nil || step.Index != record.StepIndex || step.State != execution.StepStateInProgress {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: process %v step %d", ErrStaleStep, record.ProcessID, record.StepIndex)
	}
	step.AppendRecord(record)
	if err = tx.UpsertStep(step); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = s.stage(tx, staged{eventstream.EventChunk, step.Name, record.Payload}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type staged struct {
	eventType string
	step      string
	payload   map[string]interface{}
}

func (s *Service) stage(tx store.Tx, events ...staged) error {
	for _, event := range events {
		if err := tx.InsertOutbox(event.eventType, event.step, event.payload); err != nil {
			return err
		}
	}
	return nil
}

// dispatch enqueues a step run for workers. A dispatch failure is logged,
// not surfaced: the committed state is authoritative and
// RetryFromLastCompleted can re-dispatch.
func (s *Service) dispatch(ctx context.Context, process *execution.Process, def *workflow.Workflow, stepIndex int) {
	if s.queue == nil {
		return
	}
	run, err := s.buildStepRun(process, def, stepIndex)
	if err != nil {
		log.Printf("failed to build step run for process %v step %d: %v", process.ID, stepIndex, err)
		return
	}
	if err := s.queue.Publish(ctx, run); err != nil {
		log.Printf("failed to dispatch process %v step %d: %v", process.ID, stepIndex, err)
	}
}

// buildStepRun materialises the queue payload for one step, resolving the
// step definition's input bindings against process metadata and prior step
// results.
func (s *Service) buildStepRun(process *execution.Process, def *workflow.Workflow, stepIndex int) (*execution.StepRun, error) {
	stepDef := def.StepAt(stepIndex)
	if stepDef == nil {
		return nil, fmt.Errorf("workflow %v has no step %d", def.Name, stepIndex)
	}
	input := make(map[string]interface{}, len(process.Input))
	for k, v := range process.Input {
		input[k] = v
	}
	if len(stepDef.Inputs) > 0 {
		declared, err := bindings.ParseAll(stepDef.Inputs)
		if err != nil {
			return nil, err
		}
		resolved, err := declared.Resolve(metadataMap(process), stepResults(process))
		if err != nil {
			return nil, err
		}
		for k, v := range resolved {
			input[k] = v
		}
	}
	step := process.StepAt(stepIndex)
	attempt := 0
	if step != nil {
		attempt = step.Attempts
	}
	return &execution.StepRun{
		ID:          idgen.New(),
		ProcessID:   process.ID,
		StepIndex:   stepIndex,
		StepName:    stepDef.Name,
		Service:     stepDef.Action.Service,
		Method:      stepDef.Action.Method,
		Input:       input,
		Streaming:   stepDef.Streaming,
		SchemaTag:   stepDef.SchemaTag,
		Attempt:     attempt,
		ScheduledAt: clock.Now(),
	}, nil
}

// compensable returns indices of done steps with a registered compensation,
// in reverse index order.
func compensable(process *execution.Process, def *workflow.Workflow) []int {
	var indices []int
	for index := len(process.Steps) - 1; index >= 0; index-- {
		step := process.Steps[index]
		if step.State != execution.StepStateDone {
			continue
		}
		if stepDef := def.StepAt(index); stepDef != nil && stepDef.Compensation != nil {
			indices = append(indices, index)
		}
	}
	return indices
}

func metadataMap(process *execution.Process) map[string]interface{} {
	ret := map[string]interface{}{}
	if meta := process.Metadata; meta != nil {
		for k, v := range meta.Extra {
			ret[k] = v
		}
		if meta.UserID != "" {
			ret["userId"] = meta.UserID
		}
		if meta.RequestID != "" {
			ret["requestId"] = meta.RequestID
		}
		if meta.FarmID != "" {
			ret["farmId"] = meta.FarmID
		}
		if meta.CropID != "" {
			ret["cropId"] = meta.CropID
		}
		if meta.ChatID != "" {
			ret["chatId"] = meta.ChatID
		}
		if meta.Language != "" {
			ret["language"] = meta.Language
		}
	}
	return ret
}

func stepResults(process *execution.Process) map[string]map[string]interface{} {
	ret := map[string]map[string]interface{}{}
	for _, step := range process.Steps {
		if step.State == execution.StepStateDone && step.Result != nil {
			ret[step.Name] = step.Result
		}
	}
	return ret
}
