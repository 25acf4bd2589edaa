// Package processor runs the worker pool that executes dispatched step runs.
// Workers invoke the registered handler through the executor and report the
// outcome back to the saga orchestrator; a step's business failure is data
// (Fail), not a worker error. Duplicate deliveries are benign: the
// orchestrator's stale-step check rejects them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/runtime/orchestrator"
	"github.com/cropflow/cropflow/service/executor"
	"github.com/cropflow/cropflow/service/messaging"
	"github.com/cropflow/cropflow/service/ndjson"
	"github.com/cropflow/cropflow/service/store"
	"github.com/cropflow/cropflow/tracing"
)

// Saga is the orchestrator surface workers report into.
type Saga interface {
	Advance(ctx context.Context, processID string, stepIndex int, result map[string]interface{}) error
	Fail(ctx context.Context, processID string, stepErr error) error
	AppendRecord(ctx context.Context, record *execution.StreamRecord) error
}

// Config represents processor configuration
type Config struct {
	// WorkerCount is the number of workers consuming step runs
	WorkerCount int

	// IdleDelay is how long a worker waits after an empty poll
	IdleDelay time.Duration
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{
		WorkerCount: 5,
		IdleDelay:   20 * time.Millisecond,
	}
}

// Service is the step-run worker pool.
type Service struct {
	config   Config
	queue    messaging.Queue[execution.StepRun]
	executor executor.Service
	saga     Saga

	workerWg     sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a processor service.
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:     DefaultConfig(),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if s.executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if s.saga == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	return s, nil
}

// Start launches the worker goroutines. It returns immediately; workers stop
// when ctx is cancelled or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	for i := 0; i < s.config.WorkerCount; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-s.shutdownCh:
			case <-ctx.Done():
			}
			cancel()
		}()
		s.workerWg.Add(1)
		go s.runWorker(workerCtx, i)
	}
	return nil
}

// Shutdown stops all workers and waits for them to finish. It is safe to
// call more than once.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.workerWg.Wait()
}

func (s *Service) runWorker(ctx context.Context, id int) {
	defer s.workerWg.Done()
	for {
		msg, err := s.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			time.Sleep(s.config.IdleDelay)
			continue
		}
		if msg == nil {
			// Poll-style queues return nil when empty.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.IdleDelay):
			}
			continue
		}
		if err := s.process(ctx, msg); err != nil {
			log.Printf("worker %d: failed to process step run: %v", id, err)
			if nackErr := msg.Nack(err); nackErr != nil {
				log.Printf("worker %d: nack failed: %v", id, nackErr)
			}
			continue
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Printf("worker %d: ack failed: %v", id, ackErr)
		}
	}
}

// process executes one step run and reports the outcome. Only
// infrastructure errors are returned (and trigger redelivery); business
// outcomes always settle the message.
func (s *Service) process(ctx context.Context, msg messaging.Message[execution.StepRun]) (err error) {
	run := msg.T()
	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("processor.step %s", run.StepName), "CONSUMER")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"process.id": run.ProcessID, "step.name": run.StepName})

	var result map[string]interface{}
	var execErr error
	if run.Streaming {
		result, execErr = s.executeStreaming(ctx, run)
	} else {
		result, execErr = s.executor.Execute(ctx, run)
	}

	if execErr != nil {
		return s.settle(s.saga.Fail(ctx, run.ProcessID, execErr))
	}
	return s.settle(s.saga.Advance(ctx, run.ProcessID, run.StepIndex, result))
}

// executeStreaming wires the handler's chunk output through the NDJSON
// parser; each validated record is appended to the step and outboxed as a
// chunk event while the handler is still running.
func (s *Service) executeStreaming(ctx context.Context, run *execution.StepRun) (map[string]interface{}, error) {
	parser := ndjson.New(run.ProcessID, run.StepIndex, run.SchemaTag)
	streamCtx := executor.WithChunkWriter(ctx, func(chunk []byte) error {
		records, warnings := parser.Feed(chunk)
		s.emit(ctx, records, warnings)
		return nil
	})

	result, err := s.executor.Execute(streamCtx, run)
	if err != nil {
		// Cancelled stream: buffered partial output is discarded, never
		// inferred as complete.
		parser.Abandon()
		return nil, err
	}
	records, warnings := parser.Close()
	s.emit(ctx, records, warnings)
	return result, nil
}

func (s *Service) emit(ctx context.Context, records []*execution.StreamRecord, warnings []*ndjson.MalformedOutputError) {
	for _, warning := range warnings {
		log.Printf("%v: %q", warning, warning.Line)
	}
	for _, record := range records {
		if err := s.saga.AppendRecord(ctx, record); err != nil && !benign(err) {
			log.Printf("failed to append stream record for process %v: %v", record.ProcessID, err)
		}
	}
}

// settle maps orchestrator outcomes onto message settlement: a lost race or
// late duplicate means another worker already applied the transition.
func (s *Service) settle(err error) error {
	if benign(err) {
		return nil
	}
	return err
}

func benign(err error) bool {
	return err == nil ||
		errors.Is(err, orchestrator.ErrStaleStep) ||
		errors.Is(err, orchestrator.ErrInvalidState) ||
		errors.Is(err, store.ErrConflict)
}
