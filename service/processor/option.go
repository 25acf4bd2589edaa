package processor

import (
	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/service/executor"
	"github.com/cropflow/cropflow/service/messaging"
)

// Option configures the processor service.
type Option func(*Service)

// WithConfig sets the processor configuration.
func WithConfig(config Config) Option {
	return func(s *Service) {
		if config.WorkerCount > 0 {
			s.config.WorkerCount = config.WorkerCount
		}
		if config.IdleDelay > 0 {
			s.config.IdleDelay = config.IdleDelay
		}
	}
}

// WithQueue sets the step run queue workers consume.
func WithQueue(queue messaging.Queue[execution.StepRun]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithExecutor sets the handler executor.
func WithExecutor(exec executor.Service) Option {
	return func(s *Service) {
		s.executor = exec
	}
}

// WithOrchestrator sets the saga surface workers report into.
func WithOrchestrator(saga Saga) Option {
	return func(s *Service) {
		s.saga = saga
	}
}
