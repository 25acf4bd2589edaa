package cropflow

import (
	"github.com/viant/afs"
	"github.com/viant/x"

	"github.com/cropflow/cropflow/extension"
	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/model/types"
	"github.com/cropflow/cropflow/runtime/orchestrator"
	"github.com/cropflow/cropflow/service/eventstream"
	smemory "github.com/cropflow/cropflow/service/eventstream/memory"
	"github.com/cropflow/cropflow/service/executor"
	"github.com/cropflow/cropflow/service/gateway"
	"github.com/cropflow/cropflow/service/messaging"
	mmemory "github.com/cropflow/cropflow/service/messaging/memory"
	"github.com/cropflow/cropflow/service/meta"
	"github.com/cropflow/cropflow/service/outbox"
	"github.com/cropflow/cropflow/service/processor"
	"github.com/cropflow/cropflow/service/store"
	pmemory "github.com/cropflow/cropflow/service/store/memory"
)

type Service struct {
	config            *Config
	runtime           *Runtime
	metaService       *meta.Service
	actions           *extension.Actions
	extensionTypes    []*x.Type
	extensionServices []types.Service
	executor          executor.Service
	executorOptions   []executor.Option
	queue             messaging.Queue[execution.StepRun]
	store             store.Service
	stream            eventstream.Service
	metaBaseURL       string
	processorWorkers  int
}

func (s *Service) init(options []Option) {
	for _, option := range options {
		option(s)
	}
	s.ensureBaseSetup()
	s.actions = extension.NewActions(s.extensionTypes...)
	s.executor = executor.NewService(s.actions, s.executorOptions...)
	for _, service := range s.extensionServices {
		s.actions.Register(service)
	}
	s.runtime.store = s.store
	s.runtime.stream = s.stream
	s.runtime.definitions = s.metaService
	s.runtime.queue = s.queue
	s.runtime.orchestrator = orchestrator.New(s.store, s.metaService,
		orchestrator.WithQueue(s.queue),
		orchestrator.WithExecutor(s.executor))
	s.runtime.processor, _ = processor.New(
		processor.WithQueue(s.queue),
		processor.WithExecutor(s.executor),
		processor.WithOrchestrator(s.runtime.orchestrator),
		processor.WithConfig(s.config.Processor))
	s.runtime.publisher = outbox.New(s.store, s.stream, s.config.Outbox)
	s.runtime.gateway = gateway.New(s.stream, s.store)
}

func (s *Service) ensureBaseSetup() {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.processorWorkers > 0 {
		s.config.Processor.WorkerCount = s.processorWorkers
	}
	if s.metaService == nil {
		s.metaService = meta.New(afs.New(), s.metaBaseURL)
	}
	if s.queue == nil {
		s.queue = mmemory.NewQueue[execution.StepRun](mmemory.DefaultConfig())
	}
	if s.store == nil {
		s.store = pmemory.New()
	}
	if s.stream == nil {
		s.stream = smemory.New()
	}
}

func (s *Service) RegisterExtensionTypes(types ...*x.Type) {
	for i := range types {
		s.actions.Types().Register(types[i])
	}
}

func (s *Service) RegisterExtensionServices(services ...types.Service) {
	for i := range services {
		s.actions.Register(services[i])
	}
}

// Actions returns the step-handler registry.
func (s *Service) Actions() *extension.Actions {
	return s.actions
}

func (s *Service) Runtime() *Runtime {
	return s.runtime
}

func New(options ...Option) *Service {
	ret := &Service{runtime: &Runtime{}}
	ret.init(options)
	return ret
}

// NewFromConfig validates the supplied configuration and builds a service
// around it.
func NewFromConfig(config *Config, options ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return New(append([]Option{WithConfig(config)}, options...)...), nil
}
