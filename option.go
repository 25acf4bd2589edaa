package cropflow

import (
	"github.com/viant/x"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/model/types"
	"github.com/cropflow/cropflow/service/eventstream"
	"github.com/cropflow/cropflow/service/executor"
	"github.com/cropflow/cropflow/service/messaging"
	"github.com/cropflow/cropflow/service/meta"
	"github.com/cropflow/cropflow/service/store"
	"github.com/cropflow/cropflow/tracing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option customises the service.
type Option func(s *Service)

// WithConfig sets the engine configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithExtensionTypes sets the extension types
func WithExtensionTypes(types ...*x.Type) Option {
	return func(s *Service) {
		s.extensionTypes = types
	}
}

// WithExtensionServices sets the extension handler services
func WithExtensionServices(services ...types.Service) Option {
	return func(s *Service) {
		s.extensionServices = services
	}
}

// WithMetaService sets the workflow definition service
func WithMetaService(service *meta.Service) Option {
	return func(s *Service) {
		s.metaService = service
	}
}

// WithMetaBaseURL sets the workflow definition base URL
func WithMetaBaseURL(url string) Option {
	return func(s *Service) {
		s.metaBaseURL = url
	}
}

// WithQueue sets the step dispatch queue
func WithQueue(queue messaging.Queue[execution.StepRun]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithStore sets the process state store
func WithStore(storeService store.Service) Option {
	return func(s *Service) {
		s.store = storeService
	}
}

// WithEventStream sets the event stream the outbox publisher feeds
func WithEventStream(stream eventstream.Service) Option {
	return func(s *Service) {
		s.stream = stream
	}
}

// WithProcessorWorkers sets the step worker count
func WithProcessorWorkers(count int) Option {
	return func(s *Service) {
		s.processorWorkers = count
	}
}

// WithExecutorOptions lets the caller supply additional options passed to
// executor.NewService (e.g. installing an execution listener).
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Service) {
		s.executorOptions = append(s.executorOptions, opts...)
	}
}

// WithTracing configures OpenTelemetry tracing for the service. If outputFile is empty the
// stdout exporter is used; otherwise traces are written to the supplied file path. The function is
// safe to call multiple times, the first successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom SpanExporter. This enables
// integrations with exporters other than the built-in stdout exporter, for example OTLP, Jaeger or
// Zipkin. The function is safe to call multiple times, the first successful initialisation wins.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
