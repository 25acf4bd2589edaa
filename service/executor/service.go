// Package executor invokes registered step handlers. It converts the raw
// step-run input into the handler's typed input, runs the method and
// normalises the typed output back into a generic map for persistence.
package executor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/viant/structology/conv"
	"github.com/viant/toolbox"

	"github.com/cropflow/cropflow/extension"
	"github.com/cropflow/cropflow/model/execution"
)

// Listener is invoked after every handler call, regardless of outcome.
// Implementations can log or collect metrics.
type Listener func(run *execution.StepRun, input, output interface{})

// Option customises the executor instance.
type Option func(*service)

// WithListener overrides the listener invoked after every executed step.
func WithListener(l Listener) Option {
	return func(s *service) {
		s.listener = l
	}
}

// Service executes one step run against the handler registry.
type Service interface {
	Execute(ctx context.Context, run *execution.StepRun) (map[string]interface{}, error)
}

type service struct {
	actions   *extension.Actions
	converter *conv.Converter
	listener  Listener
}

// Execute looks up the handler named by the run's action, converts the
// resolved input into the method's input type, invokes it and returns the
// output as a map.
func (s *service) Execute(ctx context.Context, run *execution.StepRun) (map[string]interface{}, error) {
	handler := s.actions.Lookup(run.Service)
	if handler == nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceNotFound, run.Service)
	}
	if run.Method == "" {
		return nil, fmt.Errorf("%w: service %v", ErrMethodNotFound, run.Service)
	}
	method, err := handler.Method(run.Method)
	if err != nil {
		return nil, fmt.Errorf("failed to find method %v for service %v: %w", run.Method, run.Service, err)
	}
	signature := handler.Methods().Lookup(run.Method)
	if signature == nil {
		return nil, fmt.Errorf("%w: %v.%v", ErrMethodNotFound, run.Service, run.Method)
	}

	input, err := s.typedValue(signature.Input, run.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to build input for %v.%v: %w", run.Service, run.Method, err)
	}
	output, err := s.typedValue(signature.Output, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build output for %v.%v: %w", run.Service, run.Method, err)
	}

	if err = method(ctx, input, output); err != nil {
		if s.listener != nil {
			s.listener(run, input, output)
		}
		return nil, err
	}
	if s.listener != nil {
		s.listener(run, input, output)
	}
	return asMap(output), nil
}

// typedValue instantiates rType and populates it from the supplied generic
// value.
func (s *service) typedValue(rType reflect.Type, value map[string]interface{}) (interface{}, error) {
	if rType == nil {
		return value, nil
	}
	for rType.Kind() == reflect.Ptr {
		rType = rType.Elem()
	}
	result := reflect.New(rType).Interface()
	if len(value) == 0 {
		return result, nil
	}
	if err := s.converter.Convert(value, result); err != nil {
		return nil, err
	}
	return result, nil
}

func asMap(output interface{}) map[string]interface{} {
	if output == nil {
		return nil
	}
	if m, ok := output.(map[string]interface{}); ok {
		return m
	}
	if m, ok := output.(*map[string]interface{}); ok {
		return *m
	}
	return toolbox.AsMap(output)
}

// NewService creates an executor over the supplied handler registry.
func NewService(actions *extension.Actions, opts ...Option) Service {
	options := conv.DefaultOptions()
	options.ClonePointerData = true
	options.IgnoreUnmapped = true
	options.AccessUnexported = true

	s := &service{
		actions:   actions,
		converter: conv.NewConverter(options),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}
