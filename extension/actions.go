package extension

import (
	"sync"

	"github.com/viant/x"

	"github.com/cropflow/cropflow/model/types"
)

// DataTypeIniter lets a handler register its input/output types when added
// to the registry.
type DataTypeIniter interface {
	InitTypes(types *Types)
}

// Actions is the step-handler registry.
type Actions struct {
	types    *Types
	services map[string]types.Service
	mux      sync.RWMutex
}

// Types returns the data type registry.
func (s *Actions) Types() *Types {
	return s.types
}

// Lookup returns a registered handler service by name.
func (s *Actions) Lookup(name string) types.Service {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.services[name]
}

// Register registers a handler service.
func (s *Actions) Register(service types.Service) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if typer, ok := service.(DataTypeIniter); ok {
		typer.InitTypes(s.types)
	}
	s.services[service.Name()] = service
}

// NewActions creates a handler registry seeded with the supplied Go types.
func NewActions(goTypes ...*x.Type) *Actions {
	ret := &Actions{
		types:    NewTypes(),
		services: make(map[string]types.Service),
	}
	for _, t := range goTypes {
		if t != nil {
			ret.types.Register(t)
		}
	}
	return ret
}
