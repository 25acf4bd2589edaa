package bindings

import (
	bstate "github.com/viant/bindly/state"
)

// Binding kinds understood by the resolver.
const (
	KindMetadata = "metadata"
	KindStep     = "step"
	KindConst    = "const"
)

// Binding declares where a step-handler input value comes from. Declarations
// use the compact form `name[type](kind/location)`, e.g.
// `farmId[string](metadata/farmId)` or `profile[map](step/collect_profile)`.
type Binding struct {
	Name     string           `json:"name" yaml:"name"`
	DataType string           `json:"dataType,omitempty" yaml:"dataType,omitempty"`
	Location *bstate.Location `json:"location,omitempty" yaml:"location,omitempty"`
}

// Bindings is an ordered collection of input bindings.
type Bindings []*Binding

// Get retrieves a binding by name
func (b Bindings) Get(name string) (*Binding, bool) {
	for _, binding := range b {
		if binding.Name == name {
			return binding, true
		}
	}
	return nil, false
}

// ParseAll parses a list of declarations.
func ParseAll(declarations []string) (Bindings, error) {
	ret := make(Bindings, 0, len(declarations))
	for _, declaration := range declarations {
		binding, err := Parse([]byte(declaration))
		if err != nil {
			return nil, err
		}
		ret = append(ret, binding)
	}
	return ret, nil
}
