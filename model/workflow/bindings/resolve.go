package bindings

import "fmt"

// Resolve materialises the bindings into a step-handler input map. metadata
// holds the process correlation fields, stepResults the results of already
// completed steps keyed by step name. A const binding carries its literal in
// the location's In part.
func (b Bindings) Resolve(metadata map[string]interface{}, stepResults map[string]map[string]interface{}) (map[string]interface{}, error) {
	ret := make(map[string]interface{}, len(b))
	for _, binding := range b {
		if binding.Location == nil || binding.Location.Kind == "" {
			continue
		}
		switch binding.Location.Kind {
		case KindMetadata:
			value, ok := metadata[binding.Location.In]
			if !ok {
				return nil, fmt.Errorf("binding %v: metadata field %v not set", binding.Name, binding.Location.In)
			}
			ret[binding.Name] = value
		case KindStep:
			result, ok := stepResults[binding.Location.In]
			if !ok {
				return nil, fmt.Errorf("binding %v: step %v has no result yet", binding.Name, binding.Location.In)
			}
			ret[binding.Name] = result
		case KindConst:
			ret[binding.Name] = binding.Location.In
		default:
			return nil, fmt.Errorf("binding %v: unknown kind %v", binding.Name, binding.Location.Kind)
		}
	}
	return ret, nil
}
