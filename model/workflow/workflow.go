package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow type constants – one per advisory flow the engine drives.
const (
	TypeCropRecommendation      = "crop_recommendation"
	TypeCropSelection           = "crop_selection"
	TypePesticideRecommendation = "pesticide_recommendation"
	TypeFarmSurvey              = "farm_survey"
	TypeGeneralChat             = "general_chat"
)

// Action references a registered step-handler method.
type Action struct {
	Service string `json:"service" yaml:"service"`
	Method  string `json:"method" yaml:"method"`
}

// Step defines a single workflow step. Compensation is opt-in: steps without
// one are simply skipped when a later step fails and the process fail-stops.
type Step struct {
	Name         string   `json:"name" yaml:"name"`
	Action       *Action  `json:"action" yaml:"action"`
	Compensation *Action  `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Streaming    bool     `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	SchemaTag    string   `json:"schemaTag,omitempty" yaml:"schemaTag,omitempty"`
	Inputs       []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Workflow defines an ordered sequence of steps for one workflow type.
type Workflow struct {
	Name        string  `json:"name" yaml:"name"`
	Type        string  `json:"type" yaml:"type"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*Step `json:"steps" yaml:"steps"`
}

// StepNames returns the ordered step names.
func (w *Workflow) StepNames() []string {
	names := make([]string, 0, len(w.Steps))
	for _, step := range w.Steps {
		names = append(names, step.Name)
	}
	return names
}

// StepAt returns the step definition at the given index or nil.
func (w *Workflow) StepAt(index int) *Step {
	if index < 0 || index >= len(w.Steps) {
		return nil
	}
	return w.Steps[index]
}

// Validate checks structural invariants of a decoded definition.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if w.Type == "" {
		return fmt.Errorf("workflow %v: type is required", w.Name)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %v: at least one step is required", w.Name)
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, step := range w.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %v: step %d has no name", w.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow %v: duplicate step %v", w.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Action == nil || step.Action.Service == "" || step.Action.Method == "" {
			return fmt.Errorf("workflow %v: step %v has no action", w.Name, step.Name)
		}
		if step.Streaming && step.SchemaTag == "" {
			return fmt.Errorf("workflow %v: streaming step %v requires a schemaTag", w.Name, step.Name)
		}
	}
	return nil
}

// Decode parses a YAML workflow definition and validates it.
func Decode(data []byte) (*Workflow, error) {
	ret := &Workflow{}
	if err := yaml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}
