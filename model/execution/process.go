package execution

import (
	"time"

	"github.com/cropflow/cropflow/internal/clock"
)

// Process state constants
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Metadata carries the correlation identifiers a workflow run was started
// with. All fields are optional; which ones are set depends on the workflow
// type (a farm survey has a chat id, a crop recommendation a farm id, etc).
type Metadata struct {
	UserID    string                 `json:"userId,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	FarmID    string                 `json:"farmId,omitempty"`
	CropID    string                 `json:"cropId,omitempty"`
	ChatID    string                 `json:"chatId,omitempty"`
	Language  string                 `json:"language,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Process represents a single workflow run. It owns the ordered sequence of
// steps and is mutated exclusively by the orchestrator through store
// transactions. SCN is the optimistic-concurrency version counter: every
// committed transition increments it, and a transaction whose snapshot SCN is
// stale fails with store.ErrConflict.
type Process struct {
	ID               string                 `json:"id"`
	SCN              int                    `json:"scn"`
	Workflow         string                 `json:"workflow"`
	Type             string                 `json:"type"`
	State            string                 `json:"state"`
	CurrentStepIndex int                    `json:"currentStepIndex"`
	Steps            []*Step                `json:"steps"`
	Metadata         *Metadata              `json:"metadata,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Compensating     bool                   `json:"compensating,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	FinishedAt       *time.Time             `json:"finishedAt,omitempty"`
}

// NewProcess creates a pending process with one pending step per name.
func NewProcess(id, workflow, workflowType string, stepNames []string, metadata *Metadata) *Process {
	now := clock.Now()
	steps := make([]*Step, 0, len(stepNames))
	for i, name := range stepNames {
		steps = append(steps, &Step{Index: i, Name: name, State: StepStatePending})
	}
	return &Process{
		ID:               id,
		Workflow:         workflow,
		Type:             workflowType,
		State:            StatePending,
		CurrentStepIndex: 0,
		Steps:            steps,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CurrentStep returns the step at CurrentStepIndex or nil when the index is
// out of range (completed process).
func (p *Process) CurrentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.CurrentStepIndex]
}

// StepAt returns the step with the given index or nil.
func (p *Process) StepAt(index int) *Step {
	if index < 0 || index >= len(p.Steps) {
		return nil
	}
	return p.Steps[index]
}

// IsTerminal reports whether the process reached a final state.
func (p *Process) IsTerminal() bool {
	return p.State == StateCompleted || p.State == StateFailed
}

// SetState updates the process state and bookkeeping timestamps.
func (p *Process) SetState(state string) {
	p.State = state
	now := clock.Now()
	switch state {
	case StateCompleted, StateFailed:
		p.FinishedAt = &now
	}
	p.UpdatedAt = now
}

// Clone creates a deep copy so that readers never observe a process that a
// concurrent transaction is still mutating.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Steps != nil {
		clone.Steps = make([]*Step, len(p.Steps))
		for i, step := range p.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	if p.Metadata != nil {
		meta := *p.Metadata
		if p.Metadata.Extra != nil {
			meta.Extra = make(map[string]interface{}, len(p.Metadata.Extra))
			for k, v := range p.Metadata.Extra {
				meta.Extra[k] = v
			}
		}
		clone.Metadata = &meta
	}
	if p.Input != nil {
		clone.Input = make(map[string]interface{}, len(p.Input))
		for k, v := range p.Input {
			clone.Input[k] = v
		}
	}
	if p.Result != nil {
		clone.Result = make(map[string]interface{}, len(p.Result))
		for k, v := range p.Result {
			clone.Result[k] = v
		}
	}
	if p.FinishedAt != nil {
		finished := *p.FinishedAt
		clone.FinishedAt = &finished
	}
	return &clone
}
