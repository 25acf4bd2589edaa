package execution

import (
	"time"

	"github.com/cropflow/cropflow/internal/clock"
)

// Step state constants
const (
	StepStatePending     = "pending"
	StepStateInProgress  = "in_progress"
	StepStateDone        = "done"
	StepStateFailed      = "failed"
	StepStateCompensated = "compensated"
)

// Step represents one unit of a process. Index defines the total order;
// steps reach in_progress strictly in non-decreasing index order and never
// leave done or compensated once reached.
type Step struct {
	Index       int                    `json:"index"`
	Name        string                 `json:"name"`
	State       string                 `json:"state"`
	StateInfo   string                 `json:"stateInfo,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Records     []*StreamRecord        `json:"records,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Start marks the step as in progress and bumps the attempt counter.
func (s *Step) Start() {
	now := clock.Now()
	s.State = StepStateInProgress
	s.StartedAt = &now
	s.CompletedAt = nil
	s.Error = ""
	s.Attempts++
}

// Complete marks the step as done with its terminal result.
func (s *Step) Complete(result map[string]interface{}) {
	now := clock.Now()
	s.State = StepStateDone
	s.Result = result
	s.CompletedAt = &now
	s.Error = ""
}

// Fail marks the step as failed.
func (s *Step) Fail(err error) {
	now := clock.Now()
	s.State = StepStateFailed
	s.CompletedAt = &now
	if err != nil {
		s.Error = err.Error()
	}
}

// Compensate marks a previously done step as compensated.
func (s *Step) Compensate() {
	now := clock.Now()
	s.State = StepStateCompensated
	s.CompletedAt = &now
}

// IsTerminal reports whether the step may not transition any further.
func (s *Step) IsTerminal() bool {
	return s.State == StepStateDone || s.State == StepStateCompensated
}

// AppendRecord adds a parsed stream record to the in-progress result
// accumulator.
func (s *Step) AppendRecord(record *StreamRecord) {
	s.Records = append(s.Records, record)
}

// Clone creates a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Result != nil {
		clone.Result = make(map[string]interface{}, len(s.Result))
		for k, v := range s.Result {
			clone.Result[k] = v
		}
	}
	if s.Records != nil {
		clone.Records = append([]*StreamRecord(nil), s.Records...)
	}
	if s.StartedAt != nil {
		started := *s.StartedAt
		clone.StartedAt = &started
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
