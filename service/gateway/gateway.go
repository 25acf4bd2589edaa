// Package gateway relays process events to clients. Each client connection
// owns one event-stream subscription; the gateway deduplicates redeliveries
// on (processId, sequence) before forwarding and supports resuming from a
// client-supplied last seen sequence. A pull-style status snapshot serves
// clients without a live connection.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/service/eventstream"
	"github.com/cropflow/cropflow/service/store"
)

// Frame is the JSON message shape written to a client connection, one frame
// per event, in per-process sequence order.
type Frame struct {
	EventType string                 `json:"eventType"`
	ProcessID string                 `json:"processId"`
	Sequence  int64                  `json:"sequence"`
	Step      string                 `json:"step,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// JSON serialises the frame.
func (f *Frame) JSON() ([]byte, error) {
	return json.Marshal(f)
}

// StepStatus is one step's slice of the status snapshot.
type StepStatus struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Status is the pull-based substitute for the push stream.
type Status struct {
	ProcessID        string       `json:"processId"`
	Workflow         string       `json:"workflow"`
	Type             string       `json:"type"`
	State            string       `json:"state"`
	CurrentStepIndex int          `json:"currentStepIndex"`
	Steps            []StepStatus `json:"steps"`
	Error            string       `json:"error,omitempty"`
	CompletedSteps   int          `json:"completedSteps"`
	FailedSteps      int          `json:"failedSteps"`
	RunningSteps     int          `json:"runningSteps"`
	TotalSteps       int          `json:"totalSteps"`
}

// Connection is a live client channel.
type Connection struct {
	frames    chan *Frame
	sub       eventstream.Subscription
	closeOnce sync.Once
	done      chan struct{}
}

// Frames yields deduplicated frames in sequence order. The channel closes
// when the connection is closed.
func (c *Connection) Frames() <-chan *Frame { return c.frames }

// Close releases the connection and its subscription.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
	})
}

// Service implements the gateway.
type Service struct {
	stream eventstream.Service
	store  store.Service
}

// New creates a gateway over the event stream and state store.
func New(stream eventstream.Service, storeService store.Service) *Service {
	return &Service{stream: stream, store: storeService}
}

// Connect opens a live channel for one process. lastSeenSequence is the
// highest sequence the client already holds; pass 0 to receive the full
// history.
func (s *Service) Connect(ctx context.Context, processID string, lastSeenSequence int64) (*Connection, error) {
	sub, err := s.stream.Subscribe(ctx, processID, lastSeenSequence+1)
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		frames: make(chan *Frame),
		sub:    sub,
		done:   make(chan struct{}),
	}
	go conn.relay(ctx)
	return conn, nil
}

// relay forwards events as frames, dropping redelivered sequences. The
// stream guarantees at-least-once only, so duplicates are expected.
func (c *Connection) relay(ctx context.Context) {
	defer close(c.frames)
	seen := map[int64]bool{}
	for {
		select {
		case event, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if seen[event.Sequence] {
				continue
			}
			seen[event.Sequence] = true
			frame := &Frame{
				EventType: event.EventType,
				ProcessID: event.ProcessID,
				Sequence:  event.Sequence,
				Step:      event.Step,
				Payload:   event.Payload,
			}
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Status returns the current process/step state snapshot.
func (s *Service) Status(ctx context.Context, processID string) (*Status, error) {
	process, err := s.store.LoadProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	status := &Status{
		ProcessID:        process.ID,
		Workflow:         process.Workflow,
		Type:             process.Type,
		State:            process.State,
		CurrentStepIndex: process.CurrentStepIndex,
		Error:            process.Error,
		TotalSteps:       len(process.Steps),
	}
	for _, step := range process.Steps {
		status.Steps = append(status.Steps, StepStatus{
			Index:    step.Index,
			Name:     step.Name,
			State:    step.State,
			Error:    step.Error,
			Attempts: step.Attempts,
		})
		switch step.State {
		case execution.StepStateDone:
			status.CompletedSteps++
		case execution.StepStateFailed:
			status.FailedSteps++
		case execution.StepStateInProgress:
			status.RunningSteps++
		}
	}
	return status, nil
}
