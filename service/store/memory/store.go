// Package memory implements an in-memory, thread-safe state store. All reads
// work with deep copies to eliminate data races between goroutines; writes go
// through optimistic transactions keyed on the process SCN.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cropflow/cropflow/internal/clock"
	"github.com/cropflow/cropflow/internal/idgen"
	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/service/store"
)

// Service implements store.Service backed by process and outbox maps.
type Service struct {
	mu        sync.RWMutex
	processes map[string]*execution.Process
	outbox    []*store.OutboxMessage
	outboxByID map[string]*store.OutboxMessage
	lastSeq   map[string]int64
}

var _ store.Service = (*Service)(nil)

// New creates an empty in-memory store.
func New() *Service {
	return &Service{
		processes:  map[string]*execution.Process{},
		outboxByID: map[string]*store.OutboxMessage{},
		lastSeq:    map[string]int64{},
	}
}

// Begin opens a transaction. For an existing process the working copy and its
// SCN are captured under the read lock; commit later fails with ErrConflict
// when the stored SCN moved on.
func (s *Service) Begin(_ context.Context, processID string) (store.Tx, error) {
	t := &tx{service: s, processID: processID, isNew: processID == ""}
	if processID != "" {
		s.mu.RLock()
		current, ok := s.processes[processID]
		s.mu.RUnlock()
		if !ok {
			return nil, store.ErrNotFound
		}
		t.snapshotSCN = current.SCN
		t.working = current.Clone()
	}
	return t, nil
}

// LoadProcess returns a deep copy of the stored process.
func (s *Service) LoadProcess(_ context.Context, id string) (*execution.Process, error) {
	if id == "" {
		return nil, store.ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	process, ok := s.processes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return process.Clone(), nil
}

// ListProcesses returns deep copies of all processes.
func (s *Service) ListProcesses(_ context.Context) ([]*execution.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*execution.Process, 0, len(s.processes))
	for _, process := range s.processes {
		out = append(out, process.Clone())
	}
	return out, nil
}

// ListPendingOutbox returns due pending rows ordered by (processId, sequence).
// A pending row still backing off withholds every later sequence of its
// process: surfacing them first would let the stream deliver out of order.
func (s *Service) ListPendingOutbox(_ context.Context, limit int) ([]*store.OutboxMessage, error) {
	now := clock.Now()
	s.mu.RLock()
	pending := make([]*store.OutboxMessage, 0, len(s.outbox))
	for _, msg := range s.outbox {
		if msg.Status != store.OutboxStatusPending {
			continue
		}
		copied := *msg
		pending = append(pending, &copied)
	}
	s.mu.RUnlock()
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].ProcessID != pending[j].ProcessID {
			return pending[i].ProcessID < pending[j].ProcessID
		}
		return pending[i].Sequence < pending[j].Sequence
	})
	var out []*store.OutboxMessage
	blocked := ""
	for _, msg := range pending {
		if msg.ProcessID == blocked {
			continue
		}
		if msg.NextAttemptAt.After(now) {
			blocked = msg.ProcessID
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListOutbox returns all rows of one process in sequence order.
func (s *Service) ListOutbox(_ context.Context, processID string) ([]*store.OutboxMessage, error) {
	if processID == "" {
		return nil, store.ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.OutboxMessage
	for _, msg := range s.outbox {
		if msg.ProcessID != processID {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// MarkOutboxSent flips a row to sent.
func (s *Service) MarkOutboxSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outboxByID[id]
	if !ok {
		return store.ErrNotFound
	}
	now := clock.Now()
	msg.Status = store.OutboxStatusSent
	msg.SentAt = &now
	return nil
}

// MarkOutboxFailed records a failed attempt and its retry time.
func (s *Service) MarkOutboxFailed(_ context.Context, id string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outboxByID[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Attempts++
	msg.NextAttemptAt = nextAttemptAt
	return nil
}

// MarkOutboxDead dead-letters a row.
func (s *Service) MarkOutboxDead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outboxByID[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Status = store.OutboxStatusDead
	return nil
}

type stagedOutbox struct {
	eventType string
	step      string
	payload   map[string]interface{}
}

type tx struct {
	service     *Service
	processID   string
	isNew       bool
	snapshotSCN int
	working     *execution.Process
	staged      []stagedOutbox
	done        bool
}

func (t *tx) Process() *execution.Process { return t.working }

func (t *tx) UpsertProcess(process *execution.Process) error {
	if t.done {
		return store.ErrTxDone
	}
	if process == nil {
		return store.ErrNilEntity
	}
	if process.ID == "" {
		return store.ErrInvalidID
	}
	if !t.isNew && process.ID != t.processID {
		return store.ErrInvalidID
	}
	t.working = process
	t.processID = process.ID
	return nil
}

func (t *tx) UpsertStep(step *execution.Step) error {
	if t.done {
		return store.ErrTxDone
	}
	if step == nil {
		return store.ErrNilEntity
	}
	if t.working == nil {
		return store.ErrNotFound
	}
	if step.Index < 0 || step.Index >= len(t.working.Steps) {
		return store.ErrNotFound
	}
	t.working.Steps[step.Index] = step
	return nil
}

func (t *tx) InsertOutbox(eventType, step string, payload map[string]interface{}) error {
	if t.done {
		return store.ErrTxDone
	}
	t.staged = append(t.staged, stagedOutbox{eventType: eventType, step: step, payload: payload})
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true

	s := t.service
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.processes[t.processID]
	if t.isNew {
		if exists {
			return store.ErrConflict
		}
		if t.working == nil {
			return store.ErrNilEntity
		}
	} else {
		if !exists {
			return store.ErrNotFound
		}
		if current.SCN != t.snapshotSCN {
			return store.ErrConflict
		}
	}

	now := clock.Now()
	if t.working != nil {
		t.working.SCN = t.snapshotSCN + 1
		t.working.UpdatedAt = now
		s.processes[t.processID] = t.working.Clone()
	}
	for _, staged := range t.staged {
		s.lastSeq[t.processID]++
		msg := &store.OutboxMessage{
			ID:            idgen.New(),
			ProcessID:     t.processID,
			EventType:     staged.eventType,
			Step:          staged.step,
			Payload:       staged.payload,
			Sequence:      s.lastSeq[t.processID],
			Status:        store.OutboxStatusPending,
			CreatedAt:     now,
			NextAttemptAt: now,
		}
		s.outbox = append(s.outbox, msg)
		s.outboxByID[msg.ID] = msg
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.staged = nil
	t.working = nil
	return nil
}
