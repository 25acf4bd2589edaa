// Package memory implements an in-memory event stream. Each process keeps a
// sequence-ordered log slice; subscribers follow a cursor over it and are
// woken up through a broadcast channel that is replaced on every append.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cropflow/cropflow/service/eventstream"
)

// Stream implements eventstream.Service.
type Stream struct {
	mu     sync.RWMutex
	logs   map[string][]*eventstream.Event
	seen   map[string]map[int64]bool
	notify chan struct{}
}

var _ eventstream.Service = (*Stream)(nil)

// New creates an empty in-memory stream.
func New() *Stream {
	return &Stream{
		logs:   map[string][]*eventstream.Event{},
		seen:   map[string]map[int64]bool{},
		notify: make(chan struct{}),
	}
}

// Publish appends an event; a duplicate (processId, sequence) is a no-op.
func (s *Stream) Publish(_ context.Context, event *eventstream.Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ProcessID == "" {
		return fmt.Errorf("event processId cannot be empty")
	}
	if event.Sequence <= 0 {
		return fmt.Errorf("event sequence must be positive, got %d", event.Sequence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seen[event.ProcessID]
	if !ok {
		seen = map[int64]bool{}
		s.seen[event.ProcessID] = seen
	}
	if seen[event.Sequence] {
		return nil
	}
	seen[event.Sequence] = true

	log := append(s.logs[event.ProcessID], event)
	// Appends normally arrive in order; tolerate interleaved publishers.
	sort.SliceStable(log, func(i, j int) bool { return log[i].Sequence < log[j].Sequence })
	s.logs[event.ProcessID] = log

	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// Subscribe returns a subscription delivering events with sequence >=
// fromSequence in order, including events appended after the call.
func (s *Stream) Subscribe(ctx context.Context, processID string, fromSequence int64) (eventstream.Subscription, error) {
	if processID == "" {
		return nil, fmt.Errorf("processId cannot be empty")
	}
	sub := &subscription{
		stream:    s,
		processID: processID,
		from:      fromSequence,
		events:    make(chan *eventstream.Event),
		done:      make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

type subscription struct {
	stream    *Stream
	processID string
	from      int64
	events    chan *eventstream.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan *eventstream.Event { return s.events }

func (s *subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)
	next := s.from
	for {
		s.stream.mu.RLock()
		var batch []*eventstream.Event
		for _, event := range s.stream.logs[s.processID] {
			if event.Sequence >= next {
				batch = append(batch, event)
			}
		}
		notify := s.stream.notify
		s.stream.mu.RUnlock()

		for _, event := range batch {
			select {
			case s.events <- event:
				next = event.Sequence + 1
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-notify:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
