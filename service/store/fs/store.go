// Package fs implements a filesystem-backed state store on top of viant/afs.
// Processes and outbox rows live as JSON documents under a base location, so
// any afs-supported scheme (file, mem, s3, gs) can host them. A mutex
// serialises commits within one engine instance; the SCN check still guards
// against writers sharing the same location.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"

	"github.com/cropflow/cropflow/internal/clock"
	"github.com/cropflow/cropflow/internal/idgen"
	"github.com/cropflow/cropflow/model/execution"
	"github.com/cropflow/cropflow/service/store"
)

// Service implements store.Service persisting to a filesystem location.
type Service struct {
	fs       afs.Service
	basePath string
	mu       sync.Mutex
	// id -> file location cache for outbox status updates
	outboxPaths map[string]string
}

var _ store.Service = (*Service)(nil)

// New creates a filesystem store rooted at basePath.
func New(fs afs.Service, basePath string) (*Service, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	return &Service{fs: fs, basePath: basePath, outboxPaths: map[string]string{}}, nil
}

func (s *Service) processPath(id string) string {
	return path.Join(s.basePath, "processes", id+".json")
}

func (s *Service) outboxDir() string {
	return path.Join(s.basePath, "outbox")
}

func (s *Service) outboxPath(processID string, sequence int64) string {
	return path.Join(s.outboxDir(), fmt.Sprintf("%v_%08d.json", processID, sequence))
}

func (s *Service) readProcess(ctx context.Context, id string) (*execution.Process, error) {
	location := s.processPath(id)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to check process %v: %w", id, err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read process %v: %w", id, err)
	}
	process := &execution.Process{}
	if err := json.Unmarshal(data, process); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process %v: %w", id, err)
	}
	return process, nil
}

func (s *Service) writeOutbox(ctx context.Context, msg *store.OutboxMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox row %v: %w", msg.ID, err)
	}
	location := s.outboxPath(msg.ProcessID, msg.Sequence)
	if err := s.fs.Upload(ctx, location, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save outbox row %v: %w", msg.ID, err)
	}
	s.outboxPaths[msg.ID] = location
	return nil
}

func (s *Service) listOutbox(ctx context.Context) ([]*store.OutboxMessage, error) {
	exists, err := s.fs.Exists(ctx, s.outboxDir())
	if err != nil || !exists {
		return nil, err
	}
	objects, err := s.fs.List(ctx, s.outboxDir(), option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	var out []*store.OutboxMessage
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.DownloadWithURL(ctx, object.URL())
		if err != nil {
			return nil, fmt.Errorf("failed to read outbox row %v: %w", object.URL(), err)
		}
		msg := &store.OutboxMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox row %v: %w", object.URL(), err)
		}
		s.outboxPaths[msg.ID] = s.outboxPath(msg.ProcessID, msg.Sequence)
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ProcessID != out[j].ProcessID {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Begin opens a transaction; the snapshot SCN is read from the process file.
func (s *Service) Begin(ctx context.Context, processID string) (store.Tx, error) {
	t := &tx{service: s, processID: processID, isNew: processID == ""}
	if processID != "" {
		process, err := s.readProcess(ctx, processID)
		if err != nil {
			return nil, err
		}
		t.snapshotSCN = process.SCN
		t.working = process
	}
	return t, nil
}

// LoadProcess reads a process from its file.
func (s *Service) LoadProcess(ctx context.Context, id string) (*execution.Process, error) {
	if id == "" {
		return nil, store.ErrInvalidID
	}
	return s.readProcess(ctx, id)
}

// ListProcesses lists all process files.
func (s *Service) ListProcesses(ctx context.Context) ([]*execution.Process, error) {
	dir := path.Join(s.basePath, "processes")
	exists, err := s.fs.Exists(ctx, dir)
	if err != nil || !exists {
		return nil, err
	}
	objects, err := s.fs.List(ctx, dir, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	var out []*execution.Process
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.DownloadWithURL(ctx, object.URL())
		if err != nil {
			return nil, fmt.Errorf("failed to read process %v: %w", object.URL(), err)
		}
		process := &execution.Process{}
		if err := json.Unmarshal(data, process); err != nil {
			return nil, fmt.Errorf("failed to unmarshal process %v: %w", object.URL(), err)
		}
		out = append(out, process)
	}
	return out, nil
}

// ListPendingOutbox returns due pending rows ordered by (processId, sequence).
// A pending row still backing off withholds every later sequence of its
// process: surfacing them first would let the stream deliver out of order.
func (s *Service) ListPendingOutbox(ctx context.Context, limit int) ([]*store.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.listOutbox(ctx)
	if err != nil {
		return nil, err
	}
	now := clock.Now()
	var out []*store.OutboxMessage
	blocked := ""
	for _, msg := range rows {
		if msg.Status != store.OutboxStatusPending || msg.ProcessID == blocked {
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
func (s *Service) ListOutbox(ctx context.Context, processID string) ([]*store.OutboxMessage, error) {
	if processID == "" {
		return nil, store.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.listOutbox(ctx)
	if err != nil {
		return nil, err
	}
	var out []*store.OutboxMessage
	for _, msg := range rows {
		if msg.ProcessID == processID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *Service) updateOutbox(ctx context.Context, id string, update func(*store.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	location, ok := s.outboxPaths[id]
	if !ok {
		// Row written by another instance; rebuild the cache.
		if _, err := s.listOutbox(ctx); err != nil {
			return err
		}
		if location, ok = s.outboxPaths[id]; !ok {
			return store.ErrNotFound
		}
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to read outbox row %v: %w", id, err)
	}
	msg := &store.OutboxMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal outbox row %v: %w", id, err)
	}
	update(msg)
	return s.writeOutbox(ctx, msg)
}

// MarkOutboxSent flips a row to sent.
func (s *Service) MarkOutboxSent(ctx context.Context, id string) error {
	now := clock.Now()
	return s.updateOutbox(ctx, id, func(msg *store.OutboxMessage) {
		msg.Status = store.OutboxStatusSent
		msg.SentAt = &now
	})
}

// MarkOutboxFailed records a failed attempt and its retry time.
func (s *Service) MarkOutboxFailed(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return s.updateOutbox(ctx, id, func(msg *store.OutboxMessage) {
		msg.Attempts++
		msg.NextAttemptAt = nextAttemptAt
	})
}

// MarkOutboxDead dead-letters a row.
func (s *Service) MarkOutboxDead(ctx context.Context, id string) error {
	return s.updateOutbox(ctx, id, func(msg *store.OutboxMessage) {
		msg.Status = store.OutboxStatusDead
	})
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

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true

	s := t.service
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readProcess(ctx, t.processID)
	if t.isNew {
		if err == nil {
			return store.ErrConflict
		}
		if t.working == nil {
			return store.ErrNilEntity
		}
	} else {
		if err != nil {
			return err
		}
		if current.SCN != t.snapshotSCN {
			return store.ErrConflict
		}
	}

	now := clock.Now()
	type document struct {
		location string
		data     []byte
	}
	var docs []document
	pathByID := map[string]string{}

	if len(t.staged) > 0 {
		rows, err := s.listOutbox(ctx)
		if err != nil {
			return err
		}
		var lastSeq int64
		for _, msg := range rows {
			if msg.ProcessID == t.processID && msg.Sequence > lastSeq {
				lastSeq = msg.Sequence
			}
		}
		for _, staged := range t.staged {
			lastSeq++
			msg := &store.OutboxMessage{
				ID:            idgen.New(),
				ProcessID:     t.processID,
				EventType:     staged.eventType,
				Step:          staged.step,
				Payload:       staged.payload,
				Sequence:      lastSeq,
				Status:        store.OutboxStatusPending,
				CreatedAt:     now,
				NextAttemptAt: now,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal outbox row %v: %w", msg.ID, err)
			}
			location := s.outboxPath(msg.ProcessID, msg.Sequence)
			docs = append(docs, document{location: location, data: data})
			pathByID[msg.ID] = location
		}
	}
	if t.working != nil {
		t.working.SCN = t.snapshotSCN + 1
		t.working.UpdatedAt = now
		data, err := json.Marshal(t.working)
		if err != nil {
			return fmt.Errorf("failed to marshal process %v: %w", t.working.ID, err)
		}
		docs = append(docs, document{location: s.processPath(t.working.ID), data: data})
	}

	// Stage every document before the first one is applied: a failed
	// marshal or upload leaves the store untouched. The process document
	// goes last so a torn apply never records a transition whose outbox
	// rows are missing.
	stagingDir := path.Join(s.basePath, "staging", idgen.New())
	for i, doc := range docs {
		stagedLocation := path.Join(stagingDir, fmt.Sprintf("%03d.json", i))
		if err := s.fs.Upload(ctx, stagedLocation, file.DefaultFileOsMode, bytes.NewReader(doc.data)); err != nil {
			_ = s.fs.Delete(ctx, stagingDir)
			return fmt.Errorf("failed to stage commit for process %v: %w", t.processID, err)
		}
	}
	for i, doc := range docs {
		stagedLocation := path.Join(stagingDir, fmt.Sprintf("%03d.json", i))
		if err := s.fs.Move(ctx, stagedLocation, doc.location); err != nil {
			return fmt.Errorf("failed to apply commit for process %v: %w", t.processID, err)
		}
	}
	_ = s.fs.Delete(ctx, stagingDir)
	for id, location := range pathByID {
		s.outboxPaths[id] = location
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
