// Package fs implements a filesystem-backed queue. Each message lives as one
// JSON file that moves between lifecycle directories, which makes the queue
// state inspectable with plain shell tools and durable across restarts.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"

	"github.com/cropflow/cropflow/internal/idgen"
	"github.com/cropflow/cropflow/service/messaging"
)

// Message implements messaging.Message for the filesystem queue.
type Message[T any] struct {
	ID        string    `json:"id"`
	Data      T         `json:"data"`
	Error     string    `json:"error,omitempty"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	queue     *Queue[T]
	processed bool
	mu        sync.Mutex
}

// T returns the message payload
func (m *Message[T]) T() *T {
	return &m.Data
}

// Ack moves the message file to the done directory.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message already processed")
	}
	m.processed = true
	m.UpdatedAt = time.Now()
	return m.queue.settle(context.Background(), m, m.queue.doneDir)
}

// Nack moves the message file to the retry directory, or to the dead
// directory once the retry budget is spent.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message already processed")
	}
	m.processed = true
	if err != nil {
		m.Error = err.Error()
	}
	m.Retries++
	m.UpdatedAt = time.Now()

	dest := m.queue.retryDir
	if m.Retries > m.queue.config.MaxRetries {
		dest = m.queue.deadDir
	}
	return m.queue.settle(context.Background(), m, dest)
}

// QueueConfig holds configuration for the filesystem queue.
type QueueConfig struct {
	BasePath   string
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a default queue configuration.
func DefaultConfig() QueueConfig {
	return QueueConfig{
		BasePath:   "/tmp/cropflow/queue",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Queue implements a filesystem-based messaging.Queue.
type Queue[T any] struct {
	fs          afs.Service
	config      QueueConfig
	pendingDir  string
	inflightDir string
	doneDir     string
	retryDir    string
	deadDir     string
	mu          sync.Mutex
}

var _ messaging.Queue[any] = (*Queue[any])(nil)

// NewQueue creates a filesystem-based queue rooted at config.BasePath.
func NewQueue[T any](fs afs.Service, config QueueConfig) (*Queue[T], error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	q := &Queue[T]{
		fs:          fs,
		config:      config,
		pendingDir:  path.Join(config.BasePath, "pending"),
		inflightDir: path.Join(config.BasePath, "inflight"),
		doneDir:     path.Join(config.BasePath, "done"),
		retryDir:    path.Join(config.BasePath, "retry"),
		deadDir:     path.Join(config.BasePath, "dead"),
	}
	ctx := context.Background()
	for _, dir := range []string{q.pendingDir, q.inflightDir, q.doneDir, q.retryDir, q.deadDir} {
		if exists, _ := fs.Exists(ctx, dir); exists {
			continue
		}
		if err := fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// Publish writes a new message file to the pending directory.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	message := &Message[T]{
		ID:        idgen.New(),
		Data:      *t,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.upload(ctx, path.Join(q.pendingDir, q.filename(message.ID)), data)
}

// Consume retrieves a single message, preferring retry-eligible ones. It
// returns (nil, nil) when the queue is empty.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, dir := range []string{q.retryDir, q.pendingDir} {
		message, err := q.takeOldest(ctx, dir)
		if err != nil {
			return nil, err
		}
		if message != nil {
			return message, nil
		}
	}
	return nil, nil
}

// takeOldest claims the oldest message file of dir by moving it to the
// inflight directory. Upload-then-delete keeps the message recoverable if
// the claim is interrupted midway.
func (q *Queue[T]) takeOldest(ctx context.Context, dir string) (*Message[T], error) {
	objects, err := q.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var candidate storage.Object
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		if candidate == nil || object.Name() < candidate.Name() {
			candidate = object
		}
	}
	if candidate == nil {
		return nil, nil
	}

	data, err := q.fs.DownloadWithURL(ctx, candidate.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", candidate.URL(), err)
	}
	message := &Message[T]{}
	if err := json.Unmarshal(data, message); err != nil {
		// Quarantine an unreadable file instead of wedging the queue.
		_ = q.fs.Move(ctx, candidate.URL(), path.Join(q.deadDir, "invalid-"+candidate.Name()))
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", candidate.URL(), err)
	}
	message.queue = q
	message.UpdatedAt = time.Now()

	updated, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claimed message: %w", err)
	}
	if err := q.upload(ctx, path.Join(q.inflightDir, candidate.Name()), updated); err != nil {
		return nil, err
	}
	if err := q.fs.Delete(ctx, candidate.URL()); err != nil {
		return nil, fmt.Errorf("failed to remove claimed message: %w", err)
	}
	return message, nil
}

// settle moves an inflight message file to its terminal directory.
func (q *Queue[T]) settle(ctx context.Context, m *Message[T], dest string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	name := q.filename(m.ID)
	if err := q.upload(ctx, path.Join(dest, name), data); err != nil {
		return err
	}
	inflight := path.Join(q.inflightDir, name)
	if exists, _ := q.fs.Exists(ctx, inflight); exists {
		if err := q.fs.Delete(ctx, inflight); err != nil {
			return fmt.Errorf("failed to remove inflight message: %w", err)
		}
	}
	return nil
}

func (q *Queue[T]) filename(id string) string {
	return id + ".json"
}

func (q *Queue[T]) upload(ctx context.Context, dest string, data []byte) error {
	return q.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewBuffer(data))
}
