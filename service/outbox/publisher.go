package outbox

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cropflow/cropflow/internal/clock"
	"github.com/cropflow/cropflow/service/eventstream"
	"github.com/cropflow/cropflow/service/store"
	"github.com/cropflow/cropflow/tracing"
)

// Config represents publisher configuration
type Config struct {
	// PollingInterval is how often the publisher scans for due pending rows
	PollingInterval time.Duration

	// BatchSize caps the number of rows drained per cycle
	BatchSize int

	// MaxAttempts is the publish attempt budget before a row is dead-lettered
	MaxAttempts int

	// RetryDelay is the base delay between publish attempts
	RetryDelay time.Duration

	// Multiplier grows the delay exponentially per attempt
	Multiplier float64

	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration
}

// DefaultConfig returns the default publisher configuration
func DefaultConfig() Config {
	return Config{
		PollingInterval: 20 * time.Millisecond,
		BatchSize:       100,
		MaxAttempts:     5,
		RetryDelay:      100 * time.Millisecond,
		Multiplier:      2,
		MaxDelay:        5 * time.Second,
	}
}

// Publisher continuously forwards pending outbox rows to the event stream in
// (processId, sequence) order and marks them sent on acknowledged publish.
// Multiple instances may run concurrently: publishing is idempotent on the
// stable (processId, sequence) key.
type Publisher struct {
	config       Config
	store        store.Service
	stream       eventstream.Service
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a publisher.
func New(storeService store.Service, stream eventstream.Service, config Config) *Publisher {
	if config.PollingInterval <= 0 {
		config.PollingInterval = DefaultConfig().PollingInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Publisher{
		config:     config,
		store:      storeService,
		stream:     stream,
		shutdownCh: make(chan struct{}),
	}
}

// Start begins the publishing loop; it returns when ctx is cancelled or
// Shutdown is called.
func (p *Publisher) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.shutdownCh:
			return nil
		case <-ticker.C:
			if err := p.publishCycle(ctx); err != nil {
				// Log error but continue; rows stay pending.
				log.Printf("outbox publish cycle failed: %v", err)
			}
		}
	}
}

// Shutdown stops the publishing loop. It is safe to call more than once.
func (p *Publisher) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
}

// Drain runs publish cycles until no due pending rows remain. It is used by
// tests and by graceful shutdown to flush the table.
func (p *Publisher) Drain(ctx context.Context) error {
	for {
		rows, err := p.store.ListPendingOutbox(ctx, p.config.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := p.publishRows(ctx, rows); err != nil {
			return err
		}
	}
}

func (p *Publisher) publishCycle(ctx context.Context) error {
	rows, err := p.store.ListPendingOutbox(ctx, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list pending outbox rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	return p.publishRows(ctx, rows)
}

func (p *Publisher) publishRows(ctx context.Context, rows []*store.OutboxMessage) error {
	ctx, span := tracing.StartSpan(ctx, "outbox.publish", "PRODUCER")
	defer span.OnDone()
	span.WithAttributes(map[string]string{"rows": fmt.Sprintf("%d", len(rows))})

	// A failed row blocks every later sequence of its process for this
	// batch; publishing them ahead would break per-process order.
	blocked := map[string]bool{}
	for _, row := range rows {
		if blocked[row.ProcessID] {
			continue
		}
		event := &eventstream.Event{
			ProcessID: row.ProcessID,
			Sequence:  row.Sequence,
			EventType: row.EventType,
			Step:      row.Step,
			Payload:   row.Payload,
			CreatedAt: row.CreatedAt,
		}
		if err := p.stream.Publish(ctx, event); err != nil {
			p.handlePublishError(ctx, row, err)
			blocked[row.ProcessID] = true
			continue
		}
		if err := p.store.MarkOutboxSent(ctx, row.ID); err != nil {
			// The event is already on the stream; the row stays pending and
			// the next cycle republishes idempotently.
			log.Printf("failed to mark outbox row %v sent: %v", row.ID, err)
		}
	}
	return nil
}

func (p *Publisher) handlePublishError(ctx context.Context, row *store.OutboxMessage, err error) {
	attempts := row.Attempts + 1
	if attempts >= p.config.MaxAttempts {
		log.Printf("outbox row %v (%v seq %d) dead-lettered after %d attempts: %v",
			row.ID, row.ProcessID, row.Sequence, attempts, err)
		if markErr := p.store.MarkOutboxDead(ctx, row.ID); markErr != nil {
			log.Printf("failed to dead-letter outbox row %v: %v", row.ID, markErr)
		}
		return
	}
	next := clock.Now().Add(p.backoff(row.Attempts))
	if markErr := p.store.MarkOutboxFailed(ctx, row.ID, next); markErr != nil {
		log.Printf("failed to mark outbox row %v for retry: %v", row.ID, markErr)
	}
}

// backoff returns the delay before the next attempt given the number of
// attempts already made.
func (p *Publisher) backoff(attempts int) time.Duration {
	mult := p.config.Multiplier
	if mult <= 1 {
		mult = 2
	}
	base := p.config.RetryDelay
	if base <= 0 {
		base = DefaultConfig().RetryDelay
	}
	delay := float64(base) * math.Pow(mult, float64(attempts))
	if p.config.MaxDelay > 0 && time.Duration(delay) > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}
