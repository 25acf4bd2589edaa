package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cropflow/cropflow/service/eventstream"
)

func event(processID string, sequence int64, eventType string) *eventstream.Event {
	return &eventstream.Event{
		ProcessID: processID,
		Sequence:  sequence,
		EventType: eventType,
		CreatedAt: time.Now(),
	}
}

func collect(t *testing.T, sub eventstream.Subscription, count int) []*eventstream.Event {
	t.Helper()
	var out []*eventstream.Event
	timeout := time.After(2 * time.Second)
	for len(out) < count {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events, expected %d", len(out), count)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, expected %d", len(out), count)
		}
	}
	return out
}

func TestPublishAndSubscribeOrder(t *testing.T) {
	ctx := context.Background()
	stream := New()

	for i := int64(1); i <= 3; i++ {
		assert.NoError(t, stream.Publish(ctx, event("p-1", i, eventstream.EventStepStarted)))
	}

	sub, err := stream.Subscribe(ctx, "p-1", 1)
	assert.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 3)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	ctx := context.Background()
	stream := New()

	sub, err := stream.Subscribe(ctx, "p-1", 1)
	assert.NoError(t, err)
	defer sub.Close()

	go func() {
		for i := int64(1); i <= 5; i++ {
			_ = stream.Publish(ctx, event("p-1", i, eventstream.EventChunk))
		}
	}()

	got := collect(t, sub, 5)
	assert.Equal(t, int64(5), got[4].Sequence)
}

func TestPublishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	stream := New()

	assert.NoError(t, stream.Publish(ctx, event("p-1", 1, eventstream.EventStepStarted)))
	assert.NoError(t, stream.Publish(ctx, event("p-1", 1, eventstream.EventStepStarted)))
	assert.NoError(t, stream.Publish(ctx, event("p-1", 2, eventstream.EventStepCompleted)))

	sub, err := stream.Subscribe(ctx, "p-1", 1)
	assert.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)
}

func TestResumeFromSequence(t *testing.T) {
	ctx := context.Background()
	stream := New()

	for i := int64(1); i <= 5; i++ {
		assert.NoError(t, stream.Publish(ctx, event("p-1", i, eventstream.EventChunk)))
	}

	// A reconnecting client resumes past its last seen sequence.
	sub, err := stream.Subscribe(ctx, "p-1", 4)
	assert.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(5), got[1].Sequence)
}

func TestProcessIsolation(t *testing.T) {
	ctx := context.Background()
	stream := New()

	assert.NoError(t, stream.Publish(ctx, event("p-1", 1, eventstream.EventStepStarted)))
	assert.NoError(t, stream.Publish(ctx, event("p-2", 1, eventstream.EventStepStarted)))
	assert.NoError(t, stream.Publish(ctx, event("p-1", 2, eventstream.EventStepCompleted)))

	sub, err := stream.Subscribe(ctx, "p-2", 1)
	assert.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 1)
	assert.Equal(t, "p-2", got[0].ProcessID)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	stream := New()
	sub, err := stream.Subscribe(ctx, "p-1", 1)
	assert.NoError(t, err)
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	stream := New()
	assert.Error(t, stream.Publish(ctx, nil))
	assert.Error(t, stream.Publish(ctx, event("", 1, eventstream.EventChunk)))
	assert.Error(t, stream.Publish(ctx, event("p-1", 0, eventstream.EventChunk)))
}
