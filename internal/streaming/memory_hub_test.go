package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", StepID: "research", Kind: schema.ActivityStepSucceeded, Sequence: 2}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "research", got.StepID)
	assert.Equal(t, schema.ActivityStepSucceeded, got.Kind)
	assert.Equal(t, int64(2), got.Sequence)
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Kind: schema.ActivityStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", Kind: schema.ActivityStarted}))

	assert.Equal(t, "run-1", receive(t, ch).RunID)
	assertEmpty(t, ch)
}

func TestFilterByOwnerAndKind(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		OwnerID: "owner-1",
		Kinds:   []schema.ActivityKind{schema.ActivityApprovalRequested},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", OwnerID: "owner-1", Kind: schema.ActivityStepSucceeded}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", OwnerID: "owner-2", Kind: schema.ActivityApprovalRequested}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", OwnerID: "owner-1", Kind: schema.ActivityApprovalRequested}))

	got := receive(t, ch)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, schema.ActivityApprovalRequested, got.Kind)
	assertEmpty(t, ch)
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}))
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHubWithBuffer(2)
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Sequence: int64(i + 1)}))
	}
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, EventFilter{})
			assert.NoError(t, err)
			cancel()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}
