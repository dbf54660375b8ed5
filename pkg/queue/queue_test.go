package queue

import (
	"context"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()

	var received []events.Event

	timeout := time.After(2 * time.Second)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return received
			}

			received = append(received, event)
		case <-timeout:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestQueue_DeliversInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue("task-1", "user-1")
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()}))
	require.NoError(t, q.Publish(ctx, &events.NodeStarted{BaseEvent: events.NewBaseEvent(), NodeID: "node-a"}))
	require.NoError(t, q.Publish(ctx, &events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()}))

	received := collect(t, q.Listen(ctx))

	require.Len(t, received, 3)
	assert.Equal(t, events.WorkflowStartedEvent, received[0].GetType())
	assert.Equal(t, events.NodeStartedEvent, received[1].GetType())
	assert.Equal(t, events.WorkflowSucceededEvent, received[2].GetType())
}

func TestQueue_PublishAfterCloseFails(t *testing.T) {
	t.Parallel()

	q := NewQueue("task-1", "user-1")
	q.Close()

	err := q.Publish(context.Background(), &events.Ping{BaseEvent: events.NewBaseEvent()})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue("task-1", "user-1")
	q.Close()
	q.Close()
}

func TestQueue_InjectsPingsWhileIdle(t *testing.T) {
	t.Parallel()

	q := NewQueue("task-1", "user-1", WithPingInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := q.Listen(ctx)

	select {
	case event := <-ch:
		assert.Equal(t, events.PingEvent, event.GetType())
	case <-time.After(time.Second):
		t.Fatal("expected a keepalive ping")
	}
}

func TestQueue_StopFlagConvertsToStopEvent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStopFlagStore()
	q := NewQueue("task-1", "user-1", WithStopFlagStore(store))
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()}))
	require.NoError(t, store.Set(ctx, "task-1", "web-app", "user-1"))
	require.NoError(t, q.Publish(ctx, &events.NodeStarted{BaseEvent: events.NewBaseEvent(), NodeID: "node-a"}))

	received := collect(t, q.Listen(ctx))

	require.Len(t, received, 3)
	assert.Equal(t, events.NodeStartedEvent, received[1].GetType())

	stop, ok := received[2].(*events.Stop)
	require.True(t, ok)
	assert.Equal(t, "user-1", stop.StoppedBy)
}

func TestQueue_StopFlagFromAnotherUserIsIgnored(t *testing.T) {
	t.Parallel()

	store := NewMemoryStopFlagStore()
	q := NewQueue("task-1", "user-1", WithStopFlagStore(store))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task-1", "web-app", "someone-else"))
	require.NoError(t, q.Publish(ctx, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()}))
	require.NoError(t, q.Publish(ctx, &events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()}))

	received := collect(t, q.Listen(ctx))

	require.Len(t, received, 2)
	assert.Equal(t, events.WorkflowSucceededEvent, received[1].GetType())
}

func TestMemoryStopFlagStore_ClearRemovesFlag(t *testing.T) {
	t.Parallel()

	store := NewMemoryStopFlagStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task-1", "service-api", "user-1"))

	stopped, err := store.Check(ctx, "task-1", "user-1")
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, store.Clear(ctx, "task-1"))

	stopped, err = store.Check(ctx, "task-1", "user-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}
