package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudebridge/claudebridge/internal/common/logger"
)

func setupBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

// received collects events delivered to a handler and lets tests wait for
// a given count without sleeping.
type received struct {
	mu     sync.Mutex
	events []*Event
	ch     chan struct{}
}

func newReceived() *received {
	return &received{ch: make(chan struct{}, 64)}
}

func (r *received) handler(ctx context.Context, e *Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *received) wait(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestPublishSubscribe(t *testing.T) {
	t.Run("delivers to exact subject", func(t *testing.T) {
		b := setupBus(t)
		rec := newReceived()

		_, err := b.Subscribe("task.completed", rec.handler)
		require.NoError(t, err)

		err = b.Publish(context.Background(), "task.completed",
			NewEvent("task.completed", "queue-manager", map[string]interface{}{"task_id": "t-1"}))
		require.NoError(t, err)

		got := rec.wait(t, 1)
		assert.Equal(t, "task.completed", got[0].Type)
		assert.Equal(t, "t-1", got[0].Data["task_id"])
		assert.NotEmpty(t, got[0].ID)
	})

	t.Run("wildcard matches one token", func(t *testing.T) {
		b := setupBus(t)
		rec := newReceived()

		_, err := b.Subscribe("task.*", rec.handler)
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "task.started",
			NewEvent("task.started", "queue-manager", nil)))
		require.NoError(t, b.Publish(context.Background(), "task.failed",
			NewEvent("task.failed", "queue-manager", nil)))

		got := rec.wait(t, 2)
		assert.Len(t, got, 2)
	})

	t.Run("wildcard does not match different prefix", func(t *testing.T) {
		b := setupBus(t)
		rec := newReceived()

		_, err := b.Subscribe("task.*", rec.handler)
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "session.created",
			NewEvent("session.created", "session-registry", nil)))
		require.NoError(t, b.Publish(context.Background(), "task.started",
			NewEvent("task.started", "queue-manager", nil)))

		got := rec.wait(t, 1)
		require.Len(t, got, 1)
		assert.Equal(t, "task.started", got[0].Type)
	})

	t.Run("multi-token wildcard", func(t *testing.T) {
		b := setupBus(t)
		rec := newReceived()

		_, err := b.Subscribe(">", rec.handler)
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "queue.run_started",
			NewEvent("queue.run_started", "queue-manager", nil)))

		got := rec.wait(t, 1)
		assert.Equal(t, "queue.run_started", got[0].Type)
	})
}

func TestUnsubscribe(t *testing.T) {
	b := setupBus(t)
	rec := newReceived()

	sub, err := b.Subscribe("schedule.fired", rec.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "schedule.fired",
		NewEvent("schedule.fired", "cron-scheduler", nil)))

	select {
	case <-rec.ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	b := setupBus(t)
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.started", NewEvent("task.started", "queue-manager", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("task.started", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestHandlerPanicDoesNotCrash(t *testing.T) {
	b := setupBus(t)
	rec := newReceived()

	_, err := b.Subscribe("handler.error", func(ctx context.Context, e *Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("handler.error", rec.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "handler.error",
		NewEvent("handler.error", "session-registry", nil)))

	// The panicking subscriber must not prevent delivery to the healthy one.
	got := rec.wait(t, 1)
	assert.Len(t, got, 1)
}
