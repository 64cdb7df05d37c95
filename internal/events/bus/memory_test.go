package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("user.u1.sessions", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	sent := NewEvent("session.status", "test", map[string]string{"status": "running"})
	require.NoError(t, b.Publish(context.Background(), "user.u1.sessions", sent))

	got := waitForEvent(t, received)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "session.status", got.Type)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	single := make(chan *Event, 4)
	_, err := b.Subscribe("user.*.sessions", func(ctx context.Context, ev *Event) error {
		single <- ev
		return nil
	})
	require.NoError(t, err)

	tail := make(chan *Event, 4)
	_, err = b.Subscribe("user.>", func(ctx context.Context, ev *Event) error {
		tail <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "user.u1.sessions", NewEvent("a", "test", nil)))
	waitForEvent(t, single)
	waitForEvent(t, tail)

	// Two tokens after "user." only match the ">" subscription.
	require.NoError(t, b.Publish(context.Background(), "user.u1.sessions.extra", NewEvent("b", "test", nil)))
	waitForEvent(t, tail)
	select {
	case <-single:
		t.Fatal("single-token wildcard matched a deeper subject")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("topic", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "topic", NewEvent("x", "test", nil)))
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "topic", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("topic", func(ctx context.Context, ev *Event) error { return nil })
	assert.Error(t, err)
}
