package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/session/models"
)

// fakeLog is an in-memory EventLog.
type fakeLog struct {
	mu     sync.Mutex
	events map[string][]models.SequencedEvent
}

func newFakeLog() *fakeLog {
	return &fakeLog{events: make(map[string][]models.SequencedEvent)}
}

func (f *fakeLog) NextSequence(ctx context.Context, ref models.SessionRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.events[ref.Key()]
	if len(stored) == 0 {
		return 1, nil
	}
	return stored[len(stored)-1].Sequence + 1, nil
}

func (f *fakeLog) AppendEvent(ctx context.Context, ref models.SessionRef, seq int64, event models.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ref.Key()] = append(f.events[ref.Key()], models.SequencedEvent{Sequence: seq, Event: event})
	return nil
}

func (f *fakeLog) RemoveEvents(ctx context.Context, ref models.SessionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, ref.Key())
	return nil
}

func (f *fakeLog) stored(ref models.SessionRef) []models.SequencedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SequencedEvent(nil), f.events[ref.Key()]...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (n *fakeNotifier) Dispatch(ctx context.Context, ref models.SessionRef, event models.SessionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testRef() models.SessionRef {
	return models.SessionRef{UserID: "u1", RepoID: "r1", SessionID: "s1"}
}

func TestEmitAssignsContiguousSequences(t *testing.T) {
	b := New(newFakeLog(), nil, testLogger(t))
	ref := testRef()

	for want := int64(1); want <= 5; want++ {
		seq, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestSubscribersSeeOrderedEvents(t *testing.T) {
	b := New(newFakeLog(), nil, testLogger(t))
	ref := testRef()

	var mu sync.Mutex
	var seqs []int64
	unsub := b.Subscribe(ref, func(event models.SessionEvent, seq int64) {
		mu.Lock()
		seqs = append(seqs, seq)
		mu.Unlock()
	})
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seqs, 10)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestEmitPersistsInOrder(t *testing.T) {
	log := newFakeLog()
	b := New(log, nil, testLogger(t))
	ref := testRef()

	for i := 0; i < 5; i++ {
		_, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
		require.NoError(t, err)
	}

	// Persistence is asynchronous.
	require.Eventually(t, func() bool {
		return len(log.stored(ref)) == 5
	}, 2*time.Second, 10*time.Millisecond)

	for i, ev := range log.stored(ref) {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(newFakeLog(), nil, testLogger(t))
	ref := testRef()

	var mu sync.Mutex
	count := 0
	unsub := b.Subscribe(ref, func(event models.SessionEvent, seq int64) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("one", "assistant"))
	require.NoError(t, err)
	unsub()
	_, err = b.Emit(context.Background(), ref, models.NewAgentOutputEvent("two", "assistant"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestStatusEventsReachUserSubscribers(t *testing.T) {
	b := New(newFakeLog(), nil, testLogger(t))
	ref := testRef()

	received := make(chan models.UserEvent, 2)
	unsub := b.SubscribeUser(ref.UserID, func(event models.UserEvent) {
		received <- event
	})
	defer unsub()

	_, err := b.Emit(context.Background(), ref, models.NewStatusEvent(models.StatusRunning))
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, models.StatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no user event")
	}

	// Non-status events do not produce user signals.
	_, err = b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
	require.NoError(t, err)
	select {
	case <-received:
		t.Fatal("unexpected user event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifierGating(t *testing.T) {
	b := New(newFakeLog(), nil, testLogger(t))
	n := &fakeNotifier{}
	b.SetNotifier(n)
	ref := testRef()

	// Not notifiable.
	_, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), ref, models.NewStatusEvent(models.StatusRunning))
	require.NoError(t, err)

	// Notifiable.
	_, err = b.Emit(context.Background(), ref, models.NewCompletedEvent("done"))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), ref, models.NewErrorEvent("boom"))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), ref, models.NewWaitingForInputEvent("which?"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.count() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestResetSequenceReconsultsLog(t *testing.T) {
	log := newFakeLog()
	b := New(log, nil, testLogger(t))
	ref := testRef()

	for i := 0; i < 4; i++ {
		_, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(log.stored(ref)) == 4 }, 2*time.Second, 10*time.Millisecond)

	// Truncate as a revert would, then reset.
	log.mu.Lock()
	log.events[ref.Key()] = log.events[ref.Key()][:2]
	log.mu.Unlock()
	b.ResetSequence(ref)

	seq, err := b.Emit(context.Background(), ref, models.NewStatusEvent(models.StatusReverted))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestRemoveDropsStateAndLog(t *testing.T) {
	log := newFakeLog()
	b := New(log, nil, testLogger(t))
	ref := testRef()

	_, err := b.Emit(context.Background(), ref, models.NewAgentOutputEvent("x", "assistant"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.stored(ref)) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Remove(context.Background(), ref))
	assert.Empty(t, log.stored(ref))

	// A fresh emit starts the sequence over.
	seq, err := b.Emit(context.Background(), ref, models.NewStatusEvent(models.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}
