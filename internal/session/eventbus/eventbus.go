// Package eventbus implements the sequenced per-session event bus.
//
// Every emitted event passes through the event log first: the log assigns the
// next sequence number for the ref, persistence is queued on a per-ref single
// writer, and only then are live subscribers notified. All three steps are
// serialized per ref, so subscribers observe a contiguous, strictly
// increasing sequence.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/events/bus"
	"github.com/codeharbor/codeharbor/internal/session/models"
)

// EventLog is the persistence contract the bus routes events through.
type EventLog interface {
	NextSequence(ctx context.Context, ref models.SessionRef) (int64, error)
	AppendEvent(ctx context.Context, ref models.SessionRef, seq int64, event models.SessionEvent) error
	RemoveEvents(ctx context.Context, ref models.SessionRef) error
}

// Notifier receives events eligible for push notification dispatch.
type Notifier interface {
	Dispatch(ctx context.Context, ref models.SessionRef, event models.SessionEvent)
}

// Listener receives session events with their assigned sequence.
type Listener func(event models.SessionEvent, sequence int64)

// UserListener receives coarse per-user session signals.
type UserListener func(event models.UserEvent)

// UserSubject returns the generic-bus subject carrying a user's session events.
func UserSubject(userID string) string {
	return "user." + userID + ".sessions"
}

// notifiable is the set of event types handed to the notification dispatcher.
var notifiable = map[string]bool{
	models.EventSessionComplete: true,
	models.EventSessionError:    true,
	models.EventWaitingForInput: true,
}

const persistQueueSize = 256

type persistJob struct {
	seq   int64
	event models.SessionEvent
}

type sessionState struct {
	ref    models.SessionRef
	userID string

	mu        sync.Mutex // serializes emit for this ref
	nextSeq   int64      // 0 means consult the log on next emit
	listeners map[int64]Listener

	persistCh chan persistJob
	done      chan struct{}
}

// Bus is the sequenced session event bus.
type Bus struct {
	log      EventLog
	logger   *logger.Logger
	generic  bus.EventBus // optional; carries coarse user events
	notifier Notifier     // optional; set before sessions start emitting

	mu        sync.Mutex
	sessions  map[string]*sessionState
	userSubs  map[string]map[int64]UserListener
	nextSubID int64
}

// New creates a session event bus routing through the given log. The generic
// bus may be nil; user events are then only delivered to in-process
// subscribers.
func New(log EventLog, generic bus.EventBus, lg *logger.Logger) *Bus {
	return &Bus{
		log:      log,
		generic:  generic,
		logger:   lg.WithFields(zap.String("component", "session_eventbus")),
		sessions: make(map[string]*sessionState),
		userSubs: make(map[string]map[int64]UserListener),
	}
}

// SetNotifier wires the notification dispatcher. Must be called during
// startup, before sessions emit.
func (b *Bus) SetNotifier(n Notifier) {
	b.notifier = n
}

// RegisterSession declares the ref and its owning user for event routing.
// Idempotent.
func (b *Bus) RegisterSession(ref models.SessionRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionStateLocked(ref)
}

func (b *Bus) sessionStateLocked(ref models.SessionRef) *sessionState {
	key := ref.Key()
	if st, ok := b.sessions[key]; ok {
		return st
	}
	st := &sessionState{
		ref:       ref,
		userID:    ref.UserID,
		listeners: make(map[int64]Listener),
		persistCh: make(chan persistJob, persistQueueSize),
		done:      make(chan struct{}),
	}
	b.sessions[key] = st
	go b.persistLoop(st)
	return st
}

// persistLoop writes queued events in sequence order. Failures are logged;
// live delivery already happened and must not be affected.
func (b *Bus) persistLoop(st *sessionState) {
	for {
		select {
		case job := <-st.persistCh:
			if err := b.log.AppendEvent(context.Background(), st.ref, job.seq, job.event); err != nil {
				b.logger.Error("failed to persist session event",
					zap.String("session_id", st.ref.SessionID),
					zap.Int64("sequence", job.seq),
					zap.String("type", job.event.Type),
					zap.Error(err))
			}
		case <-st.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-st.persistCh:
					if err := b.log.AppendEvent(context.Background(), st.ref, job.seq, job.event); err != nil {
						b.logger.Error("failed to persist session event",
							zap.String("session_id", st.ref.SessionID),
							zap.Int64("sequence", job.seq),
							zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

// Emit assigns the next sequence, queues persistence, and notifies
// subscribers in order. Returns the assigned sequence.
func (b *Bus) Emit(ctx context.Context, ref models.SessionRef, event models.SessionEvent) (int64, error) {
	b.mu.Lock()
	st := b.sessionStateLocked(ref)
	b.mu.Unlock()

	st.mu.Lock()
	if st.nextSeq == 0 {
		seq, err := b.log.NextSequence(ctx, ref)
		if err != nil {
			st.mu.Unlock()
			return 0, err
		}
		st.nextSeq = seq
	}
	seq := st.nextSeq
	st.nextSeq++

	// Queue before notifying so persisted order always matches issued order.
	st.persistCh <- persistJob{seq: seq, event: event}

	// Deliver under the per-ref lock: listeners see contiguous, in-order
	// sequences and Emit never reenters a listener concurrently.
	for _, listener := range st.listeners {
		listener(event, seq)
	}
	st.mu.Unlock()

	if event.Type == models.EventSessionStatus {
		if data, ok := event.Data.(models.StatusData); ok {
			b.notifyUser(ctx, st.userID, models.UserEvent{SessionID: ref.SessionID, Status: data.Status})
		}
	}

	if b.notifier != nil && notifiable[event.Type] {
		go b.notifier.Dispatch(context.Background(), ref, event)
	}

	return seq, nil
}

func (b *Bus) notifyUser(ctx context.Context, userID string, event models.UserEvent) {
	b.mu.Lock()
	listeners := make([]UserListener, 0, len(b.userSubs[userID]))
	for _, l := range b.userSubs[userID] {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}

	if b.generic != nil {
		evt := bus.NewEvent("session.status", "session_eventbus", event)
		if err := b.generic.Publish(ctx, UserSubject(userID), evt); err != nil {
			b.logger.Warn("failed to publish user event",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

// Subscribe registers a listener for the ref's live events. The returned
// function unsubscribes.
func (b *Bus) Subscribe(ref models.SessionRef, listener Listener) func() {
	b.mu.Lock()
	st := b.sessionStateLocked(ref)
	b.nextSubID++
	id := b.nextSubID
	b.mu.Unlock()

	st.mu.Lock()
	st.listeners[id] = listener
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		delete(st.listeners, id)
		st.mu.Unlock()
	}
}

// SubscribeUser registers a listener for a user's coarse session events.
func (b *Bus) SubscribeUser(userID string, listener UserListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.userSubs[userID] == nil {
		b.userSubs[userID] = make(map[int64]UserListener)
	}
	b.nextSubID++
	id := b.nextSubID
	b.userSubs[userID][id] = listener

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.userSubs[userID], id)
		if len(b.userSubs[userID]) == 0 {
			delete(b.userSubs, userID)
		}
	}
}

// ResetSequence drops the cached next sequence so the next emit re-consults
// the log. Called after the log is truncated by a revert.
func (b *Bus) ResetSequence(ref models.SessionRef) {
	b.mu.Lock()
	st, ok := b.sessions[ref.Key()]
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.nextSeq = 0
	st.mu.Unlock()
}

// Remove drops the ref's subscribers and log state.
func (b *Bus) Remove(ctx context.Context, ref models.SessionRef) error {
	b.mu.Lock()
	st, ok := b.sessions[ref.Key()]
	if ok {
		delete(b.sessions, ref.Key())
	}
	b.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.listeners = make(map[int64]Listener)
		st.mu.Unlock()
		close(st.done)
	}

	return b.log.RemoveEvents(ctx, ref)
}
