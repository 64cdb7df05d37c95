package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/user"
)

// SessionLookup resolves the session carrying the per-session override.
type SessionLookup interface {
	GetSession(ctx context.Context, ref models.SessionRef) (*models.Session, error)
}

// UserLookup resolves the user's global toggle and event whitelist.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*user.User, error)
}

// Dispatcher fans out session events to the owning user's enabled channels.
type Dispatcher struct {
	store    *Store
	sessions SessionLookup
	users    UserLookup
	logger   *logger.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewDispatcher creates a dispatcher with no providers registered.
func NewDispatcher(store *Store, sessions SessionLookup, users UserLookup, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		sessions:  sessions,
		users:     users,
		logger:    log.WithFields(zap.String("component", "notifications")),
		providers: make(map[string]Provider),
	}
}

// RegisterProvider adds a transport provider.
func (d *Dispatcher) RegisterProvider(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = p
}

// Provider returns the registered provider by name.
func (d *Dispatcher) Provider(name string) (Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

// Dispatch applies the gating rules and fans out to enabled channels. Each
// provider call is independent; failures are logged and collected, never
// propagated between channels.
func (d *Dispatcher) Dispatch(ctx context.Context, ref models.SessionRef, event models.SessionEvent) {
	session, err := d.sessions.GetSession(ctx, ref)
	if err != nil {
		d.logger.Warn("notification lookup failed: session",
			zap.String("session_id", ref.SessionID), zap.Error(err))
		return
	}
	owner, err := d.users.GetUser(ctx, ref.UserID)
	if err != nil {
		d.logger.Warn("notification lookup failed: user",
			zap.String("user_id", ref.UserID), zap.Error(err))
		return
	}

	// Session override wins over the user's global toggle.
	enabled := owner.NotificationsEnabled
	if session.NotificationsEnabled != nil {
		enabled = *session.NotificationsEnabled
	}
	if !enabled {
		return
	}

	if !contains(owner.NotificationEvents, event.Type) {
		return
	}

	channels, err := d.store.ListEnabledChannels(ctx, ref.UserID)
	if err != nil {
		d.logger.Error("failed to list notification channels",
			zap.String("user_id", ref.UserID), zap.Error(err))
		return
	}
	if len(channels) == 0 {
		return
	}

	n := render(ref, event)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range channels {
		provider, ok := d.providers[ch.Provider]
		if !ok || !provider.Available() {
			d.logger.Warn("notification provider unavailable",
				zap.String("provider", ch.Provider),
				zap.String("channel_id", ch.ID))
			continue
		}
		if err := provider.Send(ctx, ch, n); err != nil {
			d.logger.Error("notification send failed",
				zap.String("provider", ch.Provider),
				zap.String("channel_id", ch.ID),
				zap.Error(err))
		}
	}
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// render builds the human-readable payload for an event.
func render(ref models.SessionRef, event models.SessionEvent) *Notification {
	n := &Notification{SessionID: ref.SessionID, EventType: event.Type}
	switch data := event.Data.(type) {
	case models.CompletedData:
		n.Title = fmt.Sprintf("Session %s completed", ref.SessionID)
		n.Body = data.Summary
	case models.ErrorData:
		n.Title = fmt.Sprintf("Session %s failed", ref.SessionID)
		n.Body = data.Error
	case models.WaitingForInputData:
		n.Title = fmt.Sprintf("Session %s needs input", ref.SessionID)
		n.Body = data.Prompt
	default:
		n.Title = fmt.Sprintf("Session %s: %s", ref.SessionID, event.Type)
	}
	return n
}
