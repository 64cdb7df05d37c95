package notifications

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/common/config"
	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/db"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/user"
)

type fakeSessions struct {
	session *models.Session
}

func (f *fakeSessions) GetSession(ctx context.Context, ref models.SessionRef) (*models.Session, error) {
	return f.session, nil
}

type fakeUsers struct {
	user *user.User
}

func (f *fakeUsers) GetUser(ctx context.Context, id string) (*user.User, error) {
	return f.user, nil
}

type recordingProvider struct {
	name string
	fail bool

	mu   sync.Mutex
	sent []*Notification
}

func (p *recordingProvider) Name() string                            { return p.name }
func (p *recordingProvider) Available() bool                         { return true }
func (p *recordingProvider) Validate(config map[string]string) error { return nil }

func (p *recordingProvider) Send(ctx context.Context, ch *Channel, n *Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("send failed")
	}
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newDispatcherFixture(t *testing.T, sess *models.Session, owner *user.User) (*Dispatcher, *Store) {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)

	d := NewDispatcher(store, &fakeSessions{session: sess}, &fakeUsers{user: owner}, testLogger(t))
	return d, store
}

func baseFixture() (*models.Session, *user.User, models.SessionRef) {
	sess := &models.Session{SessionID: "s1", RepoID: "r1", UserID: "u1"}
	owner := &user.User{
		ID:                   "u1",
		NotificationsEnabled: true,
		NotificationEvents:   []string{models.EventSessionComplete, models.EventSessionError, models.EventWaitingForInput},
	}
	return sess, owner, sess.Ref()
}

func TestDispatchSendsToEnabledChannels(t *testing.T) {
	sess, owner, ref := baseFixture()
	d, store := newDispatcherFixture(t, sess, owner)

	p := &recordingProvider{name: "test"}
	d.RegisterProvider(p)
	require.NoError(t, store.CreateChannel(context.Background(), &Channel{
		UserID: "u1", Provider: "test", Name: "primary", Enabled: true,
	}))

	d.Dispatch(context.Background(), ref, models.NewCompletedEvent("all green"))

	require.Equal(t, 1, p.count())
	assert.Equal(t, "Session s1 completed", p.sent[0].Title)
	assert.Equal(t, "all green", p.sent[0].Body)
	assert.Equal(t, models.EventSessionComplete, p.sent[0].EventType)
}

func TestDispatchRespectsUserToggle(t *testing.T) {
	sess, owner, ref := baseFixture()
	owner.NotificationsEnabled = false
	d, store := newDispatcherFixture(t, sess, owner)

	p := &recordingProvider{name: "test"}
	d.RegisterProvider(p)
	require.NoError(t, store.CreateChannel(context.Background(), &Channel{
		UserID: "u1", Provider: "test", Name: "primary", Enabled: true,
	}))

	d.Dispatch(context.Background(), ref, models.NewCompletedEvent("done"))
	assert.Zero(t, p.count())
}

func TestDispatchSessionOverrideWins(t *testing.T) {
	sess, owner, ref := baseFixture()
	owner.NotificationsEnabled = false
	on := true
	sess.NotificationsEnabled = &on
	d, store := newDispatcherFixture(t, sess, owner)

	p := &recordingProvider{name: "test"}
	d.RegisterProvider(p)
	require.NoError(t, store.CreateChannel(context.Background(), &Channel{
		UserID: "u1", Provider: "test", Name: "primary", Enabled: true,
	}))

	d.Dispatch(context.Background(), ref, models.NewErrorEvent("boom"))
	require.Equal(t, 1, p.count())
	assert.Equal(t, "Session s1 failed", p.sent[0].Title)

	// And the inverse: user on, session off.
	off := false
	sess.NotificationsEnabled = &off
	owner.NotificationsEnabled = true
	d.Dispatch(context.Background(), ref, models.NewErrorEvent("boom"))
	assert.Equal(t, 1, p.count())
}

func TestDispatchEventWhitelist(t *testing.T) {
	sess, owner, ref := baseFixture()
	owner.NotificationEvents = []string{models.EventSessionError}
	d, store := newDispatcherFixture(t, sess, owner)

	p := &recordingProvider{name: "test"}
	d.RegisterProvider(p)
	require.NoError(t, store.CreateChannel(context.Background(), &Channel{
		UserID: "u1", Provider: "test", Name: "primary", Enabled: true,
	}))

	d.Dispatch(context.Background(), ref, models.NewCompletedEvent("done"))
	assert.Zero(t, p.count())

	d.Dispatch(context.Background(), ref, models.NewErrorEvent("boom"))
	assert.Equal(t, 1, p.count())
}

func TestDispatchChannelFailureIsolation(t *testing.T) {
	sess, owner, ref := baseFixture()
	d, store := newDispatcherFixture(t, sess, owner)

	failing := &recordingProvider{name: "flaky", fail: true}
	healthy := &recordingProvider{name: "solid"}
	d.RegisterProvider(failing)
	d.RegisterProvider(healthy)

	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, &Channel{UserID: "u1", Provider: "flaky", Name: "a", Enabled: true}))
	require.NoError(t, store.CreateChannel(ctx, &Channel{UserID: "u1", Provider: "solid", Name: "b", Enabled: true}))

	d.Dispatch(ctx, ref, models.NewWaitingForInputEvent("which branch?"))

	// The failing channel does not prevent the healthy one from sending.
	assert.Equal(t, 1, healthy.count())
	assert.Equal(t, "Session s1 needs input", healthy.sent[0].Title)
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	sess, owner, ref := baseFixture()
	d, store := newDispatcherFixture(t, sess, owner)

	p := &recordingProvider{name: "test"}
	d.RegisterProvider(p)
	require.NoError(t, store.CreateChannel(context.Background(), &Channel{
		UserID: "u1", Provider: "test", Name: "muted", Enabled: false,
	}))

	d.Dispatch(context.Background(), ref, models.NewCompletedEvent("done"))
	assert.Zero(t, p.count())
}
