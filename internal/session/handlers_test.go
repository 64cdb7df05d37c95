package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/agent"
	"github.com/codeharbor/codeharbor/internal/common/config"
	"github.com/codeharbor/codeharbor/internal/common/httpmw"
	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/db"
	"github.com/codeharbor/codeharbor/internal/git"
	"github.com/codeharbor/codeharbor/internal/session/eventbus"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/session/runner"
	"github.com/codeharbor/codeharbor/internal/session/store"
	"github.com/codeharbor/codeharbor/internal/user"
)

type apiFixture struct {
	router *gin.Engine
	store  *store.Store
	users  *user.Store

	owner    *user.User
	identity *user.Identity
	repo     *user.Repo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	require.NoError(t, err)
	users, err := user.NewStore(pool)
	require.NoError(t, err)

	gitRuntime, err := git.New(config.GitConfig{
		DataDir:        t.TempDir(),
		CommandTimeout: 30,
		CloneTimeout:   60,
	}, log)
	require.NoError(t, err)

	bus := eventbus.New(st, nil, log)
	registry := agent.NewRegistry("fake")
	run := runner.New(st, users, bus, gitRuntime, registry, log)
	svc := NewService(st, users, bus, run, log)

	ctx := context.Background()
	owner, err := users.CreateUser(ctx, "alice")
	require.NoError(t, err)

	identity := &user.Identity{UserID: owner.ID, Name: "work", SSHPrivateKey: "key", AuthorName: "Alice", AuthorEmail: "alice@example.com"}
	require.NoError(t, users.CreateIdentity(ctx, identity))

	// A path that does not exist so any background clone fails fast instead
	// of reaching the network.
	repo := &user.Repo{
		UserID:     owner.ID,
		Name:       "backend",
		URL:        filepath.Join(t.TempDir(), "missing.git"),
		IdentityID: &identity.ID,
	}
	require.NoError(t, users.CreateRepo(ctx, repo))

	router := gin.New()
	authed := router.Group("/api")
	authed.Use(httpmw.BearerAuth(users))
	NewHandler(svc).RegisterRoutes(authed)

	return &apiFixture{
		router:   router,
		store:    st,
		users:    users,
		owner:    owner,
		identity: identity,
		repo:     repo,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.owner.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) seedSession(t *testing.T, sessionID string, status models.Status) models.SessionRef {
	t.Helper()
	sess := &models.Session{
		SessionID:  sessionID,
		RepoID:     f.repo.ID,
		UserID:     f.owner.ID,
		IdentityID: f.identity.ID,
		RepoURL:    f.repo.URL,
		Branch:     "main",
		Prompt:     "prompt",
		Status:     status,
	}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess.Ref()
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", gin.H{
		"id": "s1", "repoId": f.repo.ID, "prompt": "fix the tests",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var got models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, f.identity.ID, got.IdentityID)
	assert.Equal(t, f.repo.URL, got.RepoURL)
}

func TestCreateSessionRequiresIdentity(t *testing.T) {
	f := newAPIFixture(t)

	bare := &user.Repo{UserID: f.owner.ID, Name: "noident", URL: "x"}
	require.NoError(t, f.users.CreateRepo(context.Background(), bare))

	w := f.do(t, http.MethodPost, "/api/sessions", gin.H{
		"id": "s1", "repoId": bare.ID, "prompt": "go",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "identityId")
}

func TestCreateSessionUnknownRepo(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", gin.H{
		"id": "s1", "repoId": "nope", "prompt": "go",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSessionDuplicateID(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusIdle)

	w := f.do(t, http.MethodPost, "/api/sessions", gin.H{
		"id": "s1", "repoId": f.repo.ID, "prompt": "again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionRoutesRequireAuth(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetAndListSessions(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusIdle)
	f.seedSession(t, "s2", models.StatusRunning)

	w := f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	w = f.do(t, http.MethodGet, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsByRepo(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusIdle)

	other := &user.Repo{UserID: f.owner.ID, Name: "other", URL: "y", IdentityID: &f.identity.ID}
	require.NoError(t, f.users.CreateRepo(context.Background(), other))

	w := f.do(t, http.MethodGet, "/api/sessions?repoId="+f.repo.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = f.do(t, http.MethodGet, "/api/sessions?repoId="+other.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestPinSession(t *testing.T) {
	f := newAPIFixture(t)
	ref := f.seedSession(t, "s1", models.StatusIdle)

	w := f.do(t, http.MethodPut, "/api/sessions/s1/pin", gin.H{"pinned": true})
	require.Equal(t, http.StatusNoContent, w.Code)

	sess, err := f.store.GetSession(context.Background(), ref)
	require.NoError(t, err)
	assert.NotNil(t, sess.PinnedAt)

	w = f.do(t, http.MethodPut, "/api/sessions/s1/pin", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateModel(t *testing.T) {
	f := newAPIFixture(t)
	ref := f.seedSession(t, "s1", models.StatusIdle)

	w := f.do(t, http.MethodPut, "/api/sessions/s1/model", gin.H{"model": "opus"})
	require.Equal(t, http.StatusNoContent, w.Code)

	sess, err := f.store.GetSession(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, sess.Model)
	assert.Equal(t, "opus", *sess.Model)
}

func TestNotificationsOverride(t *testing.T) {
	f := newAPIFixture(t)
	ref := f.seedSession(t, "s1", models.StatusIdle)
	ctx := context.Background()

	w := f.do(t, http.MethodPut, "/api/sessions/s1/notifications", gin.H{"enabled": false})
	require.Equal(t, http.StatusNoContent, w.Code)
	sess, err := f.store.GetSession(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, sess.NotificationsEnabled)
	assert.False(t, *sess.NotificationsEnabled)

	// null clears the override back to the user default.
	w = f.do(t, http.MethodPut, "/api/sessions/s1/notifications", gin.H{"enabled": nil})
	require.Equal(t, http.StatusNoContent, w.Code)
	sess, err = f.store.GetSession(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, sess.NotificationsEnabled)
}

func TestSendMessageBeforeReadyConflicts(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusPending)

	w := f.do(t, http.MethodPost, "/api/sessions/s1/messages", gin.H{"message": "hello"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRevertRequiresMessageID(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusIdle)

	w := f.do(t, http.MethodPost, "/api/sessions/s1/revert", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileReviewEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusIdle)

	w := f.do(t, http.MethodPut, "/api/sessions/s1/reviews", gin.H{
		"filePath": "main.go", "reviewed": true, "diffHash": "abc",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var review models.FileReview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &review))
	assert.True(t, review.Reviewed)
	assert.Equal(t, "abc", review.DiffHash)
	assert.NotNil(t, review.ReviewedAt)

	w = f.do(t, http.MethodGet, "/api/sessions/s1/reviews", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []*models.FileReview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "main.go", list[0].FilePath)

	w = f.do(t, http.MethodPut, "/api/sessions/s1/reviews", gin.H{"reviewed": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSession(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "s1", models.StatusIdle)

	w := f.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
