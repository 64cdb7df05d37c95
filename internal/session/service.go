// Package session exposes the session service: the operations the HTTP and
// WebSocket surfaces call into.
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/session/eventbus"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/session/runner"
	"github.com/codeharbor/codeharbor/internal/session/store"
	"github.com/codeharbor/codeharbor/internal/user"
)

// CreateRequest is the payload for creating and starting a session.
type CreateRequest struct {
	ID         string  `json:"id" binding:"required"`
	RepoID     string  `json:"repoId" binding:"required"`
	IdentityID string  `json:"identityId"`
	Branch     string  `json:"branch"`
	Prompt     string  `json:"prompt" binding:"required"`
	Model      *string `json:"model"`
	Provider   *string `json:"provider"`
}

// Service wires the stores, bus, and runner behind the API surface.
type Service struct {
	store  *store.Store
	users  *user.Store
	bus    *eventbus.Bus
	runner *runner.Runner
	logger *logger.Logger
}

// NewService creates the session service.
func NewService(st *store.Store, users *user.Store, bus *eventbus.Bus, run *runner.Runner, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		users:  users,
		bus:    bus,
		runner: run,
		logger: log.WithFields(zap.String("component", "session_service")),
	}
}

// Store exposes the underlying store for stream endpoints.
func (s *Service) Store() *store.Store { return s.store }

// Bus exposes the session event bus for stream endpoints.
func (s *Service) Bus() *eventbus.Bus { return s.bus }

// Create validates ownership, persists the session, and starts its runner
// fire-and-forget.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*models.Session, error) {
	repo, err := s.users.GetRepo(ctx, userID, req.RepoID)
	if err != nil {
		return nil, err
	}

	identityID := req.IdentityID
	if identityID == "" && repo.IdentityID != nil {
		identityID = *repo.IdentityID
	}
	if identityID == "" {
		return nil, apperr.E(apperr.KindValidation, "identityId is required (repo has no default identity)")
	}
	if _, err := s.users.GetIdentity(ctx, userID, identityID); err != nil {
		return nil, err
	}

	branch := req.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}

	session := &models.Session{
		SessionID:  req.ID,
		RepoID:     req.RepoID,
		UserID:     userID,
		IdentityID: identityID,
		RepoURL:    repo.URL,
		Branch:     branch,
		Prompt:     req.Prompt,
		Status:     models.StatusPending,
		Model:      req.Model,
		Provider:   req.Provider,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.runner.Start(session)
	return session, nil
}

// Resolve maps a user-scoped session id to its full ref.
func (s *Service) Resolve(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return s.store.GetSessionByUser(ctx, userID, sessionID)
}

// List returns the user's sessions, pinned first.
func (s *Service) List(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, userID)
}

// ListByRepo returns the user's sessions for one repo.
func (s *Service) ListByRepo(ctx context.Context, userID, repoID string) ([]*models.Session, error) {
	return s.store.ListSessionsByRepo(ctx, userID, repoID)
}

// Delete aborts any live run, removes the worktree, and drops all session
// state including events and messages.
func (s *Service) Delete(ctx context.Context, userID, sessionID string) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	ref := session.Ref()

	s.runner.Abort(ctx, ref)
	s.runner.Cleanup(ctx, session)

	if err := s.bus.Remove(ctx, ref); err != nil {
		s.logger.Warn("failed to remove session bus state",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return s.store.DeleteSession(ctx, ref)
}

// SendMessage forwards a follow-up into the session.
func (s *Service) SendMessage(ctx context.Context, userID, sessionID, message string) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.runner.SendMessage(ctx, session.Ref(), message)
}

// Interrupt aborts the live run, leaving the session idle.
func (s *Service) Interrupt(ctx context.Context, userID, sessionID string) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.runner.Interrupt(ctx, session.Ref())
}

// Stop ends the session gracefully.
func (s *Service) Stop(ctx context.Context, userID, sessionID string) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.runner.Stop(ctx, session.Ref())
}

// Revert rolls the session back to the snapshot linked to messageID.
func (s *Service) Revert(ctx context.Context, userID, sessionID, messageID string) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.runner.Revert(ctx, session.Ref(), messageID)
}

// SetPinned pins or unpins the session.
func (s *Service) SetPinned(ctx context.Context, userID, sessionID string, pinned bool) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.store.SetPinned(ctx, session.Ref(), pinned)
}

// SetModel updates the session's model for subsequent runs.
func (s *Service) SetModel(ctx context.Context, userID, sessionID, model string) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.store.UpdateModel(ctx, session.Ref(), model)
}

// SetNotificationsOverride sets or clears the per-session notification
// override.
func (s *Service) SetNotificationsOverride(ctx context.Context, userID, sessionID string, enabled *bool) error {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.store.SetNotificationsOverride(ctx, session.Ref(), enabled)
}

// Diff returns the files changed since the session branched plus the
// cumulative unified diff, including uncommitted work.
func (s *Service) Diff(ctx context.Context, userID, sessionID string) ([]string, string, error) {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return nil, "", err
	}
	return s.runner.Diff(ctx, session)
}

// ListFileReviews returns the session's per-file review state.
func (s *Service) ListFileReviews(ctx context.Context, userID, sessionID string) ([]*models.FileReview, error) {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.store.ListFileReviews(ctx, session.Ref())
}

// ReviewFile marks or unmarks one file in the session's diff as reviewed.
func (s *Service) ReviewFile(ctx context.Context, userID, sessionID, filePath string, reviewed bool, diffHash string) (*models.FileReview, error) {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	ref := session.Ref()
	review := &models.FileReview{
		SessionID: ref.SessionID,
		RepoID:    ref.RepoID,
		UserID:    ref.UserID,
		FilePath:  filePath,
		Reviewed:  reviewed,
		DiffHash:  diffHash,
	}
	if err := s.store.UpsertFileReview(ctx, review); err != nil {
		return nil, err
	}
	return review, nil
}

// ListMessages returns the session's conversation.
func (s *Service) ListMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	session, err := s.store.GetSessionByUser(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, session.Ref())
}
