package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/db"
	"github.com/codeharbor/codeharbor/internal/session/models"
)

const sessionColumns = `session_id, repo_id, user_id, identity_id, repo_url, branch, prompt,
	status, error, model, provider, pinned_at, notifications_enabled, created_at, updated_at`

// CreateSession inserts a new session row. Fails with AlreadyExists on a
// (sessionId, repoId, userId) collision.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = models.StatusPending
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.SessionID, session.RepoID, session.UserID, session.IdentityID,
		session.RepoURL, session.Branch, session.Prompt, session.Status,
		session.Error, session.Model, session.Provider, session.PinnedAt,
		session.NotificationsEnabled, session.CreatedAt, session.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Errorf(apperr.KindAlreadyExists, "session %q already exists", session.SessionID)
	}
	return err
}

// GetSession loads a session by its full ref.
func (s *Store) GetSession(ctx context.Context, ref models.SessionRef) (*models.Session, error) {
	var session models.Session
	err := s.ro.GetContext(ctx, &session, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), ref.SessionID, ref.RepoID, ref.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, "session %q not found", ref.SessionID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSessionByUser resolves a session id across all of a user's repos.
func (s *Store) GetSessionByUser(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.ro.GetContext(ctx, &session, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE session_id = ? AND user_id = ?
		ORDER BY updated_at DESC LIMIT 1
	`), sessionID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, "session %q not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns a user's sessions, pinned first, most recent next.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.ro.SelectContext(ctx, &sessions, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ?
		ORDER BY pinned_at IS NULL ASC, pinned_at DESC, updated_at DESC
	`), userID)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListSessionsByRepo returns a user's sessions for one repo.
func (s *Store) ListSessionsByRepo(ctx context.Context, userID, repoID string) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.ro.SelectContext(ctx, &sessions, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND repo_id = ?
		ORDER BY pinned_at IS NULL ASC, pinned_at DESC, updated_at DESC
	`), userID, repoID)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateStatus writes status and error atomically and bumps updated_at.
func (s *Store) UpdateStatus(ctx context.Context, ref models.SessionRef, status models.Status, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET status = ?, error = ?, updated_at = ?
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), status, errMsg, time.Now().UTC(), ref.SessionID, ref.RepoID, ref.UserID)
	if err != nil {
		return err
	}
	return s.requireRow(res, ref)
}

// UpdateModel sets the session's model.
func (s *Store) UpdateModel(ctx context.Context, ref models.SessionRef, model string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET model = ?, updated_at = ?
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), model, time.Now().UTC(), ref.SessionID, ref.RepoID, ref.UserID)
	if err != nil {
		return err
	}
	return s.requireRow(res, ref)
}

// SetPinned pins or unpins the session.
func (s *Store) SetPinned(ctx context.Context, ref models.SessionRef, pinned bool) error {
	var pinnedAt *time.Time
	if pinned {
		now := time.Now().UTC()
		pinnedAt = &now
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET pinned_at = ?, updated_at = ?
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), pinnedAt, time.Now().UTC(), ref.SessionID, ref.RepoID, ref.UserID)
	if err != nil {
		return err
	}
	return s.requireRow(res, ref)
}

// SetNotificationsOverride sets or clears the per-session notification
// override. Nil falls back to the user's global toggle.
func (s *Store) SetNotificationsOverride(ctx context.Context, ref models.SessionRef, enabled *bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET notifications_enabled = ?, updated_at = ?
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), enabled, time.Now().UTC(), ref.SessionID, ref.RepoID, ref.UserID)
	if err != nil {
		return err
	}
	return s.requireRow(res, ref)
}

// DeleteSession removes the session and cascades to messages, events, and
// file reviews in one transaction.
func (s *Store) DeleteSession(ctx context.Context, ref models.SessionRef) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"file_reviews", "session_events", "messages", "sessions"} {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM `+table+` WHERE session_id = ? AND repo_id = ? AND user_id = ?
		`), ref.SessionID, ref.RepoID, ref.UserID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) requireRow(res sql.Result, ref models.SessionRef) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Errorf(apperr.KindNotFound, "session %q not found", ref.SessionID)
	}
	return nil
}
