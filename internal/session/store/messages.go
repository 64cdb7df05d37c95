package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/session/models"
)

const messageColumns = `id, session_id, repo_id, user_id, role, content, commit_sha, created_at`

// CreateMessage inserts a message row, assigning an id if absent.
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.RepoID, msg.UserID, msg.Role, msg.Content,
		msg.CommitSHA, msg.CreatedAt)
	return err
}

// ListMessages returns the session's messages ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, ref models.SessionRef) ([]*models.Message, error) {
	var messages []*models.Message
	err := s.ro.SelectContext(ctx, &messages, s.ro.Rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
		ORDER BY created_at ASC, id ASC
	`), ref.SessionID, ref.RepoID, ref.UserID)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage loads one message by id within the session.
func (s *Store) GetMessage(ctx context.Context, ref models.SessionRef, messageID string) (*models.Message, error) {
	var msg models.Message
	err := s.ro.GetContext(ctx, &msg, s.ro.Rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE id = ? AND session_id = ? AND repo_id = ? AND user_id = ?
	`), messageID, ref.SessionID, ref.RepoID, ref.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, "message %q not found", messageID)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessagesAfter removes every message in the session strictly after the
// target message in (created_at, id) order.
func (s *Store) DeleteMessagesAfter(ctx context.Context, ref models.SessionRef, messageID string) error {
	target, err := s.GetMessage(ctx, ref, messageID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM messages
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
		  AND (created_at > ? OR (created_at = ? AND id > ?))
	`), ref.SessionID, ref.RepoID, ref.UserID, target.CreatedAt, target.CreatedAt, target.ID)
	return err
}

// DeleteMessage removes a single message by id.
func (s *Store) DeleteMessage(ctx context.Context, ref models.SessionRef, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM messages
		WHERE id = ? AND session_id = ? AND repo_id = ? AND user_id = ?
	`), messageID, ref.SessionID, ref.RepoID, ref.UserID)
	return err
}
