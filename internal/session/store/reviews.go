package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/codeharbor/codeharbor/internal/session/models"
)

const reviewColumns = `id, session_id, repo_id, user_id, file_path, reviewed, diff_hash,
	reviewed_at, created_at, updated_at`

// UpsertFileReview inserts or updates the review row for one file in the
// session's diff, keyed by (ref, filePath).
func (s *Store) UpsertFileReview(ctx context.Context, review *models.FileReview) error {
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if review.CreatedAt.IsZero() {
		review.CreatedAt = now
	}
	review.UpdatedAt = now
	if review.Reviewed && review.ReviewedAt == nil {
		review.ReviewedAt = &now
	}
	if !review.Reviewed {
		review.ReviewedAt = nil
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO file_reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, repo_id, user_id, file_path) DO UPDATE SET
			reviewed = excluded.reviewed,
			diff_hash = excluded.diff_hash,
			reviewed_at = excluded.reviewed_at,
			updated_at = excluded.updated_at
	`), review.ID, review.SessionID, review.RepoID, review.UserID, review.FilePath,
		review.Reviewed, review.DiffHash, review.ReviewedAt, review.CreatedAt, review.UpdatedAt)
	return err
}

// ListFileReviews returns the session's file reviews ordered by path.
func (s *Store) ListFileReviews(ctx context.Context, ref models.SessionRef) ([]*models.FileReview, error) {
	var reviews []*models.FileReview
	err := s.ro.SelectContext(ctx, &reviews, s.ro.Rebind(`
		SELECT `+reviewColumns+` FROM file_reviews
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
		ORDER BY file_path
	`), ref.SessionID, ref.RepoID, ref.UserID)
	if err != nil {
		return nil, err
	}
	return reviews, nil
}

// DeleteFileReviews drops all review state for the session. Called on revert,
// where the diff the reviews were made against no longer exists.
func (s *Store) DeleteFileReviews(ctx context.Context, ref models.SessionRef) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM file_reviews WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), ref.SessionID, ref.RepoID, ref.UserID)
	return err
}
