package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/session/models"
)

func TestFileReviewUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1", "r1", "u1")
	require.NoError(t, s.CreateSession(ctx, sess))
	ref := sess.Ref()

	review := &models.FileReview{
		SessionID: ref.SessionID, RepoID: ref.RepoID, UserID: ref.UserID,
		FilePath: "main.go", Reviewed: true, DiffHash: "h1",
	}
	require.NoError(t, s.UpsertFileReview(ctx, review))
	assert.NotEmpty(t, review.ID)
	assert.NotNil(t, review.ReviewedAt)

	// A second upsert for the same path updates in place.
	require.NoError(t, s.UpsertFileReview(ctx, &models.FileReview{
		SessionID: ref.SessionID, RepoID: ref.RepoID, UserID: ref.UserID,
		FilePath: "main.go", Reviewed: false, DiffHash: "h2",
	}))

	reviews, err := s.ListFileReviews(ctx, ref)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.False(t, reviews[0].Reviewed)
	assert.Equal(t, "h2", reviews[0].DiffHash)
	assert.Nil(t, reviews[0].ReviewedAt)
}

func TestFileReviewListOrderAndScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1", "r1", "u1")
	require.NoError(t, s.CreateSession(ctx, sess))
	ref := sess.Ref()

	for _, path := range []string{"zz.go", "aa.go", "mm.go"} {
		require.NoError(t, s.UpsertFileReview(ctx, &models.FileReview{
			SessionID: ref.SessionID, RepoID: ref.RepoID, UserID: ref.UserID,
			FilePath: path, Reviewed: true,
		}))
	}

	reviews, err := s.ListFileReviews(ctx, ref)
	require.NoError(t, err)
	require.Len(t, reviews, 3)
	assert.Equal(t, "aa.go", reviews[0].FilePath)
	assert.Equal(t, "zz.go", reviews[2].FilePath)

	// A different ref sees nothing.
	other := models.SessionRef{UserID: "u2", RepoID: "r1", SessionID: "s1"}
	reviews, err = s.ListFileReviews(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestDeleteFileReviews(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1", "r1", "u1")
	require.NoError(t, s.CreateSession(ctx, sess))
	ref := sess.Ref()

	require.NoError(t, s.UpsertFileReview(ctx, &models.FileReview{
		SessionID: ref.SessionID, RepoID: ref.RepoID, UserID: ref.UserID,
		FilePath: "main.go", Reviewed: true,
	}))
	require.NoError(t, s.DeleteFileReviews(ctx, ref))

	reviews, err := s.ListFileReviews(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, reviews)
}
