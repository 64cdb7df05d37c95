package git

import (
	"context"
	"strings"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
)

// GetChangedFiles lists files that differ between baseRef and compareRef.
// With an empty compareRef the working tree is compared against baseRef.
func (r *Runtime) GetChangedFiles(ctx context.Context, worktreePath, baseRef, compareRef string) ([]string, error) {
	args := []string{"diff", "--name-only", baseRef}
	if compareRef != "" {
		args = append(args, compareRef)
	}
	out, err := r.run(ctx, worktreePath, nil, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGitDiff, "failed to list changed files", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GetDiff returns the unified diff between baseRef and compareRef, or against
// the working tree when compareRef is empty.
func (r *Runtime) GetDiff(ctx context.Context, worktreePath, baseRef, compareRef string) (string, error) {
	args := []string{"diff", baseRef}
	if compareRef != "" {
		args = append(args, compareRef)
	}
	out, err := r.run(ctx, worktreePath, nil, args...)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGitDiff, "failed to compute diff", err)
	}
	return out, nil
}

// GetFileHash returns the blob hash of a file at ref (worktree HEAD when ref
// is empty), or nil when the file does not exist there.
func (r *Runtime) GetFileHash(ctx context.Context, worktreePath, filePath, ref string) (*string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	out, err := r.run(ctx, worktreePath, nil, "rev-parse", ref+":"+filePath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "exists on disk, but not in") ||
			strings.Contains(err.Error(), "fatal: path") {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindGitDiff, "failed to hash file", err)
	}
	return &out, nil
}

// GetFileContent returns the file's content at ref (worktree HEAD when ref is
// empty), or nil when the file does not exist there.
func (r *Runtime) GetFileContent(ctx context.Context, worktreePath, filePath, ref string) (*string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	out, err := r.run(ctx, worktreePath, nil, "show", ref+":"+filePath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "exists on disk, but not in") ||
			strings.Contains(err.Error(), "fatal: path") {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindGitDiff, "failed to read file content", err)
	}
	return &out, nil
}
