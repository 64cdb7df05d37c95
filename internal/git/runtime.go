// Package git implements the git runtime: shared bare mirrors, per-session
// worktrees, snapshots, and the diff/commit/push operations built on them.
package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/common/config"
	"github.com/codeharbor/codeharbor/internal/common/logger"
)

// Runtime executes git operations against the configured data directory.
type Runtime struct {
	cfg    config.GitConfig
	logger *logger.Logger

	// mirrorMus is a map of mirror path → *sync.Mutex serializing clone and
	// fetch operations per mirror directory.
	mirrorMus sync.Map

	// fetchGroup coalesces concurrent fetches for the same mirror.
	fetchGroup singleflight.Group
}

// New creates a git runtime and ensures the data directories exist.
func New(cfg config.GitConfig, log *logger.Logger) (*Runtime, error) {
	for _, dir := range []string{cfg.MirrorsDir(), cfg.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return &Runtime{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "git")),
	}, nil
}

// MirrorDirName derives the shared mirror directory name for a
// (repoUrl, identityId) pair.
func MirrorDirName(repoURL, identityID string) string {
	sum := sha256.Sum256([]byte(identityID + ":" + repoURL))
	return hex.EncodeToString(sum[:])[:16]
}

// MirrorPath returns the on-disk path of the bare mirror for the pair.
func (r *Runtime) MirrorPath(repoURL, identityID string) string {
	return filepath.Join(r.cfg.MirrorsDir(), MirrorDirName(repoURL, identityID))
}

// WorktreePath returns the deterministic worktree location for a session.
func (r *Runtime) WorktreePath(userID, identityID, repoID, sessionID string) string {
	return filepath.Join(r.cfg.WorktreesDir(), userID, identityID, repoID, sessionID)
}

func (r *Runtime) mirrorMu(path string) *sync.Mutex {
	mu, _ := r.mirrorMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// run executes a git command in dir with optional extra environment, using
// the configured command timeout unless the context carries a shorter one.
func (r *Runtime) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeoutDuration())
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// runSlow is run with the clone/fetch timeout for network-bound operations.
func (r *Runtime) runSlow(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CloneTimeoutDuration())
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// EnsureBareClone clones the repository as a bare mirror on first use and
// returns the mirror path. Idempotent; concurrent calls for the same
// (repoUrl, identityId) are serialized.
func (r *Runtime) EnsureBareClone(ctx context.Context, repoURL, identityID, sshPrivateKey string) (string, error) {
	barePath := r.MirrorPath(repoURL, identityID)

	mu := r.mirrorMu(barePath)
	mu.Lock()
	defer mu.Unlock()

	if info, err := os.Stat(filepath.Join(barePath, "HEAD")); err == nil && !info.IsDir() {
		return barePath, nil
	}

	env, cleanup, err := sshEnv(sshPrivateKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGitClone, "failed to prepare ssh key", err)
	}
	defer cleanup()

	r.logger.Info("cloning bare mirror",
		zap.String("url", repoURL),
		zap.String("path", barePath))

	if _, err := r.runSlow(ctx, "", env, "clone", "--bare", repoURL, barePath); err != nil {
		// Leave no partial clone behind.
		_ = os.RemoveAll(barePath)
		return "", apperr.Wrap(apperr.KindGitClone, "failed to clone repository", err)
	}
	return barePath, nil
}

// Fetch updates all branches in the mirror. Concurrent fetches for the same
// mirror are coalesced into one underlying git invocation.
func (r *Runtime) Fetch(ctx context.Context, barePath, sshPrivateKey string) error {
	_, err, _ := r.fetchGroup.Do(barePath, func() (any, error) {
		mu := r.mirrorMu(barePath)
		mu.Lock()
		defer mu.Unlock()

		env, cleanup, err := sshEnv(sshPrivateKey)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindGitClone, "failed to prepare ssh key", err)
		}
		defer cleanup()

		if _, err := r.runSlow(ctx, barePath, env,
			"fetch", "origin", "+refs/heads/*:refs/heads/*", "--prune"); err != nil {
			return nil, apperr.Wrap(apperr.KindGitClone, "failed to fetch repository", err)
		}
		return nil, nil
	})
	return err
}

// CreateWorktree materializes a worktree at worktreePath checked out to a new
// branch from ref, with upstream configured so a later push targets ref.
func (r *Runtime) CreateWorktree(ctx context.Context, barePath, worktreePath, branchName, ref string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return apperr.Wrap(apperr.KindGitWorktree, "failed to create worktree parent", err)
	}

	// -B resets a leftover branch from an earlier attempt for the same session.
	if _, err := r.run(ctx, barePath, nil, "worktree", "add", "-B", branchName, worktreePath, ref); err != nil {
		return apperr.Wrap(apperr.KindGitWorktree, "failed to create worktree", err)
	}

	// Upstream so push resolves HEAD:refs/heads/{ref}.
	if _, err := r.run(ctx, worktreePath, nil, "config", "branch."+branchName+".remote", "origin"); err != nil {
		return apperr.Wrap(apperr.KindGitWorktree, "failed to configure upstream remote", err)
	}
	if _, err := r.run(ctx, worktreePath, nil, "config", "branch."+branchName+".merge", "refs/heads/"+ref); err != nil {
		return apperr.Wrap(apperr.KindGitWorktree, "failed to configure upstream branch", err)
	}
	return nil
}

// RemoveWorktree force-removes the worktree and prunes stale metadata.
func (r *Runtime) RemoveWorktree(ctx context.Context, barePath, worktreePath string) error {
	if _, err := r.run(ctx, barePath, nil, "worktree", "remove", "--force", worktreePath); err != nil {
		// The directory may already be gone; clean up what is left.
		_ = os.RemoveAll(worktreePath)
		if _, pruneErr := r.run(ctx, barePath, nil, "worktree", "prune"); pruneErr != nil {
			return apperr.Wrap(apperr.KindGitWorktree, "failed to remove worktree", err)
		}
	}
	return nil
}

// HasUncommittedChanges reports whether the worktree has staged or unstaged
// changes, including untracked files.
func (r *Runtime) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := r.run(ctx, worktreePath, nil, "status", "--porcelain")
	if err != nil {
		return false, apperr.Wrap(apperr.KindGitDiff, "failed to read worktree status", err)
	}
	return out != "", nil
}

// Commit stages everything and commits with the given identity, GPG signing
// disabled. Returns the new commit sha.
func (r *Runtime) Commit(ctx context.Context, worktreePath, message, authorName, authorEmail string) (string, error) {
	if _, err := r.run(ctx, worktreePath, nil, "add", "-A"); err != nil {
		return "", apperr.Wrap(apperr.KindGitCommit, "failed to stage changes", err)
	}

	env := []string{
		"GIT_AUTHOR_NAME=" + authorName,
		"GIT_AUTHOR_EMAIL=" + authorEmail,
		"GIT_COMMITTER_NAME=" + authorName,
		"GIT_COMMITTER_EMAIL=" + authorEmail,
	}
	if _, err := r.run(ctx, worktreePath, env, "-c", "commit.gpgsign=false", "commit", "-m", message); err != nil {
		return "", apperr.Wrap(apperr.KindGitCommit, "failed to commit", err)
	}

	sha, err := r.run(ctx, worktreePath, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", apperr.Wrap(apperr.KindGitCommit, "failed to resolve commit sha", err)
	}
	return sha, nil
}

// Push pushes the worktree HEAD to the named branch on origin.
func (r *Runtime) Push(ctx context.Context, worktreePath, branch, sshPrivateKey string) error {
	env, cleanup, err := sshEnv(sshPrivateKey)
	if err != nil {
		return apperr.Wrap(apperr.KindGitPush, "failed to prepare ssh key", err)
	}
	defer cleanup()

	if _, err := r.runSlow(ctx, worktreePath, env, "push", "origin", "HEAD:refs/heads/"+branch); err != nil {
		return apperr.Wrap(apperr.KindGitPush, "failed to push", err)
	}
	return nil
}

// GetHead returns the worktree's current HEAD sha.
func (r *Runtime) GetHead(ctx context.Context, worktreePath string) (string, error) {
	sha, err := r.run(ctx, worktreePath, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", apperr.Wrap(apperr.KindGitDiff, "failed to resolve HEAD", err)
	}
	return sha, nil
}

// ResetHard resets the worktree to the given ref, discarding local state.
func (r *Runtime) ResetHard(ctx context.Context, worktreePath, ref string) error {
	if _, err := r.run(ctx, worktreePath, nil, "reset", "--hard", ref); err != nil {
		return apperr.Wrap(apperr.KindGitWorktree, "failed to reset worktree", err)
	}
	if _, err := r.run(ctx, worktreePath, nil, "clean", "-fd"); err != nil {
		return apperr.Wrap(apperr.KindGitWorktree, "failed to clean worktree", err)
	}
	return nil
}

// ListBranches lists the branch names present in the mirror.
func (r *Runtime) ListBranches(ctx context.Context, barePath string) ([]string, error) {
	out, err := r.run(ctx, barePath, nil, "for-each-ref", "refs/heads", "--format", "%(refname:short)")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGitDiff, "failed to list branches", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
