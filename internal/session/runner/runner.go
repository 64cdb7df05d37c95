// Package runner drives the session state machine: it prepares the git
// worktree, runs the agent provider, translates provider events onto the
// session bus, and handles follow-ups, interrupts, stops, and reverts.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/agent"
	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/common/tracing"
	"github.com/codeharbor/codeharbor/internal/git"
	"github.com/codeharbor/codeharbor/internal/session/eventbus"
	"github.com/codeharbor/codeharbor/internal/session/models"
	"github.com/codeharbor/codeharbor/internal/session/store"
	"github.com/codeharbor/codeharbor/internal/user"
)

const snapshotCommitMessage = "[snapshot] pre-agent"

// Runner coordinates sessions. It owns no persistent state of its own.
type Runner struct {
	store    *store.Store
	users    *user.Store
	bus      *eventbus.Bus
	git      *git.Runtime
	registry *agent.Registry
	logger   *logger.Logger

	mu     sync.Mutex
	active map[string]*activeRun // ref key -> live agent loop
}

// activeRun tracks one live runAgentLoop.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}

	// halted suppresses terminal status transitions once interrupt, stop,
	// or revert has taken over the session's status.
	halted atomic.Bool
}

// New creates a runner.
func New(st *store.Store, users *user.Store, bus *eventbus.Bus, g *git.Runtime, registry *agent.Registry, log *logger.Logger) *Runner {
	return &Runner{
		store:    st,
		users:    users,
		bus:      bus,
		git:      g,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "session_runner")),
		active:   make(map[string]*activeRun),
	}
}

// setStatus persists the status (with optional error) and then emits the
// session:status event. The write precedes the emit so a client observing the
// event can immediately read the same or a later status.
func (r *Runner) setStatus(ctx context.Context, ref models.SessionRef, status models.Status, errMsg *string) {
	if err := r.store.UpdateStatus(ctx, ref, status, errMsg); err != nil {
		r.logger.Error("failed to persist status",
			zap.String("session_id", ref.SessionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if _, err := r.bus.Emit(ctx, ref, models.NewStatusEvent(status)); err != nil {
		r.logger.Error("failed to emit status event",
			zap.String("session_id", ref.SessionID),
			zap.Error(err))
	}
}

// fail marks the session failed and emits session:error followed by the
// status transition.
func (r *Runner) fail(ctx context.Context, ref models.SessionRef, cause error) {
	msg := cause.Error()
	if _, err := r.bus.Emit(ctx, ref, models.NewErrorEvent(msg)); err != nil {
		r.logger.Error("failed to emit error event",
			zap.String("session_id", ref.SessionID), zap.Error(err))
	}
	r.setStatus(ctx, ref, models.StatusFailed, &msg)
}

// worktreePath resolves the session's deterministic worktree location,
// honoring the user's worktree base override.
func (r *Runner) worktreePath(ctx context.Context, session *models.Session) (string, error) {
	owner, err := r.users.GetUser(ctx, session.UserID)
	if err != nil {
		return "", err
	}
	if owner.WorktreeBase != nil && *owner.WorktreeBase != "" {
		return filepath.Join(*owner.WorktreeBase, session.IdentityID, session.RepoID, session.SessionID), nil
	}
	return r.git.WorktreePath(session.UserID, session.IdentityID, session.RepoID, session.SessionID), nil
}

// Start launches the session lifecycle in the background. Errors surface as
// session:error events plus a failed status, never to the caller.
func (r *Runner) Start(session *models.Session) {
	go func() {
		ctx, span := tracing.Tracer("session-runner").Start(context.Background(), "session.start")
		defer span.End()
		r.start(ctx, session)
	}()
}

func (r *Runner) start(ctx context.Context, session *models.Session) {
	ref := session.Ref()
	log := r.logger.WithSessionID(ref.SessionID).WithUserID(ref.UserID)

	r.bus.RegisterSession(ref)
	r.setStatus(ctx, ref, models.StatusCloning, nil)

	identity, err := r.users.GetIdentity(ctx, ref.UserID, session.IdentityID)
	if err != nil {
		r.fail(ctx, ref, err)
		return
	}

	barePath, err := r.git.EnsureBareClone(ctx, session.RepoURL, session.IdentityID, identity.SSHPrivateKey)
	if err != nil {
		r.fail(ctx, ref, err)
		return
	}
	if err := r.git.Fetch(ctx, barePath, identity.SSHPrivateKey); err != nil {
		r.fail(ctx, ref, err)
		return
	}

	wtPath, err := r.worktreePath(ctx, session)
	if err != nil {
		r.fail(ctx, ref, err)
		return
	}
	if _, statErr := os.Stat(filepath.Join(wtPath, ".git")); statErr != nil {
		branchName := "session/" + ref.SessionID
		if err := r.git.CreateWorktree(ctx, barePath, wtPath, branchName, session.Branch); err != nil {
			r.fail(ctx, ref, err)
			return
		}
	} else {
		log.Info("reusing existing worktree", zap.String("path", wtPath))
	}

	r.setStatus(ctx, ref, models.StatusRunning, nil)

	if err := r.recordUserTurn(ctx, session, identity, wtPath, session.Prompt); err != nil {
		r.fail(ctx, ref, err)
		return
	}

	r.runAgentLoop(ctx, session, session.Prompt, wtPath, false)
}

// snapshot captures the worktree state before a user turn: dirty trees are
// committed under the snapshot message, clean trees reuse HEAD.
func (r *Runner) snapshot(ctx context.Context, identity *user.Identity, wtPath string) (string, error) {
	dirty, err := r.git.HasUncommittedChanges(ctx, wtPath)
	if err != nil {
		return "", err
	}
	if !dirty {
		return r.git.GetHead(ctx, wtPath)
	}
	return r.git.Commit(ctx, wtPath, snapshotCommitMessage, identity.AuthorName, identity.AuthorEmail)
}

// recordUserTurn snapshots, stores the user message with the snapshot sha,
// and emits user:message followed by session:snapshot.
func (r *Runner) recordUserTurn(ctx context.Context, session *models.Session, identity *user.Identity, wtPath, content string) error {
	ref := session.Ref()

	sha, err := r.snapshot(ctx, identity, wtPath)
	if err != nil {
		return err
	}

	msg := &models.Message{
		SessionID: ref.SessionID,
		RepoID:    ref.RepoID,
		UserID:    ref.UserID,
		Role:      models.RoleUser,
		Content:   content,
	}
	if sha != "" {
		msg.CommitSHA = &sha
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return err
	}

	if _, err := r.bus.Emit(ctx, ref, models.NewUserMessageEvent(content)); err != nil {
		return err
	}
	if sha != "" {
		if _, err := r.bus.Emit(ctx, ref, models.NewSnapshotEvent(msg.ID, sha)); err != nil {
			return err
		}
	}
	return nil
}

// runAgentLoop invokes the provider and translates its events. At most one
// loop runs per ref.
func (r *Runner) runAgentLoop(ctx context.Context, session *models.Session, prompt, wtPath string, resume bool) {
	ref := session.Ref()
	key := ref.Key()
	log := r.logger.WithSessionID(ref.SessionID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, exists := r.active[key]; exists {
		r.mu.Unlock()
		cancel()
		log.Warn("agent loop already active, ignoring start")
		return
	}
	r.active[key] = run
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
		close(run.done)
	}()

	providerName := ""
	if session.Provider != nil {
		providerName = *session.Provider
	}
	provider, err := r.registry.Get(providerName)
	if err != nil {
		r.fail(runCtx, ref, err)
		return
	}

	model := ""
	if session.Model != nil {
		model = *session.Model
	}

	req := agent.RunRequest{
		SessionID: ref.ProviderSessionID(),
		Prompt:    prompt,
		Cwd:       wtPath,
		Resume:    resume,
		Model:     model,
		OnEvent: func(evCtx context.Context, event agent.Event) error {
			return r.handleAgentEvent(evCtx, ref, run, event)
		},
	}

	if err := provider.Run(runCtx, req); err != nil {
		if runCtx.Err() != nil || run.halted.Load() {
			return
		}
		r.fail(runCtx, ref, apperr.Wrap(apperr.KindSession, "agent run failed", err))
		return
	}

	if run.halted.Load() {
		return
	}

	// Streams can end without an explicit terminal event; treat a session
	// still marked running as completed.
	current, err := r.store.GetSession(context.Background(), ref)
	if err != nil {
		log.Error("failed to re-read session after run", zap.Error(err))
		return
	}
	if current.Status == models.StatusRunning {
		r.setStatus(context.Background(), ref, models.StatusCompleted, nil)
	}
}

// handleAgentEvent maps one provider event onto the session bus and applies
// the terminal transitions.
func (r *Runner) handleAgentEvent(ctx context.Context, ref models.SessionRef, run *activeRun, event agent.Event) error {
	switch event.Type {
	case agent.EventMessage:
		_, err := r.bus.Emit(ctx, ref, models.NewAgentOutputEvent(event.Text, event.Role))
		return err
	case agent.EventToolUse:
		_, err := r.bus.Emit(ctx, ref, models.NewAgentToolUseEvent(event.Tool, event.ToolInput))
		return err
	case agent.EventToolResult:
		_, err := r.bus.Emit(ctx, ref, models.NewAgentToolResultEvent(event.Tool, event.ToolOutput))
		return err
	case agent.EventWaitingForInput:
		if run.halted.Load() {
			return nil
		}
		if _, err := r.bus.Emit(ctx, ref, models.NewWaitingForInputEvent(event.Text)); err != nil {
			return err
		}
		r.setStatus(ctx, ref, models.StatusWaitingForInput, nil)
		return nil
	case agent.EventCompleted:
		if run.halted.Load() {
			return nil
		}
		if _, err := r.bus.Emit(ctx, ref, models.NewCompletedEvent(event.Text)); err != nil {
			return err
		}
		assistant := &models.Message{
			SessionID: ref.SessionID,
			RepoID:    ref.RepoID,
			UserID:    ref.UserID,
			Role:      models.RoleAssistant,
			Content:   event.Text,
		}
		if err := r.store.CreateMessage(ctx, assistant); err != nil {
			r.logger.Error("failed to store assistant message",
				zap.String("session_id", ref.SessionID), zap.Error(err))
		}
		r.setStatus(ctx, ref, models.StatusIdle, nil)
		return nil
	case agent.EventError:
		if run.halted.Load() {
			return nil
		}
		r.fail(ctx, ref, fmt.Errorf("%s", event.Text))
		return nil
	default:
		r.logger.Debug("ignoring unknown agent event",
			zap.String("type", event.Type))
		return nil
	}
}

// SendMessage handles a follow-up user message per the session's state:
// delegate into a live run, resume a quiescent conversation, or rebuild
// context after a revert.
func (r *Runner) SendMessage(ctx context.Context, ref models.SessionRef, message string) error {
	session, err := r.store.GetSession(ctx, ref)
	if err != nil {
		return err
	}
	if session.Status == models.StatusPending || session.Status == models.StatusCloning {
		return apperr.Errorf(apperr.KindSession, "session %q is not ready for messages", ref.SessionID)
	}
	priorStatus := session.Status

	identity, err := r.users.GetIdentity(ctx, ref.UserID, session.IdentityID)
	if err != nil {
		return err
	}
	wtPath, err := r.worktreePath(ctx, session)
	if err != nil {
		return err
	}

	// History for the resume=false path is everything before this message.
	var history []*models.Message
	if priorStatus == models.StatusReverted {
		history, err = r.store.ListMessages(ctx, ref)
		if err != nil {
			return err
		}
	}

	if err := r.recordUserTurn(ctx, session, identity, wtPath, message); err != nil {
		return err
	}
	r.setStatus(ctx, ref, models.StatusRunning, nil)

	providerName := ""
	if session.Provider != nil {
		providerName = *session.Provider
	}
	provider, err := r.registry.Get(providerName)
	if err != nil {
		return err
	}

	if provider.IsRunning(ref.ProviderSessionID()) {
		return provider.SendMessage(ctx, ref.ProviderSessionID(), message)
	}

	if priorStatus == models.StatusReverted {
		// The provider's conversation is out of sync with the truncated
		// history: start fresh and replay the prior turns as context.
		prompt := formatHistory(history, message)
		go r.runAgentLoop(context.Background(), session, prompt, wtPath, false)
		return nil
	}

	go r.runAgentLoop(context.Background(), session, message, wtPath, true)
	return nil
}

// formatHistory renders prior messages as "[role]: content" blocks separated
// by blank lines, followed by the new message.
func formatHistory(history []*models.Message, message string) string {
	var parts []string
	for _, m := range history {
		parts = append(parts, fmt.Sprintf("[%s]: %s", m.Role, m.Content))
	}
	parts = append(parts, message)
	return strings.Join(parts, "\n\n")
}

// haltActive marks the live run halted (if any) so its provider events no
// longer drive status, then returns it.
func (r *Runner) haltActive(ref models.SessionRef) *activeRun {
	r.mu.Lock()
	run := r.active[ref.Key()]
	r.mu.Unlock()
	if run != nil {
		run.halted.Store(true)
	}
	return run
}

// Interrupt aborts the live run and parks the session idle.
func (r *Runner) Interrupt(ctx context.Context, ref models.SessionRef) error {
	session, err := r.store.GetSession(ctx, ref)
	if err != nil {
		return err
	}
	providerName := ""
	if session.Provider != nil {
		providerName = *session.Provider
	}
	provider, err := r.registry.Get(providerName)
	if err != nil {
		return err
	}

	r.haltActive(ref)
	if err := provider.Abort(ctx, ref.ProviderSessionID()); err != nil {
		r.logger.Warn("abort failed during interrupt",
			zap.String("session_id", ref.SessionID), zap.Error(err))
	}
	r.setStatus(ctx, ref, models.StatusIdle, nil)
	return nil
}

// Stop ends the session gracefully and marks it completed.
func (r *Runner) Stop(ctx context.Context, ref models.SessionRef) error {
	session, err := r.store.GetSession(ctx, ref)
	if err != nil {
		return err
	}
	providerName := ""
	if session.Provider != nil {
		providerName = *session.Provider
	}
	provider, err := r.registry.Get(providerName)
	if err != nil {
		return err
	}

	r.haltActive(ref)
	if err := provider.Stop(ctx, ref.ProviderSessionID()); err != nil {
		r.logger.Warn("stop failed",
			zap.String("session_id", ref.SessionID), zap.Error(err))
	}
	r.setStatus(ctx, ref, models.StatusCompleted, nil)
	return nil
}

// Revert resets the worktree to the snapshot linked to messageID, truncates
// the event log at the turn boundary, and deletes the target message and
// everything after it.
func (r *Runner) Revert(ctx context.Context, ref models.SessionRef, messageID string) error {
	session, err := r.store.GetSession(ctx, ref)
	if err != nil {
		return err
	}

	msg, err := r.store.GetMessage(ctx, ref, messageID)
	if err != nil {
		// A repeated revert finds the target already gone; the session is
		// in the post-revert state and the call is a no-op.
		if apperr.IsKind(err, apperr.KindNotFound) && session.Status == models.StatusReverted {
			return nil
		}
		return err
	}
	if msg.CommitSHA == nil || *msg.CommitSHA == "" {
		return apperr.Errorf(apperr.KindValidation, "message %q has no snapshot to revert to", messageID)
	}

	providerName := ""
	if session.Provider != nil {
		providerName = *session.Provider
	}
	if provider, perr := r.registry.Get(providerName); perr == nil {
		r.haltActive(ref)
		if err := provider.Abort(ctx, ref.ProviderSessionID()); err != nil {
			r.logger.Warn("abort failed during revert",
				zap.String("session_id", ref.SessionID), zap.Error(err))
		}
	}

	wtPath, err := r.worktreePath(ctx, session)
	if err != nil {
		return err
	}
	if err := r.git.ResetHard(ctx, wtPath, *msg.CommitSHA); err != nil {
		return err
	}

	// Truncate the log from the turn boundary: the user:message event that
	// precedes this message's snapshot.
	snapSeq, err := r.store.FindSnapshotSequence(ctx, ref, messageID)
	if err == nil {
		boundary, berr := r.store.FindPrecedingUserMessage(ctx, ref, snapSeq)
		if berr != nil {
			boundary = snapSeq
		}
		if err := r.store.DeleteEventsFrom(ctx, ref, boundary); err != nil {
			return err
		}
		r.bus.ResetSequence(ref)
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}

	if err := r.store.DeleteMessagesAfter(ctx, ref, messageID); err != nil {
		return err
	}
	if err := r.store.DeleteMessage(ctx, ref, messageID); err != nil {
		return err
	}

	// The diff the reviews were made against is gone.
	if err := r.store.DeleteFileReviews(ctx, ref); err != nil {
		r.logger.Warn("failed to clear file reviews",
			zap.String("session_id", ref.SessionID), zap.Error(err))
	}

	r.setStatus(ctx, ref, models.StatusReverted, nil)
	return nil
}

// Diff returns the session's cumulative change set: the files touched since
// the worktree branched off and the unified diff including uncommitted work.
func (r *Runner) Diff(ctx context.Context, session *models.Session) ([]string, string, error) {
	wtPath, err := r.worktreePath(ctx, session)
	if err != nil {
		return nil, "", err
	}
	files, err := r.git.GetChangedFiles(ctx, wtPath, session.Branch, "")
	if err != nil {
		return nil, "", err
	}
	diff, err := r.git.GetDiff(ctx, wtPath, session.Branch, "")
	if err != nil {
		return nil, "", err
	}
	return files, diff, nil
}

// Abort cancels the live run without a status transition; used by session
// deletion.
func (r *Runner) Abort(ctx context.Context, ref models.SessionRef) {
	session, err := r.store.GetSession(ctx, ref)
	if err != nil {
		return
	}
	providerName := ""
	if session.Provider != nil {
		providerName = *session.Provider
	}
	provider, err := r.registry.Get(providerName)
	if err != nil {
		return
	}
	r.haltActive(ref)
	if err := provider.Abort(ctx, ref.ProviderSessionID()); err != nil {
		r.logger.Warn("abort failed",
			zap.String("session_id", ref.SessionID), zap.Error(err))
	}
}

// Cleanup removes the session's worktree after deletion.
func (r *Runner) Cleanup(ctx context.Context, session *models.Session) {
	wtPath, err := r.worktreePath(ctx, session)
	if err != nil {
		return
	}
	barePath := r.git.MirrorPath(session.RepoURL, session.IdentityID)
	if err := r.git.RemoveWorktree(ctx, barePath, wtPath); err != nil {
		r.logger.Warn("failed to remove worktree",
			zap.String("session_id", session.SessionID), zap.Error(err))
	}
}
