// Package models defines the session domain model.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusPending         Status = "pending"
	StatusCloning         Status = "cloning"
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusIdle            Status = "idle"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusReverted        Status = "reverted"
)

// Quiescent reports whether the session accepts follow-up messages.
func (s Status) Quiescent() bool {
	return s == StatusIdle || s == StatusWaitingForInput || s == StatusReverted
}

// Terminal reports whether the session has finished for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// providerSessionNamespace is the UUIDv5 namespace for provider session IDs.
var providerSessionNamespace = uuid.MustParse("8f1a2a60-4f4b-49c5-9d54-2f3a9a1e7b11")

// SessionRef identifies a session. SessionID alone is never unique; all
// per-session storage and routing is keyed by the full triple.
type SessionRef struct {
	UserID    string `json:"userId"`
	RepoID    string `json:"repoId"`
	SessionID string `json:"sessionId"`
}

// Key returns the stable string form used as an in-memory map key.
func (r SessionRef) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.UserID, r.RepoID, r.SessionID)
}

// ProviderSessionID derives the stable identifier handed to agent providers.
// It is a UUIDv5 of the ref key so resume works across process restarts.
func (r SessionRef) ProviderSessionID() string {
	return uuid.NewSHA1(providerSessionNamespace, []byte(r.Key())).String()
}

// Session is the durable session record.
type Session struct {
	SessionID  string     `db:"session_id" json:"id"`
	RepoID     string     `db:"repo_id" json:"repoId"`
	UserID     string     `db:"user_id" json:"userId"`
	IdentityID string     `db:"identity_id" json:"identityId"`
	RepoURL    string     `db:"repo_url" json:"repoUrl"`
	Branch     string     `db:"branch" json:"branch"`
	Prompt     string     `db:"prompt" json:"prompt"`
	Status     Status     `db:"status" json:"status"`
	Error      *string    `db:"error" json:"error,omitempty"`
	Model      *string    `db:"model" json:"model,omitempty"`
	Provider   *string    `db:"provider" json:"provider,omitempty"`
	PinnedAt   *time.Time `db:"pinned_at" json:"pinnedAt,omitempty"`
	// NotificationsEnabled overrides the user's global notification toggle
	// for this session when set.
	NotificationsEnabled *bool     `db:"notifications_enabled" json:"notificationsEnabled,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time `db:"updated_at" json:"updatedAt"`
}

// Ref returns the composite identifier for the session.
func (s *Session) Ref() SessionRef {
	return SessionRef{UserID: s.UserID, RepoID: s.RepoID, SessionID: s.SessionID}
}

// MessageRole distinguishes user and assistant messages.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one conversation turn within a session. CommitSHA, when set on a
// user message, is the pre-turn snapshot commit.
type Message struct {
	ID        string      `db:"id" json:"id"`
	SessionID string      `db:"session_id" json:"sessionId"`
	RepoID    string      `db:"repo_id" json:"repoId"`
	UserID    string      `db:"user_id" json:"userId"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	CommitSHA *string     `db:"commit_sha" json:"commitSha,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}

// FileReview tracks per-file review state against the session's cumulative
// diff. DiffHash records the file's blob hash at review time so a later
// change to the file invalidates the mark client-side.
type FileReview struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"sessionId"`
	RepoID     string     `db:"repo_id" json:"repoId"`
	UserID     string     `db:"user_id" json:"userId"`
	FilePath   string     `db:"file_path" json:"filePath"`
	Reviewed   bool       `db:"reviewed" json:"reviewed"`
	DiffHash   string     `db:"diff_hash" json:"diffHash"`
	ReviewedAt *time.Time `db:"reviewed_at" json:"reviewedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// UserEvent is the coarse per-user signal emitted alongside status changes,
// used by clients to invalidate session lists.
type UserEvent struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}
