// Package user provides the users, identities, and repos collaborator
// stores plus their minimal HTTP surface.
package user

import "time"

// User is an account holding the bearer token and notification preferences.
type User struct {
	ID       string `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	APIToken string `db:"api_token" json:"-"`

	// NotificationsEnabled is the global push toggle, overridable per session.
	NotificationsEnabled bool `db:"notifications_enabled" json:"notificationsEnabled"`

	// NotificationEvents is the whitelist of session event types that may
	// produce notifications. Stored as a JSON array.
	NotificationEvents []string `db:"-" json:"notificationEvents"`

	// WorktreeBase, when set, overrides the default worktree root for this
	// user's sessions.
	WorktreeBase *string `db:"worktree_base" json:"worktreeBase,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Identity holds a named SSH key with the git author attached to commits
// made on its behalf.
type Identity struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"userId"`
	Name          string    `db:"name" json:"name"`
	SSHPrivateKey string    `db:"ssh_private_key" json:"-"`
	AuthorName    string    `db:"author_name" json:"authorName"`
	AuthorEmail   string    `db:"author_email" json:"authorEmail"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// Repo is a registered remote repository.
type Repo struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"userId"`
	Name          string    `db:"name" json:"name"`
	URL           string    `db:"url" json:"url"`
	DefaultBranch string    `db:"default_branch" json:"defaultBranch"`
	IdentityID    *string   `db:"identity_id" json:"identityId,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}
