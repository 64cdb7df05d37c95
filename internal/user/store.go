package user

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/db"
)

// Store persists users, identities, and repos.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize user schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			api_token TEXT NOT NULL UNIQUE,
			notifications_enabled BOOLEAN NOT NULL DEFAULT 1,
			notification_events TEXT NOT NULL DEFAULT '[]',
			worktree_base TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			ssh_private_key TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL DEFAULT '',
			author_email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_user ON identities(user_id)`,
		`CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			identity_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repos_user ON repos(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func newAPIToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(buf)
}

// CreateUser inserts a new user with a fresh API token.
func (s *Store) CreateUser(ctx context.Context, username string) (*User, error) {
	now := time.Now().UTC()
	u := &User{
		ID:                   uuid.New().String(),
		Username:             username,
		APIToken:             newAPIToken(),
		NotificationsEnabled: true,
		NotificationEvents:   []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, username, api_token, notifications_enabled, notification_events, worktree_base, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), u.ID, u.Username, u.APIToken, u.NotificationsEnabled, "[]", u.WorktreeBase, u.CreatedAt, u.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return nil, apperr.Errorf(apperr.KindAlreadyExists, "user %q already exists", username)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) scanUser(row *sqlx.Row) (*User, error) {
	var u User
	var events string
	err := row.Scan(&u.ID, &u.Username, &u.APIToken, &u.NotificationsEnabled,
		&events, &u.WorktreeBase, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &u.NotificationEvents); err != nil {
		return nil, fmt.Errorf("failed to deserialize notification events: %w", err)
	}
	return &u, nil
}

const userColumns = `id, username, api_token, notifications_enabled, notification_events, worktree_base, created_at, updated_at`

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.ro.QueryRowxContext(ctx, s.ro.Rebind(
		`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := s.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, "user %q not found", id)
	}
	return u, err
}

// GetUserByToken resolves the bearer token used by the auth middleware.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*User, error) {
	row := s.ro.QueryRowxContext(ctx, s.ro.Rebind(
		`SELECT `+userColumns+` FROM users WHERE api_token = ?`), token)
	u, err := s.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindUnauthorized, "invalid token")
	}
	return u, err
}

// UpdateNotificationSettings writes the global toggle and event whitelist.
func (s *Store) UpdateNotificationSettings(ctx context.Context, userID string, enabled bool, events []string) error {
	if events == nil {
		events = []string{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to serialize notification events: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE users SET notifications_enabled = ?, notification_events = ?, updated_at = ?
		WHERE id = ?
	`), enabled, string(data), time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Errorf(apperr.KindNotFound, "user %q not found", userID)
	}
	return nil
}

// CreateIdentity inserts an SSH identity for the user.
func (s *Store) CreateIdentity(ctx context.Context, identity *Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO identities (id, user_id, name, ssh_private_key, author_name, author_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), identity.ID, identity.UserID, identity.Name, identity.SSHPrivateKey,
		identity.AuthorName, identity.AuthorEmail, identity.CreatedAt)
	return err
}

// GetIdentity loads an identity, enforcing ownership.
func (s *Store) GetIdentity(ctx context.Context, userID, identityID string) (*Identity, error) {
	var identity Identity
	err := s.ro.GetContext(ctx, &identity, s.ro.Rebind(`
		SELECT id, user_id, name, ssh_private_key, author_name, author_email, created_at
		FROM identities WHERE id = ? AND user_id = ?
	`), identityID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, "identity %q not found", identityID)
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ListIdentities lists a user's identities.
func (s *Store) ListIdentities(ctx context.Context, userID string) ([]*Identity, error) {
	var identities []*Identity
	err := s.ro.SelectContext(ctx, &identities, s.ro.Rebind(`
		SELECT id, user_id, name, ssh_private_key, author_name, author_email, created_at
		FROM identities WHERE user_id = ? ORDER BY created_at ASC
	`), userID)
	return identities, err
}

// CreateRepo registers a remote repository for the user.
func (s *Store) CreateRepo(ctx context.Context, repo *Repo) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repos (id, user_id, name, url, default_branch, identity_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.UserID, repo.Name, repo.URL, repo.DefaultBranch, repo.IdentityID, repo.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Errorf(apperr.KindAlreadyExists, "repo %q already exists", repo.ID)
	}
	return err
}

// GetRepo loads a repo, enforcing ownership.
func (s *Store) GetRepo(ctx context.Context, userID, repoID string) (*Repo, error) {
	var repo Repo
	err := s.ro.GetContext(ctx, &repo, s.ro.Rebind(`
		SELECT id, user_id, name, url, default_branch, identity_id, created_at
		FROM repos WHERE id = ? AND user_id = ?
	`), repoID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, "repo %q not found", repoID)
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepos lists a user's repos.
func (s *Store) ListRepos(ctx context.Context, userID string) ([]*Repo, error) {
	var repos []*Repo
	err := s.ro.SelectContext(ctx, &repos, s.ro.Rebind(`
		SELECT id, user_id, name, url, default_branch, identity_id, created_at
		FROM repos WHERE user_id = ? ORDER BY created_at ASC
	`), userID)
	return repos, err
}
