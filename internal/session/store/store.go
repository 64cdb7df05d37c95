// Package store provides relational persistence for sessions, messages,
// and the per-session event log.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/codeharbor/codeharbor/internal/db"
)

// Store provides session storage operations backed by a db.Pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a session store and initializes its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

// initSchema creates the session tables if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			identity_id TEXT NOT NULL DEFAULT '',
			repo_url TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			model TEXT,
			provider TEXT,
			pinned_at TIMESTAMP,
			notifications_enabled BOOLEAN,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, repo_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			commit_sha TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, repo_id, user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			message_id TEXT,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, repo_id, user_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_message
			ON session_events(session_id, repo_id, user_id, message_id)`,
		`CREATE TABLE IF NOT EXISTS file_reviews (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			reviewed BOOLEAN NOT NULL DEFAULT FALSE,
			diff_hash TEXT NOT NULL DEFAULT '',
			reviewed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (session_id, repo_id, user_id, file_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_reviews_session
			ON file_reviews(session_id, repo_id, user_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return s.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (s *Store) runMigrations() error {
	// Columns added after first release; ignore errors when they exist.
	_, _ = s.db.Exec(`ALTER TABLE session_events ADD COLUMN message_id TEXT`)
	_, _ = s.db.Exec(`ALTER TABLE sessions ADD COLUMN notifications_enabled BOOLEAN`)
	return nil
}
