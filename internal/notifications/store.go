package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/db"
)

// Store persists notification channels.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize notifications schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS notification_channels (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			name TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_channels_user
			ON notification_channels(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateChannel inserts a channel row.
func (s *Store) CreateChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	configJSON := "{}"
	if ch.Config != nil {
		data, err := json.Marshal(ch.Config)
		if err != nil {
			return fmt.Errorf("failed to serialize channel config: %w", err)
		}
		configJSON = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO notification_channels (id, user_id, provider, name, config, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ch.ID, ch.UserID, ch.Provider, ch.Name, configJSON, ch.Enabled, ch.CreatedAt)
	return err
}

// ListEnabledChannels returns the user's channels that are switched on.
func (s *Store) ListEnabledChannels(ctx context.Context, userID string) ([]*Channel, error) {
	return s.list(ctx, s.ro.Rebind(`
		SELECT id, user_id, provider, name, config, enabled, created_at
		FROM notification_channels WHERE user_id = ? AND enabled = ?
		ORDER BY created_at ASC
	`), userID, true)
}

// ListChannels returns all of the user's channels.
func (s *Store) ListChannels(ctx context.Context, userID string) ([]*Channel, error) {
	return s.list(ctx, s.ro.Rebind(`
		SELECT id, user_id, provider, name, config, enabled, created_at
		FROM notification_channels WHERE user_id = ?
		ORDER BY created_at ASC
	`), userID)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Channel, error) {
	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		var configJSON string
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Provider, &ch.Name, &configJSON, &ch.Enabled, &ch.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(configJSON), &ch.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize channel config: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return channels, nil
}

// SetChannelEnabled toggles a channel.
func (s *Store) SetChannelEnabled(ctx context.Context, userID, channelID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_channels SET enabled = ? WHERE id = ? AND user_id = ?
	`), enabled, channelID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Errorf(apperr.KindNotFound, "channel %q not found", channelID)
	}
	return nil
}

// DeleteChannel removes a channel.
func (s *Store) DeleteChannel(ctx context.Context, userID, channelID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM notification_channels WHERE id = ? AND user_id = ?
	`), channelID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if errors.Is(err, sql.ErrNoRows) || n == 0 {
		return apperr.Errorf(apperr.KindNotFound, "channel %q not found", channelID)
	}
	return err
}
