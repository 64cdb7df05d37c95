// Package notifications dispatches push notifications for session events
// through user-configured channels.
package notifications

import "time"

// Channel is one configured delivery target owned by a user.
type Channel struct {
	ID       string `db:"id" json:"id"`
	UserID   string `db:"user_id" json:"userId"`
	Provider string `db:"provider" json:"provider"`
	Name     string `db:"name" json:"name"`

	// Config holds provider-specific settings (e.g. webhook url). Stored as
	// a JSON object.
	Config map[string]string `db:"-" json:"config"`

	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Notification is the rendered payload handed to providers.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"sessionId"`
	EventType string `json:"eventType"`
}
