package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/session/models"
)

// NextSequence returns the next sequence number for the ref. Callers must
// serialize per ref; the event bus owns that lock.
func (s *Store) NextSequence(ctx context.Context, ref models.SessionRef) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT MAX(sequence) FROM session_events
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), ref.SessionID, ref.RepoID, ref.UserID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// AppendEvent persists one sequenced event. Snapshot events additionally
// record the linked message id in its own column so revert boundaries are
// found by lookup, not by searching serialized payloads.
func (s *Store) AppendEvent(ctx context.Context, ref models.SessionRef, seq int64, event models.SessionEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize event data: %w", err)
	}

	var messageID *string
	if id := event.MessageID(); id != "" {
		messageID = &id
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO session_events (session_id, repo_id, user_id, sequence, type, data, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), ref.SessionID, ref.RepoID, ref.UserID, seq, event.Type, string(data), messageID, time.Now().UTC())
	return err
}

// ListEvents returns events with sequence > afterSeq in ascending order.
// Pass 0 to replay from the beginning.
func (s *Store) ListEvents(ctx context.Context, ref models.SessionRef, afterSeq int64) ([]models.SequencedEvent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT sequence, type, data FROM session_events
		WHERE session_id = ? AND repo_id = ? AND user_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`), ref.SessionID, ref.RepoID, ref.UserID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []models.SequencedEvent
	for rows.Next() {
		var (
			seq       int64
			eventType string
			data      string
		)
		if err := rows.Scan(&seq, &eventType, &data); err != nil {
			return nil, err
		}
		payload, err := models.DecodeEventData(eventType, []byte(data))
		if err != nil {
			return nil, err
		}
		events = append(events, models.SequencedEvent{
			Sequence: seq,
			Event:    models.SessionEvent{Type: eventType, Data: payload},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// RemoveEvents drops all events for the ref.
func (s *Store) RemoveEvents(ctx context.Context, ref models.SessionRef) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM session_events WHERE session_id = ? AND repo_id = ? AND user_id = ?
	`), ref.SessionID, ref.RepoID, ref.UserID)
	return err
}

// FindSnapshotSequence returns the sequence of the session:snapshot event
// linked to the given message.
func (s *Store) FindSnapshotSequence(ctx context.Context, ref models.SessionRef, messageID string) (int64, error) {
	var seq int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT sequence FROM session_events
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
		  AND type = ? AND message_id = ?
		ORDER BY sequence ASC LIMIT 1
	`), ref.SessionID, ref.RepoID, ref.UserID, models.EventSessionSnapshot, messageID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.Errorf(apperr.KindNotFound, "no snapshot event for message %q", messageID)
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// FindPrecedingUserMessage returns the sequence of the nearest user:message
// event at or before the given sequence, marking the turn boundary.
func (s *Store) FindPrecedingUserMessage(ctx context.Context, ref models.SessionRef, beforeSeq int64) (int64, error) {
	var seq int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT sequence FROM session_events
		WHERE session_id = ? AND repo_id = ? AND user_id = ?
		  AND type = ? AND sequence <= ?
		ORDER BY sequence DESC LIMIT 1
	`), ref.SessionID, ref.RepoID, ref.UserID, models.EventUserMessage, beforeSeq).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.Errorf(apperr.KindNotFound, "no user message event before sequence %d", beforeSeq)
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// DeleteEventsFrom removes every event with sequence >= fromSeq.
func (s *Store) DeleteEventsFrom(ctx context.Context, ref models.SessionRef, fromSeq int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM session_events
		WHERE session_id = ? AND repo_id = ? AND user_id = ? AND sequence >= ?
	`), ref.SessionID, ref.RepoID, ref.UserID, fromSeq)
	return err
}
