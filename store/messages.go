package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Messages is the message ledger: one row per relayed message.
type Messages struct {
	db *sql.DB
}

// NewMessages returns a ledger backed by db.
func NewMessages(db *sql.DB) *Messages { return &Messages{db: db} }

// RelayedMessage is one ledger row.
type RelayedMessage struct {
	RoomName  string
	RoomID    string
	MessageID string // source message id
	EventID   string // Matrix event id
	Content   string
	Deleted   bool
	CreatedAt time.Time
}

// Record inserts a ledger row for a successfully sent message. A resend of the
// same source message id upserts in place (and clears a previous soft delete),
// so retries converge on one row instead of producing duplicates.
func (m *Messages) Record(ctx context.Context, roomName, roomID, messageID, eventID, content string) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO messages (room_name, room_id, message_id, message_evt_id, message_content, deleted)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (message_id) DO UPDATE SET
			room_name=EXCLUDED.room_name,
			room_id=EXCLUDED.room_id,
			message_evt_id=EXCLUDED.message_evt_id,
			message_content=EXCLUDED.message_content,
			deleted=FALSE,
			deleted_at=NULL`,
		roomName, roomID, messageID, eventID, content)
	if err != nil {
		return fmt.Errorf("record message %q: %w", messageID, err)
	}
	return nil
}

// LookupEvent resolves a source message id to the (room id, event id) pair of
// the most recent non-deleted row. Returns ErrNotFound when no such row exists.
func (m *Messages) LookupEvent(ctx context.Context, messageID string) (roomID, eventID string, err error) {
	err = m.db.QueryRowContext(ctx, `SELECT room_id, message_evt_id FROM messages
		WHERE message_id=$1 AND deleted=FALSE ORDER BY id DESC LIMIT 1`, messageID).Scan(&roomID, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup message %q: %w", messageID, err)
	}
	return roomID, eventID, nil
}

// MarkDeleted sets the soft-delete flag. Deleting an already-deleted or
// unknown id is a no-op, not an error.
func (m *Messages) MarkDeleted(ctx context.Context, messageID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE messages SET deleted=TRUE, deleted_at=NOW() WHERE message_id=$1 AND deleted=FALSE`, messageID)
	if err != nil {
		return fmt.Errorf("mark deleted %q: %w", messageID, err)
	}
	return nil
}

// Get returns the full ledger row for a source message id, deleted or not.
func (m *Messages) Get(ctx context.Context, messageID string) (RelayedMessage, error) {
	var rec RelayedMessage
	err := m.db.QueryRowContext(ctx, `SELECT room_name, room_id, message_id, message_evt_id, message_content, deleted, created_at
		FROM messages WHERE message_id=$1 ORDER BY id DESC LIMIT 1`, messageID).
		Scan(&rec.RoomName, &rec.RoomID, &rec.MessageID, &rec.EventID, &rec.Content, &rec.Deleted, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RelayedMessage{}, ErrNotFound
	}
	if err != nil {
		return RelayedMessage{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return rec, nil
}

// Counts returns the total and soft-deleted row counts.
func (m *Messages) Counts(ctx context.Context) (total, deleted int, err error) {
	err = m.db.QueryRowContext(ctx, `SELECT COUNT(1), COUNT(1) FILTER (WHERE deleted) FROM messages`).Scan(&total, &deleted)
	if err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return total, deleted, nil
}

// Recent returns the n most recently relayed messages, newest first.
func (m *Messages) Recent(ctx context.Context, n int) ([]RelayedMessage, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT room_name, room_id, message_id, message_evt_id, message_content, deleted, created_at
		FROM messages ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	var out []RelayedMessage
	for rows.Next() {
		var rec RelayedMessage
		if err := rows.Scan(&rec.RoomName, &rec.RoomID, &rec.MessageID, &rec.EventID, &rec.Content, &rec.Deleted, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent messages: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return out, nil
}
