package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Rooms is the room directory: a persistent mapping from logical room names
// to Matrix room ids.
type Rooms struct {
	db *sql.DB
}

// NewRooms returns a directory backed by db.
func NewRooms(db *sql.DB) *Rooms { return &Rooms{db: db} }

// RoomBinding is one directory entry.
type RoomBinding struct {
	Name      string
	RoomID    string
	UpdatedAt time.Time
}

// Bind upserts the binding for name. Last writer wins on name collision;
// rebinding the same name is idempotent.
func (r *Rooms) Bind(ctx context.Context, name, roomID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO rooms (room_name, room_id, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (room_name) DO UPDATE SET room_id=EXCLUDED.room_id, updated_at=NOW()`, name, roomID)
	if err != nil {
		return fmt.Errorf("bind room %q: %w", name, err)
	}
	return nil
}

// Lookup resolves name to its bound room id. Returns ErrNotFound when the
// name was never bound.
func (r *Rooms) Lookup(ctx context.Context, name string) (string, error) {
	var roomID string
	err := r.db.QueryRowContext(ctx, `SELECT room_id FROM rooms WHERE room_name=$1`, name).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup room %q: %w", name, err)
	}
	return roomID, nil
}

// RebindID moves every binding pointing at oldID to newID and returns the
// number of bindings moved. A single UPDATE keeps the migration atomic:
// concurrent lookups observe either the old id or the new id, never neither.
func (r *Rooms) RebindID(ctx context.Context, oldID, newID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE rooms SET room_id=$2, updated_at=NOW() WHERE room_id=$1`, oldID, newID)
	if err != nil {
		return 0, fmt.Errorf("rebind room id %q: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rebind room id %q: rows affected: %w", oldID, err)
	}
	return n, nil
}

// List returns all current bindings ordered by name.
func (r *Rooms) List(ctx context.Context) ([]RoomBinding, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT room_name, room_id, COALESCE(updated_at, created_at) FROM rooms ORDER BY room_name`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var out []RoomBinding
	for rows.Next() {
		var b RoomBinding
		if err := rows.Scan(&b.Name, &b.RoomID, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list rooms: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return out, nil
}

// Count returns the number of bound rooms.
func (r *Rooms) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return n, nil
}
