// Package store implements the persistent room directory and message ledger.
//
// Two tables back the relay:
//   - rooms: logical room name -> Matrix room id bindings, superseded in place
//     and never deleted. Mutated by the admin bind command and by room
//     tombstone migration.
//   - messages: one row per relayed message linking the source message id to
//     the Matrix event it produced. Rows are soft-deleted (deleted flag) so
//     the ledger stays a full audit trail.
//
// All access goes through Rooms/Messages; callers hold no cached copies, so a
// process restart always resumes from a single source of truth.
package store

import "errors"

// ErrNotFound is returned by lookups when no matching row exists.
var ErrNotFound = errors.New("store: not found")
