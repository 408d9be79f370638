package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/messagerelay/store"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	ctx        context.Context
	rooms      *store.Rooms
	messages   *store.Messages
	relayState func() string
	started    time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, relayState func() string) *Handlers {
	return &Handlers{
		db:         db,
		ctx:        ctx,
		rooms:      store.NewRooms(db),
		messages:   store.NewMessages(db),
		relayState: relayState,
		started:    time.Now(),
	}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"relay", func() error {
			if h.relayState == nil {
				return nil
			}
			if state := h.relayState(); state == "streaming" || state == "authenticating" {
				return nil
			}
			return fmt.Errorf("relay session not connected")
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusMessage struct {
	MessageID string `json:"message_id"`
	RoomName  string `json:"room_name"`
	Deleted   bool   `json:"deleted"`
}

type statusResponse struct {
	RelayState      string          `json:"relay_state"`
	RoomsBound      int             `json:"rooms_bound"`
	MessagesRelayed int             `json:"messages_relayed"`
	MessagesDeleted int             `json:"messages_deleted"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	Recent          []statusMessage `json:"recent"`
}

// HandleStatus reports relay state plus directory and ledger counts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		RelayState:    "unknown",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.relayState != nil {
		resp.RelayState = h.relayState()
	}

	var err error
	if resp.RoomsBound, err = h.rooms.Count(ctx); err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}
	if resp.MessagesRelayed, resp.MessagesDeleted, err = h.messages.Counts(ctx); err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}
	recent, err := h.messages.Recent(ctx, 5)
	if err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}
	for _, m := range recent {
		resp.Recent = append(resp.Recent, statusMessage{MessageID: m.MessageID, RoomName: m.RoomName, Deleted: m.Deleted})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
