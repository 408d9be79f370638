package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Directory is the room directory surface the bot mutates.
type Directory interface {
	Bind(ctx context.Context, name, roomID string) error
	RebindID(ctx context.Context, oldID, newID string) (int64, error)
}

// replier sends plain-text confirmations back into the invoking room.
type replier interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// Bot listens on the Matrix sync stream for the admin bind command and for
// room tombstone events. Binding is gated on a single static admin identity;
// tombstones are trusted server events and migrate the directory
// unconditionally.
type Bot struct {
	client *Client
	rooms  Directory
	admin  id.UserID
	self   id.UserID
	reply  replier

	started time.Time
}

// NewBot builds the listener. admin may be empty, in which case every bind
// attempt is denied.
func NewBot(client *Client, rooms Directory, admin string) *Bot {
	return &Bot{
		client:  client,
		rooms:   rooms,
		admin:   id.UserID(admin),
		self:    client.mx.UserID,
		reply:   client.mx,
		started: time.Now(),
	}
}

// Run registers the handlers and blocks in the sync loop until ctx is
// canceled.
func (b *Bot) Run(ctx context.Context) error {
	syncer, ok := b.client.mx.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return fmt.Errorf("matrix bot: syncer %T is not extensible", b.client.mx.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessage)
	syncer.OnEventType(event.StateTombstone, b.handleTombstone)
	slog.Info("matrix bot listening", slog.String("admin", b.admin.String()), slog.String("component", "bot"))
	if err := b.client.mx.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix sync: %w", err)
	}
	return nil
}

func isBindCommand(word string) bool {
	switch word {
	case "!mrroom", "!messagerelay", "!mr-room":
		return true
	}
	return false
}

func (b *Bot) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.self {
		return
	}
	// Sync replays recent history on startup; only react to live commands.
	if evt.Timestamp < b.started.UnixMilli() {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	fields := strings.Fields(msg.Body)
	if len(fields) == 0 || !isBindCommand(fields[0]) {
		return
	}
	b.handleBind(ctx, evt, fields[1:])
}

func (b *Bot) handleBind(ctx context.Context, evt *event.Event, args []string) {
	log := slog.Default().With(
		slog.String("component", "bot"),
		slog.String("sender", evt.Sender.String()),
		slog.String("room_id", evt.RoomID.String()))

	if len(args) != 1 {
		b.respond(ctx, evt.RoomID, "usage: !mrroom <room_name>")
		return
	}
	if b.admin == "" || evt.Sender != b.admin {
		log.Warn("bind command denied")
		b.respond(ctx, evt.RoomID, "you are not allowed to bind rooms")
		return
	}
	name := args[0]
	if err := b.rooms.Bind(ctx, name, evt.RoomID.String()); err != nil {
		log.Error("bind failed", slog.String("room_name", name), slog.Any("err", err))
		b.respond(ctx, evt.RoomID, fmt.Sprintf("binding %s failed, see the relay logs", name))
		return
	}
	log.Info("room bound", slog.String("room_name", name))
	b.respond(ctx, evt.RoomID, fmt.Sprintf("Binding %s to this room", name))
}

func (b *Bot) handleTombstone(ctx context.Context, evt *event.Event) {
	tomb := evt.Content.AsTombstone()
	if tomb == nil || tomb.ReplacementRoom == "" {
		return
	}
	n, err := b.rooms.RebindID(ctx, evt.RoomID.String(), tomb.ReplacementRoom.String())
	if err != nil {
		slog.Error("tombstone rebind failed",
			slog.String("old_room_id", evt.RoomID.String()),
			slog.String("new_room_id", tomb.ReplacementRoom.String()),
			slog.Any("err", err),
			slog.String("component", "bot"))
		return
	}
	if n > 0 {
		slog.Info("followed room tombstone",
			slog.String("old_room_id", evt.RoomID.String()),
			slog.String("new_room_id", tomb.ReplacementRoom.String()),
			slog.Int64("bindings_moved", n),
			slog.String("component", "bot"))
	}
}

func (b *Bot) respond(ctx context.Context, roomID id.RoomID, text string) {
	if _, err := b.reply.SendText(ctx, roomID, text); err != nil {
		slog.Warn("bot reply failed", slog.String("room_id", roomID.String()), slog.Any("err", err), slog.String("component", "bot"))
	}
}
