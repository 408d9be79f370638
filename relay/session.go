package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/messagerelay/store"
	"github.com/onnwee/messagerelay/telemetry"
)

// ErrNotConfigured is returned by Run when the api key or uri is empty.
// It is fatal for the session: the supervisor stops instead of retrying.
var ErrNotConfigured = errors.New("relay: api key or uri not set")

// RoomDirectory resolves logical room names to Matrix room ids.
type RoomDirectory interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// MessageLedger records relayed messages and resolves delete instructions.
type MessageLedger interface {
	Record(ctx context.Context, roomName, roomID, messageID, eventID, content string) error
	LookupEvent(ctx context.Context, messageID string) (roomID, eventID string, err error)
	MarkDeleted(ctx context.Context, messageID string) error
}

// Sender is the chat client adapter: it delivers markdown messages to rooms
// and redacts previously sent events.
type Sender interface {
	SendMarkdown(ctx context.Context, roomID, content string) (eventID string, err error)
	Redact(ctx context.Context, roomID, eventID, reason string) error
}

// State is the session's transport state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Config holds the session's connection parameters.
type Config struct {
	APIKey       string
	APIURI       string
	RedactReason string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// Session relays messages from a websocket source into Matrix rooms. It owns
// one connection at a time; Run blocks until the connection ends. All
// collaborators are injected at construction, so a Session is fully usable
// the moment NewSession returns.
type Session struct {
	cfg    Config
	rooms  RoomDirectory
	ledger MessageLedger
	sender Sender

	// Dialer overrides the default websocket dialer (tests).
	Dialer *websocket.Dialer

	state atomic.Int32
}

// NewSession builds a session with zero-value config fields replaced by
// defaults.
func NewSession(cfg Config, rooms RoomDirectory, ledger MessageLedger, sender Sender) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RedactReason == "" {
		cfg.RedactReason = "deleted with MessageRelayLight"
	}
	return &Session{cfg: cfg, rooms: rooms, ledger: ledger, sender: sender}
}

// State reports the current transport state for the status endpoint.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run connects, authenticates, and processes inbound frames strictly
// sequentially until the connection ends or ctx is canceled. Frames are
// dispatched one at a time: a slow send delays subsequent instructions, and
// in exchange the directory and ledger see no concurrent writers from this
// session.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.APIURI == "" {
		return ErrNotConfigured
	}

	s.setState(StateConnecting)
	defer func() {
		s.setState(StateDisconnected)
		telemetry.SetConnected(false)
	}()

	dialer := s.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.APIURI, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.APIURI, err)
	}
	defer conn.Close()

	// Unblock the read loop when ctx is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.setState(StateAuthenticating)
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(authFrame{Type: "code", Code: s.cfg.APIKey}); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}
	slog.Info("relay session authenticating", slog.String("uri", s.cfg.APIURI), slog.String("component", "relay"))

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	go s.pingLoop(done, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		frame, err := DecodeFrame(data)
		if err != nil {
			// Malformed JSON means the stream framing can't be trusted;
			// reconnect rather than resync.
			return err
		}
		s.dispatch(ctx, frame)
	}
}

func (s *Session) pingLoop(done <-chan struct{}, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// dispatch handles one frame. Every failure below the transport is logged and
// dropped; only Run's caller sees errors, and only transport-level ones.
func (s *Session) dispatch(ctx context.Context, f Frame) {
	telemetry.IncFrame(f.Kind.String())
	ctx, span := telemetry.StartSpan(ctx, "relay", "frame."+f.Kind.String())
	defer span.End()

	switch f.Kind {
	case FrameVerified:
		s.setState(StateStreaming)
		telemetry.SetConnected(true)
		slog.Info("relay source verified", slog.String("uri", s.cfg.APIURI), slog.String("component", "relay"))
	case FrameError:
		slog.Error("relay source reported error", slog.String("msg", f.Msg), slog.String("component", "relay"))
	case FrameCreate:
		if err := s.handleCreate(ctx, f); err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.SetSpanSuccess(span)
	case FrameDelete:
		if err := s.handleDelete(ctx, f); err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.SetSpanSuccess(span)
	default:
		slog.Debug("ignoring unknown frame type", slog.String("type", f.RawType), slog.String("component", "relay"))
	}
}

func (s *Session) handleCreate(ctx context.Context, f Frame) error {
	log := slog.Default().With(slog.String("component", "relay"), slog.String("message_id", f.ID))
	log.Info("relay instruction", slog.String("target", f.Target))

	roomID, err := s.rooms.Lookup(ctx, f.Target)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("target not bound to a room", slog.String("target", f.Target))
		telemetry.IncDropped("unbound_target")
		return fmt.Errorf("target %s not bound: %w", f.Target, err)
	}
	if err != nil {
		log.Error("room lookup failed", slog.Any("err", err))
		telemetry.IncDropped("persistence")
		return fmt.Errorf("room lookup: %w", err)
	}

	start := time.Now()
	eventID, err := s.sender.SendMarkdown(ctx, roomID, f.Content)
	if err != nil {
		log.Error("send failed", slog.String("room_id", roomID), slog.Any("err", err))
		telemetry.IncDropped("send_failed")
		return fmt.Errorf("send: %w", err)
	}
	telemetry.ObserveSend(time.Since(start))
	telemetry.IncRelayed()
	log.Info("message relayed", slog.String("room_id", roomID), slog.String("event_id", eventID))

	if err := s.ledger.Record(ctx, f.Target, roomID, f.ID, eventID, f.Content); err != nil {
		// The message is already visible in the room; the ledger misses the
		// row until the source resends the id (Record upserts).
		log.Error("ledger record failed", slog.Any("err", err))
		telemetry.IncDropped("persistence")
		return fmt.Errorf("ledger record: %w", err)
	}
	return nil
}

func (s *Session) handleDelete(ctx context.Context, f Frame) error {
	log := slog.Default().With(slog.String("component", "relay"), slog.String("message_id", f.ID))
	log.Info("delete instruction")

	roomID, eventID, err := s.ledger.LookupEvent(ctx, f.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("no ledger row for delete instruction")
		telemetry.IncDropped("unknown_message")
		return fmt.Errorf("message %s not in ledger: %w", f.ID, err)
	}
	if err != nil {
		log.Error("ledger lookup failed", slog.Any("err", err))
		telemetry.IncDropped("persistence")
		return fmt.Errorf("ledger lookup: %w", err)
	}

	if err := s.sender.Redact(ctx, roomID, eventID, s.cfg.RedactReason); err != nil {
		// Leave the deleted flag unset so a resent delete can retry.
		log.Error("redact failed", slog.String("room_id", roomID), slog.String("event_id", eventID), slog.Any("err", err))
		telemetry.IncRedaction(false)
		return fmt.Errorf("redact: %w", err)
	}
	telemetry.IncRedaction(true)
	log.Info("message redacted", slog.String("room_id", roomID), slog.String("event_id", eventID))

	if err := s.ledger.MarkDeleted(ctx, f.ID); err != nil {
		log.Error("ledger mark deleted failed", slog.Any("err", err))
		telemetry.IncDropped("persistence")
		return fmt.Errorf("ledger mark deleted: %w", err)
	}
	return nil
}
