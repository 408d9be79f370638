package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/messagerelay/store"
	"github.com/onnwee/messagerelay/testutil"
)

type fakeRooms struct {
	mu       sync.Mutex
	bindings map[string]string
}

func (f *fakeRooms) Lookup(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.bindings[name]; ok {
		return id, nil
	}
	return "", store.ErrNotFound
}

type ledgerRow struct {
	roomName, roomID, eventID, content string
	deleted                            bool
}

type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*ledgerRow
}

func newFakeLedger() *fakeLedger { return &fakeLedger{rows: make(map[string]*ledgerRow)} }

func (f *fakeLedger) Record(_ context.Context, roomName, roomID, messageID, eventID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[messageID] = &ledgerRow{roomName: roomName, roomID: roomID, eventID: eventID, content: content}
	return nil
}

func (f *fakeLedger) LookupEvent(_ context.Context, messageID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[messageID]
	if !ok || row.deleted {
		return "", "", store.ErrNotFound
	}
	return row.roomID, row.eventID, nil
}

func (f *fakeLedger) MarkDeleted(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[messageID]; ok {
		row.deleted = true
	}
	return nil
}

func (f *fakeLedger) row(messageID string) (ledgerRow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[messageID]; ok {
		return *row, true
	}
	return ledgerRow{}, false
}

type sendCall struct{ roomID, content string }
type redactCall struct{ roomID, eventID, reason string }

type fakeSender struct {
	mu        sync.Mutex
	sends     []sendCall
	redacts   []redactCall
	sendErr   error
	redactErr error
}

func (f *fakeSender) SendMarkdown(_ context.Context, roomID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, sendCall{roomID: roomID, content: content})
	return fmt.Sprintf("$evt-%d", len(f.sends)), nil
}

func (f *fakeSender) Redact(_ context.Context, roomID, eventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redactErr != nil {
		return f.redactErr
	}
	f.redacts = append(f.redacts, redactCall{roomID: roomID, eventID: eventID, reason: reason})
	return nil
}

func (f *fakeSender) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeSender) setRedactErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redactErr = err
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeSender) redactCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.redacts)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type sessionHarness struct {
	src    *testutil.MockSourceServer
	rooms  *fakeRooms
	ledger *fakeLedger
	sender *fakeSender
	runErr chan error
}

func startSession(t *testing.T, cfg Config) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		src:    testutil.NewMockSourceServer(t),
		rooms:  &fakeRooms{bindings: map[string]string{"general": "!abc:server"}},
		ledger: newFakeLedger(),
		sender: &fakeSender{},
		runErr: make(chan error, 1),
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	cfg.APIURI = h.src.WSURL()
	sess := NewSession(cfg, h.rooms, h.ledger, h.sender)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.runErr <- sess.Run(ctx) }()

	select {
	case auth := <-h.src.AuthFrames:
		if auth["type"] != "code" || auth["code"] != cfg.APIKey {
			t.Fatalf("unexpected auth frame: %v", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no auth frame received")
	}
	return h
}

func (h *sessionHarness) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func TestRunRefusesWithoutConfig(t *testing.T) {
	sess := NewSession(Config{}, &fakeRooms{}, newFakeLedger(), &fakeSender{})
	if err := sess.Run(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Run() = %v, want ErrNotConfigured", err)
	}
	sess = NewSession(Config{APIKey: "k"}, &fakeRooms{}, newFakeLedger(), &fakeSender{})
	if err := sess.Run(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Run() without uri = %v, want ErrNotConfigured", err)
	}
}

func TestCreateRelaysAndRecords(t *testing.T) {
	h := startSession(t, Config{})

	h.src.Push(t, map[string]string{"type": "verified"})
	h.src.Push(t, map[string]string{"type": "create", "id": "m1", "target": "general", "content": "hi"})
	waitFor(t, func() bool { return h.sender.sendCount() == 1 })

	if got := h.sender.sends[0]; got.roomID != "!abc:server" || got.content != "hi" {
		t.Errorf("send call = %+v, want room !abc:server content hi", got)
	}
	waitFor(t, func() bool { _, ok := h.ledger.row("m1"); return ok })
	row, _ := h.ledger.row("m1")
	if row.roomName != "general" || row.roomID != "!abc:server" || row.eventID != "$evt-1" || row.content != "hi" || row.deleted {
		t.Errorf("ledger row = %+v", row)
	}

	h.src.CloseConn()
	if err := h.waitExit(t); err == nil {
		t.Error("expected transport error after close")
	}
}

func TestCreateUnboundTargetDropped(t *testing.T) {
	h := startSession(t, Config{})

	h.src.Push(t, map[string]string{"type": "create", "id": "m1", "target": "nowhere", "content": "hi"})
	// The loop must survive the miss: a following bound create still relays.
	h.src.Push(t, map[string]string{"type": "create", "id": "m2", "target": "general", "content": "next"})
	waitFor(t, func() bool { return h.sender.sendCount() == 1 })

	if got := h.sender.sends[0].content; got != "next" {
		t.Errorf("relayed content = %q, want next", got)
	}
	if _, ok := h.ledger.row("m1"); ok {
		t.Error("unbound create produced a ledger row")
	}
}

func TestCreateSendFailureNotRecorded(t *testing.T) {
	h := startSession(t, Config{})
	h.sender.setSendErr(errors.New("homeserver unavailable"))

	h.src.Push(t, map[string]string{"type": "create", "id": "m1", "target": "general", "content": "hi"})
	h.src.CloseConn()
	_ = h.waitExit(t)

	if _, ok := h.ledger.row("m1"); ok {
		t.Error("failed send produced a ledger row")
	}
}

func TestDeleteRedactsAndMarksDeleted(t *testing.T) {
	h := startSession(t, Config{RedactReason: "pulled by source"})
	if err := h.ledger.Record(context.Background(), "general", "!abc:server", "m1", "$evt-9", "hi"); err != nil {
		t.Fatal(err)
	}

	h.src.Push(t, map[string]string{"type": "delete", "id": "m1"})
	waitFor(t, func() bool { return h.sender.redactCount() == 1 })

	got := h.sender.redacts[0]
	if got.roomID != "!abc:server" || got.eventID != "$evt-9" || got.reason != "pulled by source" {
		t.Errorf("redact call = %+v", got)
	}
	waitFor(t, func() bool { row, ok := h.ledger.row("m1"); return ok && row.deleted })
	row, _ := h.ledger.row("m1")
	if row.eventID != "$evt-9" {
		t.Errorf("soft delete erased the event id: %+v", row)
	}
}

func TestDeleteDefaultRedactReason(t *testing.T) {
	h := startSession(t, Config{})
	if err := h.ledger.Record(context.Background(), "general", "!abc:server", "m1", "$evt-9", "hi"); err != nil {
		t.Fatal(err)
	}

	h.src.Push(t, map[string]string{"type": "delete", "id": "m1"})
	waitFor(t, func() bool { return h.sender.redactCount() == 1 })

	if got := h.sender.redacts[0].reason; got != "deleted with MessageRelayLight" {
		t.Errorf("redact reason = %q, want deleted with MessageRelayLight", got)
	}
}

func TestDeleteUnknownIDKeepsLoopAlive(t *testing.T) {
	h := startSession(t, Config{})

	h.src.Push(t, map[string]string{"type": "delete", "id": "ghost"})
	h.src.Push(t, map[string]string{"type": "create", "id": "m1", "target": "general", "content": "after"})
	waitFor(t, func() bool { return h.sender.sendCount() == 1 })

	if h.sender.redactCount() != 0 {
		t.Errorf("redact called for unknown id: %+v", h.sender.redacts)
	}
}

func TestDeleteRedactFailureLeavesFlagUnset(t *testing.T) {
	h := startSession(t, Config{})
	if err := h.ledger.Record(context.Background(), "general", "!abc:server", "m1", "$evt-9", "hi"); err != nil {
		t.Fatal(err)
	}
	h.sender.setRedactErr(errors.New("M_FORBIDDEN"))

	h.src.Push(t, map[string]string{"type": "delete", "id": "m1"})
	h.src.CloseConn()
	_ = h.waitExit(t)
	row, _ := h.ledger.row("m1")
	if row.deleted {
		t.Error("deleted flag set although redaction failed")
	}
}

func TestUnknownFrameTypesIgnored(t *testing.T) {
	h := startSession(t, Config{})

	h.src.Push(t, map[string]string{"type": "presence", "id": "x"})
	h.src.Push(t, map[string]string{"type": "create", "id": "m1", "target": "general", "content": "hi"})
	waitFor(t, func() bool { return h.sender.sendCount() == 1 })
}

func TestVerifiedMovesSessionToStreaming(t *testing.T) {
	src := testutil.NewMockSourceServer(t)
	sess := NewSession(Config{APIKey: "k", APIURI: src.WSURL()},
		&fakeRooms{}, newFakeLedger(), &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	<-src.AuthFrames

	src.Push(t, map[string]string{"type": "verified"})
	waitFor(t, func() bool { return sess.State() == StateStreaming })

	src.CloseConn()
	<-runErr
	if got := sess.State(); got != StateDisconnected {
		t.Errorf("state after exit = %v, want disconnected", got)
	}
}

func TestMalformedFrameEndsSession(t *testing.T) {
	h := startSession(t, Config{})

	h.src.PushRaw(`{"type":"create"`)
	if err := h.waitExit(t); err == nil {
		t.Fatal("expected decode error to end the session")
	}
}

func TestContextCancelStopsSession(t *testing.T) {
	src := testutil.NewMockSourceServer(t)
	sess := NewSession(Config{APIKey: "k", APIURI: src.WSURL()},
		&fakeRooms{}, newFakeLedger(), &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	<-src.AuthFrames

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}
