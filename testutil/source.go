package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockSourceServer is a websocket test double for the relay message source.
// It accepts one connection at a time, captures the client's auth frame, and
// streams frames pushed via Push to the connected client.
type MockSourceServer struct {
	Server *httptest.Server

	// AuthFrames receives the first JSON object each connection sends.
	AuthFrames chan map[string]any

	outbound  chan []byte
	closeOnce sync.Once
	closeConn chan struct{}
}

// NewMockSourceServer starts the server; it is closed via t.Cleanup.
func NewMockSourceServer(t *testing.T) *MockSourceServer {
	t.Helper()
	m := &MockSourceServer{
		AuthFrames: make(chan map[string]any, 4),
		outbound:   make(chan []byte, 16),
		closeConn:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		m.AuthFrames <- auth

		// Keep reading so client control frames (pings) get processed.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case data := <-m.outbound:
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-m.closeConn:
				// Drain queued frames so the close frame is always last.
				for {
					select {
					case data := <-m.outbound:
						if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
							return
						}
						continue
					default:
					}
					break
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			case <-readerDone:
				return
			}
		}
	}))
	t.Cleanup(m.Server.Close)
	return m
}

// WSURL returns the ws:// address of the server.
func (m *MockSourceServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http")
}

// Push marshals v and queues it for the connected client.
func (m *MockSourceServer) Push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	m.outbound <- data
}

// PushRaw queues a raw text frame, bypassing JSON marshaling.
func (m *MockSourceServer) PushRaw(raw string) { m.outbound <- []byte(raw) }

// CloseConn sends a close frame to the connected client.
func (m *MockSourceServer) CloseConn() {
	m.closeOnce.Do(func() { close(m.closeConn) })
}
