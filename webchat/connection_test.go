// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/segmentio/encoding/json"
)

// fakeServer is a minimal stand-in for the wire protocol's server side: it
// upgrades the socket and records it, then hands every inbound frame to
// onFrame when set, or otherwise replies ready_for_message to any register
// frame.
type fakeServer struct {
	mu        sync.Mutex
	conns     []*websocket.Conn
	onFrame   func(conn *websocket.Conn, frame map[string]any)
	refuseAll bool
}

func newFakeServer(t *testing.T) (*httptest.Server, *fakeServer) {
	t.Helper()
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.refuseAll {
			http.Error(w, "refused", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var frame map[string]any
				if err := json.Unmarshal(data, &frame); err != nil {
					continue
				}
				if fs.onFrame != nil {
					fs.onFrame(conn, frame)
					continue
				}
				if t, _ := frame["type"].(string); t == "register" {
					reply, _ := json.Marshal(map[string]any{"type": "ready_for_message"})
					conn.WriteMessage(websocket.TextMessage, reply)
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv, fs
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestConnection(t *testing.T, url string) (*Connection, *EventBus) {
	t.Helper()
	bus := NewEventBus()
	cfg := DefaultConfig()
	cfg.SocketURL = url
	cfg = cfg.normalize()
	retry := NewRetryPolicy(10*time.Millisecond, 50*time.Millisecond, 2, false, 0)
	conn := NewConnection(cfg, bus, retry, nil)
	t.Cleanup(func() { conn.Destroy() })
	return conn, bus
}

func TestConnectionHandshakeCompletes(t *testing.T) {
	srv, _ := newFakeServer(t)
	conn, _ := newTestConnection(t, wsURL(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.ConnectAndWait(ctx, RegistrationData{SessionID: "1@host", Callback: "https://host/c", SessionType: "session"}); err != nil {
		t.Fatalf("ConnectAndWait: %v", err)
	}
	if got := conn.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
}

func TestConnectionDispatchesInboundFrames(t *testing.T) {
	srv, fs := newFakeServer(t)
	fs.onFrame = func(c *websocket.Conn, frame map[string]any) {
		if tt, _ := frame["type"].(string); tt == "register" {
			reply, _ := json.Marshal(map[string]any{"type": "ready_for_message"})
			c.WriteMessage(websocket.TextMessage, reply)
			msg, _ := json.Marshal(map[string]any{
				"type": "message",
				"id":   "m1",
				"message": map[string]any{
					"type": "text",
					"text": "hi",
				},
			})
			c.WriteMessage(websocket.TextMessage, msg)
		}
	}
	conn, _ := newTestConnection(t, wsURL(srv.URL))

	received := make(chan map[string]any, 1)
	conn.OnFrame = func(frame map[string]any) { received <- frame }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.ConnectAndWait(ctx, RegistrationData{SessionID: "1@host", Callback: "https://host/c", SessionType: "session"}); err != nil {
		t.Fatalf("ConnectAndWait: %v", err)
	}

	select {
	case frame := <-received:
		if frame["type"] != "message" {
			t.Errorf("dispatched frame = %v, want type=message", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message frame was never dispatched to OnFrame")
	}
}

func TestConnectionReconnectsAfterServerClose(t *testing.T) {
	srv, fs := newFakeServer(t)
	conn, bus := newTestConnection(t, wsURL(srv.URL))

	reconnecting := make(chan struct{}, 1)
	bus.Subscribe(EventReconnecting, func(any) {
		select {
		case reconnecting <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.ConnectAndWait(ctx, RegistrationData{SessionID: "1@host", Callback: "https://host/c", SessionType: "session"}); err != nil {
		t.Fatalf("ConnectAndWait: %v", err)
	}

	fs.mu.Lock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.mu.Unlock()

	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnecting event was not emitted after the server closed the socket")
	}
}

func TestConnectionDisconnectPermanentStopsReconnect(t *testing.T) {
	srv, _ := newFakeServer(t)
	conn, bus := newTestConnection(t, wsURL(srv.URL))

	reconnecting := make(chan struct{}, 1)
	bus.Subscribe(EventReconnecting, func(any) {
		select {
		case reconnecting <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.ConnectAndWait(ctx, RegistrationData{SessionID: "1@host", Callback: "https://host/c", SessionType: "session"}); err != nil {
		t.Fatalf("ConnectAndWait: %v", err)
	}
	conn.Disconnect(true)

	select {
	case <-reconnecting:
		t.Fatal("reconnect was attempted after a permanent Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
	if got := conn.State(); got != StateDisconnected {
		t.Errorf("State() after permanent Disconnect = %v, want %v", got, StateDisconnected)
	}
}
