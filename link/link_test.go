package link

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cowatch/relay"
	"cowatch/signal"
)

func wsBase(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestLinkAgainstRelay(t *testing.T) {
	server := httptest.NewServer(relay.NewServer(0).Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Dial(ctx, wsBase(server), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer l.Close()

	joined := make(chan signal.JoinedRoomPayload, 1)
	l.On(signal.EventJoinedRoom, func(data json.RawMessage) {
		payload, err := signal.DecodePayload[signal.JoinedRoomPayload](data)
		if err != nil {
			t.Errorf("decode joined-room: %v", err)
			return
		}
		joined <- payload
	})

	if err := l.Emit(signal.EventJoin, signal.JoinPayload{Room: "LNK234", IsHost: true}); err != nil {
		t.Fatalf("Emit join failed: %v", err)
	}

	select {
	case payload := <-joined:
		if payload.RoomCode != "LNK234" {
			t.Errorf("expected room LNK234, got %s", payload.RoomCode)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for joined-room")
	}

	data, err := l.EmitWithAck(ctx, signal.EventCheckRoom, "LNK234")
	if err != nil {
		t.Fatalf("EmitWithAck failed: %v", err)
	}
	status, err := signal.DecodePayload[signal.RoomStatus](data)
	if err != nil {
		t.Fatalf("decode room status: %v", err)
	}
	if !status.Exists {
		t.Error("expected room to exist")
	}
}

func TestLinkReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var accepted atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the first connection right away to force a reconnect.
		if accepted.Add(1) == 1 {
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Dial(ctx, wsBase(server), Options{ReconnectWait: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer l.Close()

	var sawDisconnect, sawReconnecting bool
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-l.Notices():
			switch n.Kind {
			case NoticeDisconnected:
				sawDisconnect = true
			case NoticeReconnecting:
				sawReconnecting = true
			case NoticeReconnected:
				if !sawDisconnect || !sawReconnecting {
					t.Error("reconnected without disconnect/reconnecting notices")
				}
				if !l.Connected() {
					t.Error("link should report connected after reconnect")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reconnect")
		}
	}
}

func TestLinkCloseStopsReconnect(t *testing.T) {
	server := httptest.NewServer(relay.NewServer(0).Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Dial(ctx, wsBase(server), Options{ReconnectWait: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := l.Emit(signal.EventPing, nil); err == nil {
		t.Error("expected Emit on closed link to fail")
	}

	// No reconnecting notice should arrive after a local close.
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case n := <-l.Notices():
			if n.Kind == NoticeReconnecting || n.Kind == NoticeReconnected {
				t.Errorf("unexpected %s notice after Close", n.Kind)
			}
		case <-deadline:
			return
		}
	}
}
