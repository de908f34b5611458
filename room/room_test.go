package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cowatch/link"
	"cowatch/relay"
	"cowatch/signal"
)

func dialLink(t *testing.T, server *httptest.Server) *link.Link {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := link.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), link.Options{ReconnectWait: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial link: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func waitForEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestJoinNormalizesLowercaseCode(t *testing.T) {
	server := httptest.NewServer(relay.NewServer(0).Handler())
	defer server.Close()

	host := NewManager(dialLink(t, server), Options{})
	defer host.Close()
	guest := NewManager(dialLink(t, server), Options{})
	defer guest.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	confirmed, err := host.Join(ctx, "ABC234", RoleHost)
	if err != nil {
		t.Fatalf("host join failed: %v", err)
	}
	if confirmed.RoomCode != "ABC234" {
		t.Fatalf("host confirmed in %s", confirmed.RoomCode)
	}

	// Guest types the code in lowercase; both must resolve to the same room.
	confirmed, err = guest.Join(ctx, "abc234", RoleGuest)
	if err != nil {
		t.Fatalf("guest join failed: %v", err)
	}
	if confirmed.RoomCode != "ABC234" {
		t.Errorf("guest confirmed in %s, want ABC234", confirmed.RoomCode)
	}
	if confirmed.UsersCount != 2 {
		t.Errorf("expected 2 users, got %d", confirmed.UsersCount)
	}

	e := waitForEvent(t, host.Events(), EventPartnerJoined)
	if e.UserID == "" {
		t.Error("partner-joined event missing user id")
	}

	guest.Leave()
	waitForEvent(t, host.Events(), EventPartnerLeft)
}

func TestJoinRejectsBadCode(t *testing.T) {
	server := httptest.NewServer(relay.NewServer(0).Handler())
	defer server.Close()

	m := NewManager(dialLink(t, server), Options{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := m.Join(ctx, "!!", RoleHost); err == nil {
		t.Error("expected invalid code to be rejected")
	}
}

// scriptedRelay answers joins with joined-room and check-room acks with a
// scripted existence sequence, counting the joins it sees.
func scriptedRelay(t *testing.T, exists []bool, joins *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var checks atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env signal.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Event {
			case signal.EventJoin:
				n := joins.Add(1)
				payload, _ := signal.DecodePayload[signal.JoinPayload](env.Data)
				data, _ := json.Marshal(signal.JoinedRoomPayload{RoomCode: payload.Room, IsHost: payload.IsHost, UsersCount: int(n)})
				conn.WriteJSON(signal.Envelope{Event: signal.EventJoinedRoom, Data: data})
			case signal.EventCheckRoom:
				i := int(checks.Add(1)) - 1
				ex := true
				if i < len(exists) {
					ex = exists[i]
				}
				data, _ := json.Marshal(signal.RoomStatus{Exists: ex, UsersCount: 1})
				conn.WriteJSON(signal.Envelope{Event: signal.EventAck, Ack: env.Ack, Data: data})
			}
		}
	}))
}

func TestFailedVerificationRetriesJoinOnce(t *testing.T) {
	var joins atomic.Int32
	server := scriptedRelay(t, []bool{false, true}, &joins)
	defer server.Close()

	m := NewManager(dialLink(t, server), Options{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Join(ctx, "RTY234", RoleHost); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if got := joins.Load(); got != 2 {
		t.Errorf("expected exactly 2 join attempts (first try + single retry), got %d", got)
	}
}

func TestSelfCheckRejoinsOnlyAfterPartnerSeen(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var joins atomic.Int32
	pushPartner := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var wmu sync.Mutex
		write := func(env signal.Envelope) {
			wmu.Lock()
			defer wmu.Unlock()
			conn.WriteJSON(env)
		}
		go func() {
			<-pushPartner
			data, _ := json.Marshal("partner-id")
			write(signal.Envelope{Event: signal.EventUserJoined, Data: data})
		}()
		for {
			var env signal.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Event {
			case signal.EventJoin:
				joins.Add(1)
				payload, _ := signal.DecodePayload[signal.JoinPayload](env.Data)
				data, _ := json.Marshal(signal.JoinedRoomPayload{RoomCode: payload.Room, IsHost: payload.IsHost, UsersCount: 1})
				write(signal.Envelope{Event: signal.EventJoinedRoom, Data: data})
			case signal.EventCheckRoom:
				// The room always reports one member short.
				data, _ := json.Marshal(signal.RoomStatus{Exists: true, UsersCount: 1})
				write(signal.Envelope{Event: signal.EventAck, Ack: env.Ack, Data: data})
			}
		}
	}))
	defer server.Close()

	m := NewManager(dialLink(t, server), Options{
		CheckInterval: 25 * time.Millisecond,
		InitialDelay:  10 * time.Millisecond,
		IdleThreshold: time.Hour,
	})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Join(ctx, "SLF234", RoleHost); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// No partner ever appeared: a count of one is just a room still waiting,
	// so the self-check must not spam rejoins.
	time.Sleep(150 * time.Millisecond)
	if got := joins.Load(); got != 1 {
		t.Fatalf("rejoined with no partner ever seen, joins=%d", got)
	}

	// Once a partner has been seen, the short count means they dropped and the
	// self-check refreshes membership.
	close(pushPartner)
	waitForEvent(t, m.Events(), EventPartnerJoined)
	deadline := time.After(3 * time.Second)
	for joins.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("no rejoin after the partner dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReconnectReplaysJoinIntent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	rejoined := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		first := conns.Add(1) == 1
		for {
			var env signal.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event != signal.EventJoin {
				continue
			}
			payload, _ := signal.DecodePayload[signal.JoinPayload](env.Data)
			if first {
				data, _ := json.Marshal(signal.JoinedRoomPayload{RoomCode: payload.Room, IsHost: payload.IsHost, UsersCount: 1})
				conn.WriteJSON(signal.Envelope{Event: signal.EventJoinedRoom, Data: data})
				// Drop the socket to force a reconnect.
				return
			}
			rejoined <- payload.Room
		}
	}))
	defer server.Close()

	m := NewManager(dialLink(t, server), Options{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Verification will fail on the dropped socket; Join degrades gracefully.
	if _, err := m.Join(ctx, "RCN234", RoleHost); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	select {
	case code := <-rejoined:
		if code != "RCN234" {
			t.Errorf("rejoined wrong room %s", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("join intent was not replayed after reconnect")
	}
}
