package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cowatch/signal"
)

func dialTest(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, payload any, ack uint64) {
	t.Helper()
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	env.Ack = ack
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signal.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env signal.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestRelay(t *testing.T) {
	server := httptest.NewServer(NewServer(0).Handler())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("JoinNormalizesRoomCode", func(t *testing.T) {
		conn := dialTest(t, wsURL)
		sendEnvelope(t, conn, signal.EventJoin, signal.JoinPayload{Room: " qrs234 ", IsHost: true}, 0)

		env := readEnvelope(t, conn)
		if env.Event != signal.EventJoinedRoom {
			t.Fatalf("expected joined-room, got %s", env.Event)
		}
		joined, err := signal.DecodePayload[signal.JoinedRoomPayload](env.Data)
		if err != nil {
			t.Fatalf("decode joined-room: %v", err)
		}
		if joined.RoomCode != "QRS234" {
			t.Errorf("expected normalized code QRS234, got %s", joined.RoomCode)
		}
		if !joined.IsHost || joined.UsersCount != 1 {
			t.Errorf("unexpected join confirmation: %+v", joined)
		}
	})

	t.Run("ForwardingBetweenTwoMembers", func(t *testing.T) {
		host := dialTest(t, wsURL)
		guest := dialTest(t, wsURL)

		sendEnvelope(t, host, signal.EventJoin, signal.JoinPayload{Room: "FWD234", IsHost: true}, 0)
		readEnvelope(t, host) // joined-room

		sendEnvelope(t, guest, signal.EventJoin, signal.JoinPayload{Room: "fwd234"}, 0)
		readEnvelope(t, guest) // joined-room

		env := readEnvelope(t, host)
		if env.Event != signal.EventUserJoined {
			t.Fatalf("host expected user-joined, got %s", env.Event)
		}

		sendEnvelope(t, host, signal.EventSignal, signal.SignalPayload{
			Type: signal.SignalTypeOffer,
			SDP:  &signal.SessionDescription{Type: "offer", SDP: "v=0\r\n"},
		}, 0)

		env = readEnvelope(t, guest)
		if env.Event != signal.EventSignal {
			t.Fatalf("guest expected signal, got %s", env.Event)
		}
		payload, err := signal.DecodePayload[signal.SignalPayload](env.Data)
		if err != nil {
			t.Fatalf("decode signal: %v", err)
		}
		if payload.Type != signal.SignalTypeOffer || payload.SDP == nil || payload.SDP.SDP != "v=0\r\n" {
			t.Errorf("offer did not survive forwarding: %+v", payload)
		}

		sendEnvelope(t, guest, signal.EventChatMessage, signal.ChatPayload{Message: "hello"}, 0)
		env = readEnvelope(t, host)
		if env.Event != signal.EventChatMessage {
			t.Fatalf("host expected chat-message, got %s", env.Event)
		}
	})

	t.Run("ThirdParticipantRejected", func(t *testing.T) {
		a := dialTest(t, wsURL)
		b := dialTest(t, wsURL)
		c := dialTest(t, wsURL)

		sendEnvelope(t, a, signal.EventJoin, signal.JoinPayload{Room: "FUL234", IsHost: true}, 0)
		readEnvelope(t, a)
		sendEnvelope(t, b, signal.EventJoin, signal.JoinPayload{Room: "FUL234"}, 0)
		readEnvelope(t, b)

		sendEnvelope(t, c, signal.EventJoin, signal.JoinPayload{Room: "FUL234"}, 0)
		env := readEnvelope(t, c)
		if env.Event != signal.EventError {
			t.Fatalf("expected error event, got %s", env.Event)
		}
		errPayload, err := signal.DecodePayload[signal.ErrorPayload](env.Data)
		if err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if errPayload.Code != signal.ErrCodeRoomFull {
			t.Errorf("expected %s, got %s", signal.ErrCodeRoomFull, errPayload.Code)
		}
	})

	t.Run("CheckRoomAck", func(t *testing.T) {
		conn := dialTest(t, wsURL)
		sendEnvelope(t, conn, signal.EventJoin, signal.JoinPayload{Room: "CHK234", IsHost: true}, 0)
		readEnvelope(t, conn)

		sendEnvelope(t, conn, signal.EventCheckRoom, "chk234", 7)
		env := readEnvelope(t, conn)
		if env.Event != signal.EventAck || env.Ack != 7 {
			t.Fatalf("expected ack 7, got %s/%d", env.Event, env.Ack)
		}
		status, err := signal.DecodePayload[signal.RoomStatus](env.Data)
		if err != nil {
			t.Fatalf("decode room status: %v", err)
		}
		if !status.Exists || status.UsersCount != 1 {
			t.Errorf("unexpected room status: %+v", status)
		}

		sendEnvelope(t, conn, signal.EventCheckRoom, "ZZZ999", 8)
		env = readEnvelope(t, conn)
		status, _ = signal.DecodePayload[signal.RoomStatus](env.Data)
		if status.Exists {
			t.Error("unknown room reported as existing")
		}
	})

	t.Run("PingAck", func(t *testing.T) {
		conn := dialTest(t, wsURL)
		sendEnvelope(t, conn, signal.EventPing, nil, 3)
		env := readEnvelope(t, conn)
		if env.Event != signal.EventAck || env.Ack != 3 {
			t.Fatalf("expected ping ack, got %s/%d", env.Event, env.Ack)
		}
	})

	t.Run("DisconnectNotifiesPartner", func(t *testing.T) {
		a := dialTest(t, wsURL)
		b := dialTest(t, wsURL)

		sendEnvelope(t, a, signal.EventJoin, signal.JoinPayload{Room: "BYE234", IsHost: true}, 0)
		readEnvelope(t, a)
		sendEnvelope(t, b, signal.EventJoin, signal.JoinPayload{Room: "BYE234"}, 0)
		readEnvelope(t, b)
		readEnvelope(t, a) // user-joined

		b.Close()

		env := readEnvelope(t, a)
		if env.Event != signal.EventUserLeft {
			t.Fatalf("expected user-left, got %s", env.Event)
		}
	})
}
