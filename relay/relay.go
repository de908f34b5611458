// Package relay implements the room-based rendezvous server. It shuttles
// join/negotiation/chat/sync envelopes between the two members of a room and
// never inspects media; rooms live in memory and die with their last member.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cowatch/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the live room registry.
type Server struct {
	rooms      *hashmap.Map[string, *room]
	maxMsgSize int64
}

// NewServer creates a relay with the given websocket read limit.
func NewServer(maxMsgSize int64) *Server {
	if maxMsgSize <= 0 {
		maxMsgSize = 1 << 20
	}
	return &Server{
		rooms:      hashmap.New[string, *room](),
		maxMsgSize: maxMsgSize,
	}
}

// Handler returns the HTTP surface: a single websocket endpoint at /.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(Logger)
	r.Get("/", s.serveWS)
	return r
}

// Run serves until ctx is cancelled or the listener fails.
func Run(ctx context.Context, listenAddr string, maxMsgSize int64) <-chan error {
	ec := make(chan error, 1)
	s := NewServer(maxMsgSize)

	srv := &http.Server{Addr: listenAddr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("relay listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen and serve error", "err", err)
			ec <- err
		}
		close(ec)
	}()

	return ec
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "err", err)
		return
	}
	conn.SetReadLimit(s.maxMsgSize)

	id, err := uuid.NewRandom()
	if err != nil {
		slog.Error("generate uuid error", "err", err)
		conn.Close()
		return
	}

	c := &member{id: id.String(), conn: &lockedConn{conn: conn}}
	slog.Info("new client", "id", c.id, "remote", conn.RemoteAddr())

	defer func() {
		s.evict(c)
		conn.Close()
	}()

	var joined *room
	for {
		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			slog.Info("client gone", "id", c.id, "err", err)
			return
		}

		switch env.Event {
		case signal.EventJoin:
			joined = s.handleJoin(c, joined, env.Data)
		case signal.EventCheckRoom:
			s.handleCheckRoom(c, env)
		case signal.EventLeaveRoom:
			if joined != nil {
				s.leave(c, joined)
				joined = nil
			}
		case signal.EventPing:
			s.ack(c, env.Ack, map[string]any{"time": time.Now().UnixMilli()})
		case signal.EventSignal, signal.EventChatMessage, signal.EventVideoControl:
			if joined == nil {
				slog.Warn("forward without room", "id", c.id, "event", env.Event)
				continue
			}
			s.forward(c, joined, env)
		default:
			slog.Warn("unknown event", "id", c.id, "event", env.Event)
		}
	}
}

func (s *Server) handleJoin(c *member, current *room, data json.RawMessage) *room {
	payload, err := signal.DecodePayload[signal.JoinPayload](data)
	if err != nil {
		slog.Warn("bad join payload", "id", c.id, "err", err)
		return current
	}

	code := signal.NormalizeRoomCode(payload.Room)
	if code == "" {
		s.pushError(c, signal.ErrorPayload{Code: "bad-room", Message: "empty room code"})
		return current
	}

	// Moving rooms implies leaving the old one first.
	if current != nil && current.code != code {
		s.leave(c, current)
		current = nil
	}

	rm, _ := s.rooms.GetOrInsert(code, newRoom(code))
	c.isHost = payload.IsHost
	count, ok := rm.add(c)
	if !ok {
		slog.Warn("room full", "id", c.id, "room", code)
		s.pushError(c, signal.ErrorPayload{Code: signal.ErrCodeRoomFull, Message: "room " + code + " already has two participants"})
		return current
	}

	slog.Info("joined room", "id", c.id, "room", code, "isHost", payload.IsHost, "users", count)
	s.push(c, signal.EventJoinedRoom, signal.JoinedRoomPayload{
		RoomCode:   code,
		IsHost:     payload.IsHost,
		UsersCount: count,
	})
	for _, other := range rm.others(c.id) {
		s.pushTo(other, signal.EventUserJoined, c.id)
	}
	return rm
}

func (s *Server) handleCheckRoom(c *member, env signal.Envelope) {
	code, err := signal.DecodePayload[string](env.Data)
	if err != nil {
		slog.Warn("bad check-room payload", "id", c.id, "err", err)
		return
	}
	code = signal.NormalizeRoomCode(code)

	status := signal.RoomStatus{}
	if rm, ok := s.rooms.Get(code); ok {
		status.Exists = rm.size() > 0
		status.UsersCount = rm.size()
	}
	s.ack(c, env.Ack, status)
}

// forward relays an envelope verbatim to the other room member.
func (s *Server) forward(c *member, rm *room, env signal.Envelope) {
	env.Ack = 0
	for _, other := range rm.others(c.id) {
		if err := other.conn.WriteJSON(env); err != nil {
			slog.Error("forward write error", "to", other.id, "err", err)
		}
	}
}

func (s *Server) leave(c *member, rm *room) {
	count, removed := rm.remove(c.id)
	if !removed {
		return
	}
	slog.Info("left room", "id", c.id, "room", rm.code, "users", count)
	for _, other := range rm.others(c.id) {
		s.pushTo(other, signal.EventUserLeft, c.id)
	}
	if count == 0 {
		s.rooms.Del(rm.code)
	}
}

// evict removes a vanished client from whichever room still holds it.
func (s *Server) evict(c *member) {
	s.rooms.Range(func(code string, rm *room) bool {
		if _, removed := rm.remove(c.id); removed {
			for _, other := range rm.others(c.id) {
				s.pushTo(other, signal.EventUserLeft, c.id)
			}
			if rm.size() == 0 {
				s.rooms.Del(code)
			}
			return false
		}
		return true
	})
}

func (s *Server) push(c *member, event string, payload any) {
	s.pushTo(c, event, payload)
}

func (s *Server) pushTo(c *member, event string, payload any) {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		slog.Error("encode push error", "event", event, "err", err)
		return
	}
	if err := c.conn.WriteJSON(env); err != nil {
		slog.Error("push write error", "to", c.id, "event", event, "err", err)
	}
}

func (s *Server) pushError(c *member, payload signal.ErrorPayload) {
	s.push(c, signal.EventError, payload)
}

func (s *Server) ack(c *member, ackID uint64, payload any) {
	if ackID == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode ack error", "err", err)
		return
	}
	if err := c.conn.WriteJSON(signal.Envelope{Event: signal.EventAck, Ack: ackID, Data: data}); err != nil {
		slog.Error("ack write error", "to", c.id, "err", err)
	}
}
