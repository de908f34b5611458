// Package room owns room membership: joining, leaving, and the periodic
// self-healing checks that keep a session's membership honest across relay
// churn. It is built on the link and knows nothing about peer connections.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cowatch/link"
	"cowatch/signal"
)

// Role distinguishes the offer-creating side from the answering side.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// EventKind classifies a membership event.
type EventKind string

const (
	EventJoined        EventKind = "joined"
	EventPartnerJoined EventKind = "partner-joined"
	EventPartnerLeft   EventKind = "partner-left"
	EventRoomFull      EventKind = "room-full"
	EventLinkNotice    EventKind = "link-notice"
)

// Event is a membership or link-lifecycle event for the session to consume.
type Event struct {
	Kind    EventKind
	Room    signal.JoinedRoomPayload
	UserID  string
	Notice  link.Notice
	Message string
}

// Options tune the self-check loop. Zero values select the defaults.
type Options struct {
	CheckInterval time.Duration // default 30s
	InitialDelay  time.Duration // default 3s
	IdleThreshold time.Duration // default 60s
}

// Manager tracks the current room membership over one link.
type Manager struct {
	link *link.Link
	opts Options

	mu          sync.Mutex
	code        string
	role        Role
	usersCount  int
	partnerSeen bool
	joinWaiters []chan signal.JoinedRoomPayload

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewManager wires a manager onto l and starts the self-check loop.
func NewManager(l *link.Link, opts Options) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 3 * time.Second
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 60 * time.Second
	}

	m := &Manager{
		link:   l,
		opts:   opts,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	l.On(signal.EventJoinedRoom, m.onJoinedRoom)
	l.On(signal.EventUserJoined, m.onUserJoined)
	l.On(signal.EventUserLeft, m.onUserLeft)
	l.On(signal.EventError, m.onError)

	go m.noticeLoop()
	go m.checkLoop()
	return m
}

// Events exposes membership events. Buffered; stale events are dropped rather
// than blocking the link's read loop.
func (m *Manager) Events() <-chan Event { return m.events }

// Join normalizes code, emits the join intent, waits for confirmation, then
// verifies the room with the relay; a failed verification retries the join
// exactly once.
func (m *Manager) Join(ctx context.Context, code string, role Role) (signal.JoinedRoomPayload, error) {
	code = signal.NormalizeRoomCode(code)
	if !signal.ValidRoomCode(code) {
		return signal.JoinedRoomPayload{}, fmt.Errorf("invalid room code %q", code)
	}

	m.mu.Lock()
	m.code = code
	m.role = role
	m.mu.Unlock()

	confirmed, err := m.emitJoinAndWait(ctx, code, role)
	if err != nil {
		return signal.JoinedRoomPayload{}, err
	}

	// Fire-and-verify: a broken verification degrades to one rejoin, never an
	// error surfaced past this call.
	status, err := m.checkRoom(ctx, code)
	if err != nil {
		slog.Warn("room verification failed", "room", code, "err", err)
		return confirmed, nil
	}
	if !status.Exists {
		slog.Warn("room missing after join, retrying once", "room", code)
		if retried, err := m.emitJoinAndWait(ctx, code, role); err == nil {
			return retried, nil
		}
	}
	return confirmed, nil
}

// Leave emits the leave intent and clears the stored membership.
func (m *Manager) Leave() {
	m.mu.Lock()
	held := m.code
	m.code = ""
	m.role = ""
	m.usersCount = 0
	m.partnerSeen = false
	m.mu.Unlock()

	if held == "" {
		return
	}
	if err := m.link.Emit(signal.EventLeaveRoom, nil); err != nil {
		slog.Warn("leave emit failed", "room", held, "err", err)
	}
}

// Code returns the held room code, empty when no room is held.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// Role returns the role used on the last join.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// UsersCount returns the membership count from the last confirmation.
func (m *Manager) UsersCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersCount
}

// Close stops the manager's loops. The link itself stays open.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) emitJoinAndWait(ctx context.Context, code string, role Role) (signal.JoinedRoomPayload, error) {
	wait := make(chan signal.JoinedRoomPayload, 1)
	m.mu.Lock()
	m.joinWaiters = append(m.joinWaiters, wait)
	m.mu.Unlock()

	if err := m.link.Emit(signal.EventJoin, signal.JoinPayload{Room: code, IsHost: role == RoleHost}); err != nil {
		return signal.JoinedRoomPayload{}, err
	}

	select {
	case payload := <-wait:
		return payload, nil
	case <-ctx.Done():
		return signal.JoinedRoomPayload{}, fmt.Errorf("waiting for join confirmation: %w", ctx.Err())
	case <-m.done:
		return signal.JoinedRoomPayload{}, fmt.Errorf("room manager closed")
	}
}

func (m *Manager) checkRoom(ctx context.Context, code string) (signal.RoomStatus, error) {
	ackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	data, err := m.link.EmitWithAck(ackCtx, signal.EventCheckRoom, code)
	if err != nil {
		return signal.RoomStatus{}, err
	}
	return signal.DecodePayload[signal.RoomStatus](data)
}

func (m *Manager) onJoinedRoom(data json.RawMessage) {
	payload, err := signal.DecodePayload[signal.JoinedRoomPayload](data)
	if err != nil {
		slog.Warn("bad joined-room payload", "err", err)
		return
	}
	payload.RoomCode = signal.NormalizeRoomCode(payload.RoomCode)

	m.mu.Lock()
	m.code = payload.RoomCode
	m.usersCount = payload.UsersCount
	waiters := m.joinWaiters
	m.joinWaiters = nil
	m.mu.Unlock()

	slog.Info("joined room", "room", payload.RoomCode, "users", payload.UsersCount)
	for _, w := range waiters {
		w <- payload
	}
	m.emit(Event{Kind: EventJoined, Room: payload})
}

func (m *Manager) onUserJoined(data json.RawMessage) {
	userID, err := signal.DecodePayload[string](data)
	if err != nil {
		slog.Warn("bad user-joined payload", "err", err)
		return
	}
	m.mu.Lock()
	m.partnerSeen = true
	m.usersCount = 2
	m.mu.Unlock()
	slog.Info("partner joined", "user", userID)
	m.emit(Event{Kind: EventPartnerJoined, UserID: userID})
}

func (m *Manager) onUserLeft(data json.RawMessage) {
	userID, err := signal.DecodePayload[string](data)
	if err != nil {
		slog.Warn("bad user-left payload", "err", err)
		return
	}
	m.mu.Lock()
	m.usersCount = 1
	m.mu.Unlock()
	slog.Info("partner left", "user", userID)
	m.emit(Event{Kind: EventPartnerLeft, UserID: userID})
}

func (m *Manager) onError(data json.RawMessage) {
	payload, err := signal.DecodePayload[signal.ErrorPayload](data)
	if err != nil {
		slog.Warn("bad error payload", "err", err)
		return
	}
	if payload.Code == signal.ErrCodeRoomFull {
		m.mu.Lock()
		m.code = ""
		m.role = ""
		m.mu.Unlock()
		m.emit(Event{Kind: EventRoomFull, Message: payload.Message})
		return
	}
	m.emit(Event{Kind: EventLinkNotice, Message: payload.Message})
}

// noticeLoop forwards link lifecycle notices and replays the join intent after
// a reconnect, so a network drop never costs the user their room.
func (m *Manager) noticeLoop() {
	for {
		select {
		case <-m.done:
			return
		case n := <-m.link.Notices():
			m.emit(Event{Kind: EventLinkNotice, Notice: n})
			if n.Kind != link.NoticeReconnected {
				continue
			}
			m.mu.Lock()
			code, role := m.code, m.role
			m.mu.Unlock()
			if code == "" {
				continue
			}
			slog.Info("replaying join after reconnect", "room", code)
			if err := m.link.Emit(signal.EventJoin, signal.JoinPayload{Room: code, IsHost: role == RoleHost}); err != nil {
				slog.Warn("rejoin emit failed", "room", code, "err", err)
			}
		}
	}
}

// checkLoop is the periodic self-healing routine: reconcile link state, verify
// membership, rejoin when the partner count looks wrong, ping when idle.
func (m *Manager) checkLoop() {
	select {
	case <-m.done:
		return
	case <-time.After(m.opts.InitialDelay):
	}

	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()
	for {
		m.checkStatus()
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) checkStatus() {
	if !m.link.Connected() {
		// The link reconnects on its own; nothing to reconcile until it does.
		slog.Debug("self-check: link down")
		return
	}

	m.mu.Lock()
	code, role, partnerSeen := m.code, m.role, m.partnerSeen
	m.mu.Unlock()

	if code != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		status, err := m.checkRoom(ctx, code)
		cancel()
		switch {
		case err != nil:
			slog.Warn("self-check: room verification failed", "room", code, "err", err)
		// A short count only means trouble once a partner has been seen;
		// before that the room is simply still waiting.
		case !status.Exists || (partnerSeen && status.UsersCount < 2):
			slog.Info("self-check: rejoining", "room", code, "users", status.UsersCount)
			if err := m.link.Emit(signal.EventJoin, signal.JoinPayload{Room: code, IsHost: role == RoleHost}); err != nil {
				slog.Warn("self-check: rejoin emit failed", "room", code, "err", err)
			}
		}
	}

	if time.Since(m.link.LastActivity()) > m.opts.IdleThreshold {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := m.link.EmitWithAck(ctx, signal.EventPing, nil); err != nil {
			slog.Warn("self-check: ping failed", "err", err)
		}
		cancel()
	}
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
	}
}
