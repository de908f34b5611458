// Package link maintains the websocket connection to the rendezvous relay.
// It knows nothing about rooms or peers: it shuttles envelopes, tracks acks,
// and keeps the logical connection alive across physical reconnects.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cowatch/signal"
)

// NoticeKind classifies a lifecycle notification.
type NoticeKind string

const (
	NoticeConnected    NoticeKind = "connected"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeReconnecting NoticeKind = "reconnecting"
	NoticeReconnected  NoticeKind = "reconnected"
	NoticeError        NoticeKind = "error"
)

// Notice is a lifecycle notification consumable by other components.
type Notice struct {
	Kind    NoticeKind
	Reason  string
	Attempt int
}

// SignalingError wraps a relay transport failure.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string { return fmt.Sprintf("signaling %s: %v", e.Op, e.Err) }
func (e *SignalingError) Unwrap() error { return e.Err }

// Handler consumes the raw data of one received envelope. Handlers run on the
// read goroutine, so dispatch preserves receipt order.
type Handler func(data json.RawMessage)

// Options tune the link. Zero values select the defaults.
type Options struct {
	Header               http.Header
	ReconnectWait        time.Duration // default 1s
	MaxReconnectAttempts int           // default 20
}

// Link is one logical connection to the relay. It survives reconnect attempts;
// only Close tears it down for good.
type Link struct {
	endpoint string
	opts     Options

	mu           sync.Mutex
	conn         *websocket.Conn
	handlers     map[string][]Handler
	pending      map[uint64]chan json.RawMessage
	nextAck      uint64
	connected    bool
	closed       bool
	lastActivity time.Time

	notices chan Notice
	done    chan struct{}
}

// Dial connects to the relay endpoint and starts the read loop.
func Dial(ctx context.Context, endpoint string, opts Options) (*Link, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 20
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		return nil, &SignalingError{Op: "dial", Err: err}
	}

	l := &Link{
		endpoint:     endpoint,
		opts:         opts,
		conn:         conn,
		handlers:     make(map[string][]Handler),
		pending:      make(map[uint64]chan json.RawMessage),
		connected:    true,
		lastActivity: time.Now(),
		notices:      make(chan Notice, 16),
		done:         make(chan struct{}),
	}
	l.notify(Notice{Kind: NoticeConnected})
	go l.readLoop()
	return l, nil
}

// On registers a handler for an event. Multiple handlers per event are called
// in registration order.
func (l *Link) On(event string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[event] = append(l.handlers[event], h)
}

// Notices exposes lifecycle notifications. The channel is buffered; stale
// notices are dropped rather than blocking the read loop.
func (l *Link) Notices() <-chan Notice { return l.notices }

// Connected reports whether the physical socket is currently up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// LastActivity returns the time of the last successful read or write.
func (l *Link) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

// Emit sends a fire-and-forget envelope.
func (l *Link) Emit(event string, payload any) error {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return &SignalingError{Op: "encode " + event, Err: err}
	}
	return l.write(env)
}

// EmitWithAck sends an envelope and waits for the relay's ack reply.
func (l *Link) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return nil, &SignalingError{Op: "encode " + event, Err: err}
	}

	reply := make(chan json.RawMessage, 1)
	l.mu.Lock()
	l.nextAck++
	env.Ack = l.nextAck
	l.pending[env.Ack] = reply
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, env.Ack)
		l.mu.Unlock()
	}()

	if err := l.write(env); err != nil {
		return nil, err
	}

	select {
	case data := <-reply:
		return data, nil
	case <-ctx.Done():
		return nil, &SignalingError{Op: "ack " + event, Err: ctx.Err()}
	case <-l.done:
		return nil, &SignalingError{Op: "ack " + event, Err: ErrClosed}
	}
}

// ErrClosed reports an operation on a locally closed link.
var ErrClosed = fmt.Errorf("link closed")

// Close disconnects locally. No reconnect is attempted after Close.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.connected = false
	conn := l.conn
	l.mu.Unlock()

	close(l.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Link) write(env signal.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return &SignalingError{Op: "write " + env.Event, Err: ErrClosed}
	}
	if l.conn == nil || !l.connected {
		return &SignalingError{Op: "write " + env.Event, Err: fmt.Errorf("not connected")}
	}
	if err := l.conn.WriteJSON(env); err != nil {
		return &SignalingError{Op: "write " + env.Event, Err: err}
	}
	l.lastActivity = time.Now()
	return nil
}

func (l *Link) readLoop() {
	for {
		l.mu.Lock()
		conn := l.conn
		closed := l.closed
		l.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			l.mu.Lock()
			closed = l.closed
			l.connected = false
			l.mu.Unlock()
			if closed {
				return
			}
			slog.Warn("relay read failed", "err", err)
			l.notify(Notice{Kind: NoticeDisconnected, Reason: err.Error()})
			if !l.reconnect() {
				return
			}
			continue
		}

		l.mu.Lock()
		l.lastActivity = time.Now()
		l.mu.Unlock()
		l.dispatch(env)
	}
}

func (l *Link) dispatch(env signal.Envelope) {
	if env.Event == signal.EventAck {
		l.mu.Lock()
		reply, ok := l.pending[env.Ack]
		l.mu.Unlock()
		if ok {
			reply <- env.Data
		}
		return
	}

	l.mu.Lock()
	handlers := append([]Handler(nil), l.handlers[env.Event]...)
	l.mu.Unlock()
	if len(handlers) == 0 {
		slog.Debug("unhandled relay event", "event", env.Event)
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

// reconnect retries with a fixed backoff until it succeeds or the attempt cap
// is reached. Returns false when the link should stop for good.
func (l *Link) reconnect() bool {
	for attempt := 1; attempt <= l.opts.MaxReconnectAttempts; attempt++ {
		l.notify(Notice{Kind: NoticeReconnecting, Attempt: attempt})

		select {
		case <-l.done:
			return false
		case <-time.After(l.opts.ReconnectWait):
		}

		conn, _, err := websocket.DefaultDialer.Dial(l.endpoint, l.opts.Header)
		if err != nil {
			slog.Debug("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return false
		}
		l.conn = conn
		l.connected = true
		l.lastActivity = time.Now()
		l.mu.Unlock()

		slog.Info("relay reconnected", "attempts", attempt)
		l.notify(Notice{Kind: NoticeReconnected, Attempt: attempt})
		return true
	}

	l.notify(Notice{Kind: NoticeError, Reason: "reconnect attempts exhausted"})
	return false
}

func (l *Link) notify(n Notice) {
	select {
	case l.notices <- n:
	default:
	}
}
