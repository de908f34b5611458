// Package session assembles a complete watch-together session: signaling
// link, room membership, peer connection, media pipeline, playback sync, and
// chat. It owns construction order and teardown order; nothing else does.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"

	"cowatch/chat"
	"cowatch/link"
	"cowatch/media"
	"cowatch/peer"
	"cowatch/room"
	"cowatch/settings"
	"cowatch/signal"
	"cowatch/vsync"
)

// HostAdapter locates the playback surface in whatever hosts the video. The
// locator is retried; players often appear after the page settles.
type HostAdapter interface {
	LocatePlayer(ctx context.Context) (vsync.Player, error)
}

// Config describes one session.
type Config struct {
	RelayURL     string
	ICEConfigURL string
	Role         room.Role
	RoomCode     string // generated for hosts when empty

	Settings *settings.Store // optional persistence
	Adapter  HostAdapter     // optional playback sync
	Device   media.Device    // optional local capture

	// ConnFactory overrides the peer-connection constructor; tests use fakes.
	ConnFactory peer.ConnFactory

	PlayerAttempts int           // locator retries, default 10
	PlayerWait     time.Duration // between retries, default 500ms
}

// Session is one live watch-together session.
type Session struct {
	cfg      Config
	link     *link.Link
	rooms    *room.Manager
	ctrl     *peer.Controller
	pipeline *media.Pipeline
	chat     *chat.Transport

	mu     sync.Mutex
	engine *vsync.Engine
	code   string

	system chan string
	done   chan struct{}
	once   sync.Once
}

// Start builds the session bottom-up: link, room manager, peer controller,
// media, chat; then joins the room. Playback sync attaches afterwards via
// AttachPlayer (or automatically when cfg.Adapter is set).
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("session: relay url required")
	}
	if cfg.Role == "" {
		cfg.Role = room.RoleHost
	}
	if cfg.PlayerAttempts <= 0 {
		cfg.PlayerAttempts = 10
	}
	if cfg.PlayerWait <= 0 {
		cfg.PlayerWait = 500 * time.Millisecond
	}

	l, err := link.Dial(ctx, cfg.RelayURL, link.Options{})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		link:   l,
		rooms:  room.NewManager(l, room.Options{}),
		system: make(chan string, 32),
		done:   make(chan struct{}),
	}

	iceCfg := peer.FetchICEConfig(ctx, resty.New(), cfg.ICEConfigURL)
	ctrl, err := peer.NewController(peer.Config{
		Role:    cfg.Role,
		WebRTC:  iceCfg,
		Factory: cfg.ConnFactory,
		SendSignal: func(p signal.SignalPayload) error {
			return l.Emit(signal.EventSignal, p)
		},
		Notify:           s.postSystem,
		OnFailure:        s.onPeerFailure,
		OnChannelMessage: s.onChannelMessage,
		OnRemoteTrack:    s.onRemoteTrack,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ctrl = ctrl
	if err := ctrl.Setup(); err != nil {
		s.Close()
		return nil, err
	}

	s.chat = chat.NewTransport(ctrl.SendOnChannel, l.Emit)

	l.On(signal.EventSignal, s.onSignal)
	l.On(signal.EventChatMessage, s.chat.Receive)
	l.On(signal.EventVideoControl, s.onVideoControl)

	if cfg.Device != nil {
		s.pipeline = media.NewPipeline(cfg.Device, media.Hooks{
			Attach:      ctrl.AddTrack,
			Senders:     ctrl.Senders,
			Renegotiate: s.renegotiate,
			Persist:     s.persistToggle,
		})
		if err := s.pipeline.Acquire(ctx, s.constraints()); err != nil {
			s.Close()
			return nil, err
		}
		if s.pipeline.CameraDisabled() {
			s.postSystem("Camera unavailable. Continuing with audio only.")
		}
	}

	code := cfg.RoomCode
	if code == "" {
		if cfg.Role != room.RoleHost {
			s.Close()
			return nil, fmt.Errorf("session: guests must supply a room code")
		}
		code = signal.GenerateRoomCode()
	}
	confirmed, err := s.rooms.Join(ctx, code, cfg.Role)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("session: join: %w", err)
	}
	s.mu.Lock()
	s.code = confirmed.RoomCode
	s.mu.Unlock()
	if cfg.Settings != nil {
		cfg.Settings.SetSession(true, confirmed.RoomCode)
	}
	s.postSystem(fmt.Sprintf("Joined room %s.", confirmed.RoomCode))

	go s.eventLoop()

	if cfg.Adapter != nil {
		go func() {
			if err := s.AttachPlayer(ctx, cfg.Adapter); err != nil {
				slog.Warn("player attach failed", "err", err)
				s.postSystem("Could not find the video player. Sync is off.")
			}
		}()
	}
	return s, nil
}

// AttachPlayer locates the player through adapter and starts the sync engine.
func (s *Session) AttachPlayer(ctx context.Context, adapter HostAdapter) error {
	var player vsync.Player
	var err error
	for attempt := 1; attempt <= s.cfg.PlayerAttempts; attempt++ {
		player, err = adapter.LocatePlayer(ctx)
		if err == nil {
			break
		}
		slog.Debug("player not found yet", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return fmt.Errorf("session closed")
		case <-time.After(s.cfg.PlayerWait):
		}
	}
	if err != nil {
		return fmt.Errorf("locate player: %w", err)
	}

	engine := vsync.NewEngine(player, s.sendVideoControl, s.postSystem, vsync.Options{})
	s.mu.Lock()
	if s.engine != nil {
		s.engine.Close()
	}
	s.engine = engine
	s.mu.Unlock()
	slog.Info("playback sync attached")
	return nil
}

// Chat returns the chat transport.
func (s *Session) Chat() *chat.Transport { return s.chat }

// Code returns the confirmed room code.
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// SystemMessages streams user-facing status lines.
func (s *Session) SystemMessages() <-chan string { return s.system }

// ForceOffer manually restarts negotiation.
func (s *Session) ForceOffer() error { return s.ctrl.ForceOffer() }

// RestartMedia reacquires local tracks and swaps them onto the connection.
func (s *Session) RestartMedia(ctx context.Context) error {
	if s.pipeline == nil {
		return fmt.Errorf("no media pipeline")
	}
	return s.pipeline.Restart(ctx, s.constraints())
}

// FullReset rebuilds the peer connection from scratch.
func (s *Session) FullReset() error { return s.ctrl.FullReset() }

// ToggleMedia flips local capture of kind.
func (s *Session) ToggleMedia(kind media.Kind) (bool, error) {
	if s.pipeline == nil {
		return false, fmt.Errorf("no media pipeline")
	}
	return s.pipeline.Toggle(kind)
}

// Diagnostics combines peer state with session-level facts.
type Diagnostics struct {
	Room          string     `json:"room"`
	Role          room.Role  `json:"role"`
	LinkConnected bool       `json:"linkConnected"`
	Peer          peer.State `json:"peer"`
}

// DescribeState snapshots the session for troubleshooting.
func (s *Session) DescribeState() Diagnostics {
	return Diagnostics{
		Room:          s.Code(),
		Role:          s.cfg.Role,
		LinkConnected: s.link.Connected(),
		Peer:          s.ctrl.DescribeState(),
	}
}

// Close tears the session down in order: sync loop, peer connection and its
// timers, local tracks, room membership, link. Idempotent.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		engine := s.engine
		s.engine = nil
		s.mu.Unlock()
		if engine != nil {
			engine.Close()
		}
		if s.ctrl != nil {
			err = s.ctrl.Close()
		}
		if s.pipeline != nil {
			if cerr := s.pipeline.Close(); err == nil {
				err = cerr
			}
		}
		s.rooms.Leave()
		s.rooms.Close()
		if cerr := s.link.Close(); err == nil {
			err = cerr
		}
		if s.cfg.Settings != nil {
			s.cfg.Settings.SetSession(false, "")
		}
		slog.Info("session closed")
	})
	return err
}

func (s *Session) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.rooms.Events():
			s.onRoomEvent(e)
		}
	}
}

func (s *Session) onRoomEvent(e room.Event) {
	switch e.Kind {
	case room.EventPartnerJoined:
		s.postSystem("Partner joined the room.")
		if s.cfg.Settings != nil {
			s.cfg.Settings.Set(settings.KeyPartnerConnected, true)
		}
		if s.cfg.Role == room.RoleHost {
			if err := s.ctrl.CreateOffer(); err != nil {
				slog.Error("offer after partner join failed", "err", err)
			}
		}
	case room.EventPartnerLeft:
		s.postSystem("Partner left the room.")
		if s.cfg.Settings != nil {
			s.cfg.Settings.Set(settings.KeyPartnerConnected, false)
		}
	case room.EventRoomFull:
		s.postSystem("That room already has two participants.")
	case room.EventLinkNotice:
		s.onLinkNotice(e)
	}
}

func (s *Session) onLinkNotice(e room.Event) {
	switch e.Notice.Kind {
	case link.NoticeDisconnected:
		s.postSystem("Lost connection to the relay. Reconnecting...")
	case link.NoticeReconnected:
		s.postSystem("Reconnected to the relay.")
	case link.NoticeError:
		s.postSystem("Could not reach the relay. Please rejoin.")
	default:
		if e.Message != "" {
			s.postSystem(e.Message)
		}
	}
}

func (s *Session) onSignal(data json.RawMessage) {
	payload, err := signal.DecodePayload[signal.SignalPayload](data)
	if err != nil {
		slog.Warn("bad signal payload", "err", err)
		return
	}
	if err := s.ctrl.HandleSignal(payload); err != nil {
		slog.Error("signal handling failed", "type", payload.Type, "err", err)
	}
}

func (s *Session) onVideoControl(data json.RawMessage) {
	payload, err := signal.DecodePayload[signal.VideoControlPayload](data)
	if err != nil {
		slog.Warn("bad video control payload", "err", err)
		return
	}
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		slog.Debug("video control before player attach", "action", payload.Action)
		return
	}
	if err := engine.ApplyRemote(payload); err != nil {
		slog.Warn("video control apply failed", "action", payload.Action, "err", err)
	}
}

// onChannelMessage handles non-signal envelopes tunneled over the data channel.
func (s *Session) onChannelMessage(event string, data json.RawMessage) {
	switch event {
	case signal.EventChatMessage:
		s.chat.Receive(data)
	case signal.EventVideoControl:
		s.onVideoControl(data)
	default:
		slog.Debug("unhandled channel event", "event", event)
	}
}

func (s *Session) onRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	slog.Info("remote track", "kind", track.Kind(), "id", track.ID())
	s.postSystem(fmt.Sprintf("Receiving partner %s.", track.Kind()))
}

func (s *Session) onPeerFailure(f *peer.ConnectionFailure) {
	slog.Warn("peer transport failure", "stage", f.Stage)
}

func (s *Session) sendVideoControl(p signal.VideoControlPayload) error {
	if err := s.ctrl.SendOnChannel(signal.EventVideoControl, p); err == nil {
		return nil
	}
	return s.link.Emit(signal.EventVideoControl, p)
}

func (s *Session) renegotiate() {
	if s.cfg.Role != room.RoleHost {
		return
	}
	if err := s.ctrl.CreateOffer(); err != nil {
		slog.Error("renegotiation offer failed", "err", err)
	}
}

func (s *Session) persistToggle(kind media.Kind, enabled bool) {
	if s.cfg.Settings == nil {
		return
	}
	switch kind {
	case media.KindAudio:
		s.cfg.Settings.Set(settings.KeyMicEnabled, enabled)
	case media.KindVideo:
		s.cfg.Settings.Set(settings.KeyCameraEnabled, enabled)
	}
}

func (s *Session) constraints() media.Constraints {
	c := media.DefaultConstraints()
	if s.cfg.Settings != nil {
		u := s.cfg.Settings.User()
		c.Audio = u.MicEnabled
		c.Video = u.CameraEnabled
	}
	return c
}

func (s *Session) postSystem(msg string) {
	slog.Info("system message", "msg", msg)
	select {
	case s.system <- msg:
	default:
	}
}
