// Package peer owns the real-time connection lifecycle: offer/answer
// negotiation, ICE candidate exchange and buffering, renegotiation, and
// failure recovery. The invariants are explicit rather than implied by
// callback timing: at most one offer in flight, candidates queued while a
// remote description is pending and flushed FIFO once it lands.
package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"cowatch/room"
	"cowatch/signal"
)

// chatChannelLabel names the single ordered data channel.
const chatChannelLabel = "chat"

// NegotiationError wraps a rejected description or candidate. The controller
// resets its offer flags on one so a later retry can proceed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

// ConnectionFailure reports a failed transport. Stage says which layer failed;
// the recovery ladder is already running when it is observed.
type ConnectionFailure struct {
	Stage string // "ice" or "connection"
}

func (e *ConnectionFailure) Error() string { return fmt.Sprintf("peer %s failed", e.Stage) }

// Delays collects every recovery timer. Zero values select the defaults.
type Delays struct {
	OfferDebounce   time.Duration // renegotiation-needed debounce, default 500ms
	GatherWindow    time.Duration // wait before transmitting an offer/answer, default 1s
	ICERestartDelay time.Duration // host re-offer after ICE failure, default 2s
	RebuildDelay    time.Duration // host full rebuild after overall failure, default 3s
}

func (d *Delays) fill() {
	if d.OfferDebounce <= 0 {
		d.OfferDebounce = 500 * time.Millisecond
	}
	if d.GatherWindow <= 0 {
		d.GatherWindow = time.Second
	}
	if d.ICERestartDelay <= 0 {
		d.ICERestartDelay = 2 * time.Second
	}
	if d.RebuildDelay <= 0 {
		d.RebuildDelay = 3 * time.Second
	}
}

// Config wires a controller to its collaborators.
type Config struct {
	Role    room.Role
	WebRTC  webrtc.Configuration
	Factory ConnFactory // default NewPionConn

	// SendSignal transmits a payload over the signaling relay. The controller
	// prefers the data channel once it is open.
	SendSignal func(signal.SignalPayload) error
	// Notify receives user-visible status messages.
	Notify func(msg string)
	// OnFailure observes transport failures as the recovery ladder starts.
	OnFailure func(err *ConnectionFailure)
	// OnRemoteTrack fires for each incoming remote track.
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnChannelMessage receives non-signal envelopes from the data channel.
	OnChannelMessage func(event string, data json.RawMessage)

	Delays Delays
}

// State is a point-in-time diagnostic snapshot.
type State struct {
	Role                        room.Role `json:"role"`
	SignalingState              string    `json:"signalingState"`
	ICEConnectionState          string    `json:"iceConnectionState"`
	ConnectionState             string    `json:"connectionState"`
	OfferCreated                bool      `json:"offerCreated"`
	WaitingForRemoteDescription bool      `json:"waitingForRemoteDescription"`
	PendingLocalCandidates      int       `json:"pendingLocalCandidates"`
	PendingRemoteCandidates     int       `json:"pendingRemoteCandidates"`
	DataChannelOpen             bool      `json:"dataChannelOpen"`
	HasLocalDescription         bool      `json:"hasLocalDescription"`
	HasRemoteDescription        bool      `json:"hasRemoteDescription"`
}

// Controller is the peer-connection state machine. One lives per session; a
// rebuild tears the old Conn down before the next one exists.
type Controller struct {
	cfg Config

	mu               sync.Mutex
	conn             Conn
	chatDC           DataChannel
	offerCreated     bool
	waitingForRemote bool
	pendingLocal     []signal.Candidate
	pendingRemote    []signal.Candidate
	localTracks      []webrtc.TrackLocal
	timers           map[*time.Timer]struct{}
	closed           bool
}

// NewController validates cfg and returns an idle controller; Setup builds
// the first Conn.
func NewController(cfg Config) (*Controller, error) {
	if cfg.SendSignal == nil {
		return nil, fmt.Errorf("peer: SendSignal is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = NewPionConn
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}
	cfg.Delays.fill()
	return &Controller{
		cfg:    cfg,
		timers: make(map[*time.Timer]struct{}),
	}, nil
}

// Setup tears down any existing Conn and builds a fresh one with clean flags
// and queues. Recovery favors this clean rebuild over incremental repair.
func (c *Controller) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupLocked()
}

func (c *Controller) setupLocked() error {
	if c.closed {
		return fmt.Errorf("peer: controller closed")
	}
	if c.conn != nil {
		slog.Info("closing existing peer connection before rebuild")
		c.teardownConnLocked()
	}

	c.offerCreated = false
	c.waitingForRemote = false
	c.pendingLocal = nil
	c.pendingRemote = nil

	conn, err := c.cfg.Factory(c.cfg.WebRTC)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.conn = conn

	conn.OnICECandidate(c.onICECandidate)
	conn.OnSignalingStateChange(c.onSignalingStateChange)
	conn.OnICEConnectionStateChange(c.onICEConnectionStateChange)
	conn.OnConnectionStateChange(c.onConnectionStateChange)
	conn.OnNegotiationNeeded(c.onNegotiationNeeded)
	conn.OnDataChannel(c.adoptDataChannel)
	if c.cfg.OnRemoteTrack != nil {
		conn.OnTrack(c.cfg.OnRemoteTrack)
	}

	// The host owns the chat channel; the guest adopts it on arrival.
	if c.cfg.Role == room.RoleHost {
		ordered := true
		dc, err := conn.CreateDataChannel(chatChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			slog.Warn("create data channel failed", "err", err)
		} else {
			c.installDataChannelLocked(dc)
		}
	}

	for _, track := range c.localTracks {
		if _, err := conn.AddTrack(track); err != nil {
			slog.Error("add local track failed", "kind", track.Kind(), "err", err)
		}
	}

	// Offers must request audio and video reception even with nothing captured
	// locally. Renegotiation is host driven, so a guest cannot later upgrade
	// the session to carry its media.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if c.hasLocalTrackLocked(kind) {
			continue
		}
		init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
		if err := conn.AddTransceiverFromKind(kind, init); err != nil {
			slog.Warn("add recv transceiver failed", "kind", kind, "err", err)
		}
	}

	slog.Info("peer connection ready", "role", c.cfg.Role)
	return nil
}

func (c *Controller) hasLocalTrackLocked(kind webrtc.RTPCodecType) bool {
	for _, t := range c.localTracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// AddTrack attaches a local track to the live Conn and remembers it for
// rebuilds.
func (c *Controller) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localTracks = append(c.localTracks, track)
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.AddTrack(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

// Senders exposes the live RTP senders for track replacement.
func (c *Controller) Senders() []Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Senders()
}

// CreateOffer generates and transmits an offer. Host only. Gated so at most
// one offer is in flight: signaling state must be stable and no offer pending.
func (c *Controller) CreateOffer() error {
	return c.createOffer(false)
}

func (c *Controller) createOffer(iceRestart bool) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("peer: no connection")
	}
	if c.cfg.Role != room.RoleHost {
		c.mu.Unlock()
		return fmt.Errorf("peer: only the host creates offers")
	}
	if state := c.conn.SignalingState(); state != webrtc.SignalingStateStable {
		c.mu.Unlock()
		slog.Warn("offer skipped, signaling state not stable", "state", state)
		return nil
	}
	if c.offerCreated {
		c.mu.Unlock()
		slog.Debug("offer already in flight, skipping")
		return nil
	}
	c.offerCreated = true
	conn := c.conn
	c.mu.Unlock()

	opts := &webrtc.OfferOptions{ICERestart: iceRestart}
	offer, err := conn.CreateOffer(opts)
	if err != nil {
		c.resetOfferFlags()
		return &NegotiationError{Step: "create offer", Err: err}
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		c.resetOfferFlags()
		return &NegotiationError{Step: "set local offer", Err: err}
	}

	c.mu.Lock()
	c.waitingForRemote = true
	c.mu.Unlock()

	// Give ICE gathering a head start so the transmitted SDP carries the
	// first candidates; trickle covers the rest.
	c.schedule(c.cfg.Delays.GatherWindow, func() {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		ld := conn.LocalDescription()
		c.mu.Unlock()
		if ld == nil {
			slog.Error("local description missing at offer transmit")
			return
		}
		slog.Info("sending offer")
		c.transmit(signal.SignalPayload{
			Type: signal.SignalTypeOffer,
			SDP:  &signal.SessionDescription{Type: ld.Type.String(), SDP: ld.SDP},
		})
	})
	return nil
}

// HandleSignal applies one remote negotiation step.
func (c *Controller) HandleSignal(payload signal.SignalPayload) error {
	switch payload.Type {
	case signal.SignalTypeOffer:
		if payload.SDP == nil {
			return &NegotiationError{Step: "offer", Err: fmt.Errorf("missing sdp")}
		}
		return c.handleRemoteOffer(*payload.SDP)
	case signal.SignalTypeAnswer:
		if payload.SDP == nil {
			return &NegotiationError{Step: "answer", Err: fmt.Errorf("missing sdp")}
		}
		return c.handleRemoteAnswer(*payload.SDP)
	case signal.SignalTypeCandidate:
		if payload.Candidate == nil {
			slog.Debug("empty ice candidate, ignoring")
			return nil
		}
		return c.handleRemoteCandidate(*payload.Candidate)
	default:
		return &NegotiationError{Step: "dispatch", Err: fmt.Errorf("unknown signal type %q", payload.Type)}
	}
}

func (c *Controller) handleRemoteOffer(sdp signal.SessionDescription) error {
	c.mu.Lock()
	if c.conn == nil {
		if err := c.setupLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	conn := c.conn
	c.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := conn.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Step: "set remote offer", Err: err}
	}
	c.afterRemoteDescription(conn)

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{Step: "create answer", Err: err}
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Step: "set local answer", Err: err}
	}

	ld := conn.LocalDescription()
	if ld == nil {
		return &NegotiationError{Step: "answer", Err: fmt.Errorf("local description missing")}
	}
	slog.Info("sending answer")
	c.transmit(signal.SignalPayload{
		Type: signal.SignalTypeAnswer,
		SDP:  &signal.SessionDescription{Type: ld.Type.String(), SDP: ld.SDP},
	})
	return nil
}

func (c *Controller) handleRemoteAnswer(sdp signal.SessionDescription) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &NegotiationError{Step: "answer", Err: fmt.Errorf("no connection")}
	}

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := conn.SetRemoteDescription(desc); err != nil {
		c.resetOfferFlags()
		return &NegotiationError{Step: "set remote answer", Err: err}
	}
	c.afterRemoteDescription(conn)
	return nil
}

func (c *Controller) handleRemoteCandidate(cand signal.Candidate) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || conn.RemoteDescription() == nil || c.waitingForRemote {
		// No remote description yet: hold the candidate in receipt order.
		c.pendingRemote = append(c.pendingRemote, cand)
		n := len(c.pendingRemote)
		c.mu.Unlock()
		slog.Debug("queued remote candidate", "pending", n)
		return nil
	}
	c.mu.Unlock()

	if err := conn.AddICECandidate(toICECandidateInit(cand)); err != nil {
		return &NegotiationError{Step: "add candidate", Err: err}
	}
	return nil
}

// afterRemoteDescription clears the wait gate and flushes both candidate
// queues: remote candidates are applied FIFO, local ones transmitted FIFO.
func (c *Controller) afterRemoteDescription(conn Conn) {
	c.mu.Lock()
	c.waitingForRemote = false
	c.offerCreated = false
	remote := c.pendingRemote
	c.pendingRemote = nil
	local := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()

	if len(remote) > 0 {
		slog.Info("applying queued remote candidates", "count", len(remote))
		for _, cand := range remote {
			if err := conn.AddICECandidate(toICECandidateInit(cand)); err != nil {
				slog.Error("apply queued candidate failed", "err", err)
			}
		}
	}
	if len(local) > 0 {
		slog.Info("transmitting queued local candidates", "count", len(local))
		for _, cand := range local {
			cand := cand
			c.transmit(signal.SignalPayload{Type: signal.SignalTypeCandidate, Candidate: &cand})
		}
	}
}

func (c *Controller) onICECandidate(ic *webrtc.ICECandidate) {
	if ic == nil {
		slog.Debug("ice candidate gathering complete")
		return
	}
	cj := ic.ToJSON()
	cand := signal.Candidate{
		Candidate:        cj.Candidate,
		SDPMid:           cj.SDPMid,
		SDPMLineIndex:    cj.SDPMLineIndex,
		UsernameFragment: cj.UsernameFragment,
	}

	c.mu.Lock()
	if c.waitingForRemote {
		c.pendingLocal = append(c.pendingLocal, cand)
		n := len(c.pendingLocal)
		c.mu.Unlock()
		slog.Debug("queued local candidate", "pending", n)
		return
	}
	c.mu.Unlock()

	c.transmit(signal.SignalPayload{Type: signal.SignalTypeCandidate, Candidate: &cand})
}

func (c *Controller) onSignalingStateChange(state webrtc.SignalingState) {
	slog.Debug("signaling state", "state", state)
	if state != webrtc.SignalingStateStable {
		return
	}
	c.mu.Lock()
	waiting := c.waitingForRemote
	conn := c.conn
	c.mu.Unlock()
	// Recovery for out-of-order delivery: back at stable while still waiting
	// means the gate is stale. Clear it and flush.
	if waiting && conn != nil {
		slog.Warn("stable while waiting for remote description, flushing queues")
		c.afterRemoteDescription(conn)
	}
}

func (c *Controller) onNegotiationNeeded() {
	c.mu.Lock()
	skip := c.cfg.Role != room.RoleHost || c.offerCreated || c.conn == nil ||
		c.conn.SignalingState() != webrtc.SignalingStateStable
	c.mu.Unlock()
	if skip {
		slog.Debug("negotiation needed ignored")
		return
	}
	slog.Info("negotiation needed, scheduling offer")
	c.schedule(c.cfg.Delays.OfferDebounce, func() {
		if err := c.CreateOffer(); err != nil {
			slog.Error("debounced offer failed", "err", err)
		}
	})
}

func (c *Controller) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	slog.Info("ice connection state", "state", state)
	if state != webrtc.ICEConnectionStateFailed {
		return
	}

	c.cfg.Notify("Connection issue detected. Attempting to recover...")
	if c.cfg.OnFailure != nil {
		c.cfg.OnFailure(&ConnectionFailure{Stage: "ice"})
	}
	c.resetOfferFlags()
	if c.cfg.Role != room.RoleHost {
		return
	}
	// ICE restart first; a full rebuild only if the whole connection fails.
	c.schedule(c.cfg.Delays.ICERestartDelay, func() {
		slog.Info("attempting ice restart offer")
		if err := c.createOffer(true); err != nil {
			slog.Error("ice restart offer failed", "err", err)
		}
	})
}

func (c *Controller) onConnectionStateChange(state webrtc.PeerConnectionState) {
	slog.Info("connection state", "state", state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.cfg.Notify("Video connection established!")
	case webrtc.PeerConnectionStateDisconnected:
		c.cfg.Notify("Connection with partner lost. Waiting for reconnection...")
	case webrtc.PeerConnectionStateFailed:
		c.cfg.Notify("Connection failed. Attempting to reconnect...")
		if c.cfg.OnFailure != nil {
			c.cfg.OnFailure(&ConnectionFailure{Stage: "connection"})
		}
		c.resetOfferFlags()
		// Only the host rebuilds, so both sides never race to recover.
		if c.cfg.Role != room.RoleHost {
			return
		}
		c.schedule(c.cfg.Delays.RebuildDelay, func() {
			slog.Info("rebuilding peer connection after failure")
			if err := c.Setup(); err != nil {
				slog.Error("rebuild failed", "err", err)
				return
			}
			if err := c.CreateOffer(); err != nil {
				slog.Error("offer after rebuild failed", "err", err)
			}
		})
	}
}

// ForceOffer is the manual recovery escalation: flags cleared, fresh offer.
// A non-stable connection is rebuilt first.
func (c *Controller) ForceOffer() error {
	c.mu.Lock()
	c.offerCreated = false
	c.waitingForRemote = false
	c.pendingLocal = nil
	c.pendingRemote = nil
	needsRebuild := c.conn == nil || c.conn.SignalingState() != webrtc.SignalingStateStable
	if needsRebuild {
		if err := c.setupLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()
	return c.CreateOffer()
}

// FullReset rebuilds the Conn from scratch and, on the host, re-offers.
func (c *Controller) FullReset() error {
	if err := c.Setup(); err != nil {
		return err
	}
	if c.cfg.Role == room.RoleHost {
		return c.CreateOffer()
	}
	return nil
}

// SendOnChannel tunnels an envelope over the data channel. Callers fall back
// to the relay when this fails.
func (c *Controller) SendOnChannel(event string, payload any) error {
	c.mu.Lock()
	dc := c.chatDC
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open")
	}
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return dc.SendText(string(raw))
}

// ChannelOpen reports whether the chat data channel is usable.
func (c *Controller) ChannelOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatDC != nil && c.chatDC.ReadyState() == webrtc.DataChannelStateOpen
}

// DescribeState snapshots the state machine for diagnostics.
func (c *Controller) DescribeState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Role:                        c.cfg.Role,
		SignalingState:              "closed",
		ICEConnectionState:          "closed",
		ConnectionState:             "closed",
		OfferCreated:                c.offerCreated,
		WaitingForRemoteDescription: c.waitingForRemote,
		PendingLocalCandidates:      len(c.pendingLocal),
		PendingRemoteCandidates:     len(c.pendingRemote),
		DataChannelOpen:             c.chatDC != nil && c.chatDC.ReadyState() == webrtc.DataChannelStateOpen,
	}
	if c.conn != nil {
		s.SignalingState = c.conn.SignalingState().String()
		s.ICEConnectionState = c.conn.ICEConnectionState().String()
		s.ConnectionState = c.conn.ConnectionState().String()
		s.HasLocalDescription = c.conn.LocalDescription() != nil
		s.HasRemoteDescription = c.conn.RemoteDescription() != nil
	}
	return s
}

// Close tears the controller down: every timer cancelled, the channel and
// Conn closed, both queues cleared.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = map[*time.Timer]struct{}{}
	c.teardownConnLocked()
	return nil
}

func (c *Controller) teardownConnLocked() {
	if c.chatDC != nil {
		_ = c.chatDC.Close()
		c.chatDC = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			slog.Warn("peer connection close failed", "err", err)
		}
		c.conn = nil
	}
	c.pendingLocal = nil
	c.pendingRemote = nil
	c.offerCreated = false
	c.waitingForRemote = false
}

func (c *Controller) resetOfferFlags() {
	c.mu.Lock()
	c.offerCreated = false
	c.waitingForRemote = false
	c.mu.Unlock()
}

// transmit sends a negotiation payload over the active transport: data
// channel when open, signaling relay otherwise.
func (c *Controller) transmit(payload signal.SignalPayload) {
	if err := c.SendOnChannel(signal.EventSignal, payload); err == nil {
		return
	}
	if err := c.cfg.SendSignal(payload); err != nil {
		slog.Error("signal transmit failed", "type", payload.Type, "err", err)
	}
}

func (c *Controller) adoptDataChannel(dc DataChannel) {
	slog.Info("data channel arrived", "label", dc.Label())
	c.mu.Lock()
	c.installDataChannelLocked(dc)
	c.mu.Unlock()
}

func (c *Controller) installDataChannelLocked(dc DataChannel) {
	c.chatDC = dc
	dc.OnOpen(func() { slog.Info("data channel open", "label", dc.Label()) })
	dc.OnClose(func() { slog.Info("data channel closed", "label", dc.Label()) })
	dc.OnError(func(err error) { slog.Warn("data channel error", "err", err) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var env signal.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("bad data channel message", "err", err)
			return
		}
		if env.Event == signal.EventSignal {
			payload, err := signal.DecodePayload[signal.SignalPayload](env.Data)
			if err != nil {
				slog.Warn("bad tunneled signal", "err", err)
				return
			}
			if err := c.HandleSignal(payload); err != nil {
				slog.Error("tunneled signal failed", "err", err)
			}
			return
		}
		if c.cfg.OnChannelMessage != nil {
			c.cfg.OnChannelMessage(env.Event, env.Data)
		}
	})
}

// schedule runs f after d unless the controller closes first.
func (c *Controller) schedule(d time.Duration, f func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, t)
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			f()
		}
	})
	c.timers[t] = struct{}{}
	c.mu.Unlock()
}

func toICECandidateInit(cand signal.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
}
