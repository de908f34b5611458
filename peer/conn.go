package peer

import (
	"github.com/pion/webrtc/v4"
)

// Conn is the subset of a webrtc peer connection the controller drives.
// The production implementation wraps pion; tests substitute a fake to pin
// down event-ordering behavior without real ICE.
type Conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState
	ConnectionState() webrtc.PeerConnectionState

	CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error)
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init webrtc.RTPTransceiverInit) error
	Senders() []Sender

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(f func())
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnDataChannel(f func(DataChannel))

	Close() error
}

// Sender is the track-replacement surface of an RTP sender.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// DataChannel is the message surface of a webrtc data channel.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// ConnFactory builds a fresh Conn. The default wires pion.
type ConnFactory func(cfg webrtc.Configuration) (Conn, error)

// NewPionConn is the production ConnFactory.
func NewPionConn(cfg webrtc.Configuration) (Conn, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(options)
}

func (c *pionConn) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(options)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) LocalDescription() *webrtc.SessionDescription  { return c.pc.LocalDescription() }
func (c *pionConn) RemoteDescription() *webrtc.SessionDescription { return c.pc.RemoteDescription() }
func (c *pionConn) SignalingState() webrtc.SignalingState         { return c.pc.SignalingState() }
func (c *pionConn) ICEConnectionState() webrtc.ICEConnectionState { return c.pc.ICEConnectionState() }
func (c *pionConn) ConnectionState() webrtc.PeerConnectionState   { return c.pc.ConnectionState() }

func (c *pionConn) CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	s, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *pionConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, init webrtc.RTPTransceiverInit) error {
	_, err := c.pc.AddTransceiverFromKind(kind, init)
	return err
}

func (c *pionConn) Senders() []Sender {
	senders := c.pc.GetSenders()
	out := make([]Sender, 0, len(senders))
	for _, s := range senders {
		out = append(out, s)
	}
	return out
}

func (c *pionConn) OnICECandidate(f func(*webrtc.ICECandidate)) { c.pc.OnICECandidate(f) }

func (c *pionConn) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	c.pc.OnSignalingStateChange(f)
}

func (c *pionConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionConn) OnNegotiationNeeded(f func()) { c.pc.OnNegotiationNeeded(f) }

func (c *pionConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { c.pc.OnTrack(f) }

func (c *pionConn) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) { f(dc) })
}

func (c *pionConn) Close() error { return c.pc.Close() }
