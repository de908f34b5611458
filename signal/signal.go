// Package signal defines the wire protocol spoken between clients and the
// rendezvous relay, and the payloads tunneled over the peer data channel.
// Everything here is serializable: SDP and ICE candidates travel as their
// primitive fields, never as native webrtc objects.
package signal

import "encoding/json"

// Event names understood by the relay.
const (
	EventJoin         = "join"
	EventJoinedRoom   = "joined-room"
	EventCheckRoom    = "check-room"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventSignal       = "signal"
	EventChatMessage  = "chat-message"
	EventVideoControl = "video-control"
	EventLeaveRoom    = "leave-room"
	EventPing         = "ping"
	EventAck          = "ack"
	EventError        = "error"
)

// Signal payload types carried by EventSignal.
const (
	SignalTypeOffer     = "offer"
	SignalTypeAnswer    = "answer"
	SignalTypeCandidate = "ice-candidate"
)

// Error codes carried by EventError.
const (
	ErrCodeRoomFull = "room-full"
)

// Envelope frames every message on the relay websocket. Ack is non-zero when
// the sender expects a reply envelope with EventAck and the same Ack value.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// JoinPayload is the client's join intent.
type JoinPayload struct {
	Room   string `json:"room"`
	IsHost bool   `json:"isHost"`
}

// JoinedRoomPayload is the relay's join confirmation.
type JoinedRoomPayload struct {
	RoomCode   string `json:"roomCode"`
	IsHost     bool   `json:"isHost"`
	UsersCount int    `json:"usersCount"`
}

// RoomStatus is the ack reply to EventCheckRoom.
type RoomStatus struct {
	Exists     bool `json:"exists"`
	UsersCount int  `json:"usersCount"`
}

// SessionDescription is the serializable form of a negotiated description.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the serializable form of an ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalPayload carries one negotiation step. Exactly one of SDP or Candidate
// is set, according to Type.
type SignalPayload struct {
	Type      string              `json:"type"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

// ChatPayload carries one text chat message.
type ChatPayload struct {
	Message string `json:"message"`
}

// VideoControlPayload carries one playback sync command.
type VideoControlPayload struct {
	Action string  `json:"action"`
	Time   float64 `json:"time"`
}

// Playback actions carried by VideoControlPayload.
const (
	ActionPlay  = "play"
	ActionPause = "pause"
	ActionSeek  = "seek"
)

// ErrorPayload is pushed by the relay when a request is rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload unmarshals an envelope's raw data into a concrete payload.
func DecodePayload[T any](data json.RawMessage) (T, error) {
	var target T
	err := json.Unmarshal(data, &target)
	return target, err
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
