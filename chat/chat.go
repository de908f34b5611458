// Package chat carries text messages between the two participants. The data
// channel is the preferred transport; the signaling relay is the fallback so
// chat keeps working while the peer connection is still negotiating.
package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"cowatch/signal"
)

// Sender names used in the transcript.
const (
	SenderSelf    = "You"
	SenderPartner = "Partner"
)

// Message is one transcript entry.
type Message struct {
	Sender string
	Text   string
	At     time.Time
}

// Transport sends and receives chat messages over whichever path is alive.
type Transport struct {
	// sendChannel tunnels over the data channel; an error means it is not open.
	sendChannel func(event string, payload any) error
	// sendRelay emits through the signaling relay.
	sendRelay func(event string, payload any) error

	mu         sync.Mutex
	transcript []Message

	incoming chan Message
}

// NewTransport wires a transport to its two send paths.
func NewTransport(sendChannel, sendRelay func(event string, payload any) error) *Transport {
	return &Transport{
		sendChannel: sendChannel,
		sendRelay:   sendRelay,
		incoming:    make(chan Message, 32),
	}
}

// Send transmits text and appends it to the transcript optimistically; a
// message the user typed shows up immediately regardless of transport state.
func (t *Transport) Send(text string) error {
	if text == "" {
		return nil
	}
	t.append(Message{Sender: SenderSelf, Text: text, At: time.Now()})

	payload := signal.ChatPayload{Message: text}
	if err := t.sendChannel(signal.EventChatMessage, payload); err == nil {
		return nil
	}
	slog.Debug("data channel unavailable, sending chat via relay")
	return t.sendRelay(signal.EventChatMessage, payload)
}

// Receive ingests a partner message from either transport.
func (t *Transport) Receive(data json.RawMessage) {
	payload, err := signal.DecodePayload[signal.ChatPayload](data)
	if err != nil {
		slog.Warn("bad chat payload", "err", err)
		return
	}
	if payload.Message == "" {
		return
	}
	msg := Message{Sender: SenderPartner, Text: payload.Message, At: time.Now()}
	t.append(msg)
	select {
	case t.incoming <- msg:
	default:
	}
}

// Incoming streams partner messages as they arrive.
func (t *Transport) Incoming() <-chan Message { return t.incoming }

// Transcript returns a copy of the full message history, oldest first.
func (t *Transport) Transcript() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.transcript...)
}

func (t *Transport) append(m Message) {
	t.mu.Lock()
	t.transcript = append(t.transcript, m)
	t.mu.Unlock()
}
