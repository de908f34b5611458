package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cowatch/signal"
)

type sendRecorder struct {
	events []string
	err    error
}

func (r *sendRecorder) send(event string, payload any) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func TestSendPrefersDataChannel(t *testing.T) {
	channel := &sendRecorder{}
	relay := &sendRecorder{}
	tr := NewTransport(channel.send, relay.send)

	if err := tr.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(channel.events) != 1 || len(relay.events) != 0 {
		t.Errorf("expected channel transport, got channel=%d relay=%d", len(channel.events), len(relay.events))
	}
}

func TestSendFallsBackToRelay(t *testing.T) {
	channel := &sendRecorder{err: errors.New("not open")}
	relay := &sendRecorder{}
	tr := NewTransport(channel.send, relay.send)

	if err := tr.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(relay.events) != 1 {
		t.Error("message did not fall back to the relay")
	}

	// Optimistic append happens either way.
	transcript := tr.Transcript()
	if len(transcript) != 1 || transcript[0].Sender != SenderSelf || transcript[0].Text != "hello" {
		t.Errorf("unexpected transcript %v", transcript)
	}
}

func TestReceiveAppendsPartnerMessage(t *testing.T) {
	tr := NewTransport((&sendRecorder{}).send, (&sendRecorder{}).send)

	data, _ := json.Marshal(signal.ChatPayload{Message: "hi there"})
	tr.Receive(data)

	select {
	case msg := <-tr.Incoming():
		if msg.Sender != SenderPartner || msg.Text != "hi there" {
			t.Errorf("unexpected message %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no incoming message delivered")
	}

	tr.Receive(json.RawMessage(`{"message":""}`))
	if got := tr.Transcript(); len(got) != 1 {
		t.Errorf("empty message should not be recorded, transcript %v", got)
	}
}
