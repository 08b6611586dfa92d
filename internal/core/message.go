package core

import (
	"encoding/json"
	"fmt"
)

// Message types shared by the presence and identity sockets.
const (
	// presence, client -> server
	MessageJoin   = "join"
	MessageLeave  = "leave"
	MessagePing   = "ping"
	MessageWhoAmI = "whoami"

	// presence, server -> client
	MessageEvent = "event"
	MessagePong  = "pong"
	MessageError = "error"

	// identity broker
	MessageOpen      = "open"
	MessageOffer     = "offer"
	MessageAnswer    = "answer"
	MessageCandidate = "candidate"
	MessageBye       = "bye"
	MessageExpire    = "expire"
)

// Message is the envelope of every frame on both sockets.
type Message struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(typ string, payload any) (Message, error) {
	m := Message{Type: typ}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return m, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	m.Payload = raw
	return m, nil
}

// NewEvent wraps a room event for delivery to presence subscribers.
func NewEvent(event string, payload any) (Message, error) {
	m, err := NewMessage(MessageEvent, payload)
	m.Event = event
	return m, err
}

func ErrorMessage(reason string) Message {
	return Message{Type: MessageError, Error: reason}
}

func (m Message) Encode() (Frame, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
