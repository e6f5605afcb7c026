package bus

import (
	"github.com/google/uuid"
	"github.com/hermes-proxy/anon-relay/internal/relay"
)

// Update kinds published by the gateway on the inbound subject.
const (
	KindMessage  = "message"
	KindCallback = "callback"
)

// Outbound subject suffixes appended to the configured prefix.
const (
	SubjectSend    = "send"
	SubjectPresent = "present"
	SubjectReplace = "replace"
	SubjectAck     = "ack"
)

// Ref addresses a delivered chat message.
type Ref struct {
	ChatID    int64 `cbor:"chat_id"`
	MessageID int64 `cbor:"message_id"`
}

// Button is one navigation control attached to a delivery.
type Button struct {
	Label string `cbor:"label"`
	Token string `cbor:"token"`
}

// Update is an inbound event from the chat gateway.
type Update struct {
	ID         string `cbor:"id"`
	Kind       string `cbor:"kind"`
	From       int64  `cbor:"from"`
	Text       string `cbor:"text,omitempty"`
	CallbackID string `cbor:"callback_id,omitempty"`
	Data       string `cbor:"data,omitempty"`
	Ref        Ref    `cbor:"ref"`
}

// Delivery asks the gateway to send text, optionally with buttons.
type Delivery struct {
	ID        string   `cbor:"id"`
	Recipient int64    `cbor:"recipient"`
	Text      string   `cbor:"text"`
	Controls  []Button `cbor:"controls,omitempty"`
}

// Presented is the gateway's reply to a present request.
type Presented struct {
	ID    string `cbor:"id"`
	Ref   Ref    `cbor:"ref"`
	Error string `cbor:"error,omitempty"`
}

// Replacement asks the gateway to edit a delivered message in place.
type Replacement struct {
	ID       string   `cbor:"id"`
	Ref      Ref      `cbor:"ref"`
	Text     string   `cbor:"text"`
	Controls []Button `cbor:"controls,omitempty"`
}

// Ack answers a button press; an empty notice is silent.
type Ack struct {
	ID         string `cbor:"id"`
	CallbackID string `cbor:"callback_id"`
	Notice     string `cbor:"notice,omitempty"`
}

// NewID returns a random envelope id for log correlation.
func NewID() string {
	return uuid.NewString()
}

func toButtons(controls []relay.Control) []Button {
	if len(controls) == 0 {
		return nil
	}
	out := make([]Button, 0, len(controls))
	for _, c := range controls {
		out = append(out, Button{Label: c.Label, Token: c.Token})
	}
	return out
}

func toRef(ref relay.MessageRef) Ref {
	return Ref{ChatID: ref.ChatID, MessageID: ref.MessageID}
}

func fromRef(ref Ref) relay.MessageRef {
	return relay.MessageRef{ChatID: ref.ChatID, MessageID: ref.MessageID}
}
