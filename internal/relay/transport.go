package relay

import "context"

// Control is a button carrying an encoded navigation token.
type Control struct {
	Label string
	Token string
}

// MessageRef addresses a previously delivered message so it can be replaced in place.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Transport delivers text to chat participants.
type Transport interface {
	Send(ctx context.Context, recipient int64, text string) error
	SendWithControls(ctx context.Context, recipient int64, text string, controls []Control) (MessageRef, error)
	Replace(ctx context.Context, ref MessageRef, text string, controls []Control) error
	// Acknowledge answers a button press; an empty notice acknowledges silently.
	Acknowledge(ctx context.Context, callbackID, notice string) error
}

// InboundMessage is a text message received from any participant.
type InboundMessage struct {
	From int64
	Text string
}

// Callback is a button press on a message previously sent by the relay.
type Callback struct {
	ID   string
	From int64
	Data string
	Ref  MessageRef
}
