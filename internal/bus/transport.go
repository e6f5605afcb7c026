package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/relay"
	"go.uber.org/zap"
)

// Publisher is the outbound half of a bus connection.
type Publisher interface {
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Transport delivers relay output to the gateway as bus envelopes.
type Transport struct {
	pub            Publisher
	prefix         string
	requestTimeout time.Duration
	log            *zap.Logger
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport publishes under prefix. Requests give up after requestTimeout.
func NewTransport(pub Publisher, prefix string, requestTimeout time.Duration, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Transport{pub: pub, prefix: prefix, requestTimeout: requestTimeout, log: log}
}

func (t *Transport) subject(suffix string) string {
	return t.prefix + "." + suffix
}

// Send publishes a plain delivery.
func (t *Transport) Send(ctx context.Context, recipient int64, text string) error {
	return t.publish(ctx, SubjectSend, Delivery{ID: NewID(), Recipient: recipient, Text: text})
}

// SendWithControls asks the gateway to deliver text with buttons and waits
// for the reference of the delivered message.
func (t *Transport) SendWithControls(ctx context.Context, recipient int64, text string, controls []relay.Control) (relay.MessageRef, error) {
	env := Delivery{ID: NewID(), Recipient: recipient, Text: text, Controls: toButtons(controls)}
	data, err := Marshal(env)
	if err != nil {
		return relay.MessageRef{}, fmt.Errorf("encode delivery: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()
	reply, err := t.pub.Request(reqCtx, t.subject(SubjectPresent), data)
	if err != nil {
		return relay.MessageRef{}, fmt.Errorf("present %s: %w", env.ID, err)
	}

	var presented Presented
	if err := Unmarshal(reply, &presented); err != nil {
		return relay.MessageRef{}, fmt.Errorf("decode presented: %w", err)
	}
	if presented.Error != "" {
		return relay.MessageRef{}, fmt.Errorf("present %s: %w", env.ID, errors.New(presented.Error))
	}
	return fromRef(presented.Ref), nil
}

// Replace publishes an in-place edit of a delivered message.
func (t *Transport) Replace(ctx context.Context, ref relay.MessageRef, text string, controls []relay.Control) error {
	return t.publish(ctx, SubjectReplace, Replacement{
		ID:       NewID(),
		Ref:      toRef(ref),
		Text:     text,
		Controls: toButtons(controls),
	})
}

// Acknowledge publishes a button press answer.
func (t *Transport) Acknowledge(ctx context.Context, callbackID, notice string) error {
	return t.publish(ctx, SubjectAck, Ack{ID: NewID(), CallbackID: callbackID, Notice: notice})
}

func (t *Transport) publish(ctx context.Context, suffix string, env any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", suffix, err)
	}
	subject := t.subject(suffix)
	if err := t.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	t.log.Debug("envelope published", zap.String("subject", subject))
	return nil
}
