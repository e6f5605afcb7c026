package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/relay"
	"go.uber.org/zap/zaptest"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []published
	requests  []published
	reply     func(data []byte) ([]byte, error)
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, published{subject: subject, data: data})
	reply := f.reply
	f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("request without deadline")
	}
	return reply(data)
}

func TestTransportSendPublishesDelivery(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(pub, "relay.outbound", time.Second, zaptest.NewLogger(t))

	if err := tr.Send(context.Background(), 42, "Reply from administrator: hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].subject != "relay.outbound.send" {
		t.Fatalf("unexpected publishes %+v", pub.published)
	}
	var got Delivery
	if err := Unmarshal(pub.published[0].data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Recipient != 42 || got.Text != "Reply from administrator: hi" || got.ID == "" {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestTransportPresentWaitsForRef(t *testing.T) {
	pub := &fakePublisher{}
	pub.reply = func(data []byte) ([]byte, error) {
		var d Delivery
		if err := Unmarshal(data, &d); err != nil {
			return nil, err
		}
		if len(d.Controls) != 2 || d.Controls[1].Token != "al_page_1" {
			return Marshal(Presented{ID: d.ID, Error: "bad controls"})
		}
		return Marshal(Presented{ID: d.ID, Ref: Ref{ChatID: d.Recipient, MessageID: 77}})
	}
	tr := NewTransport(pub, "relay.outbound", time.Second, zaptest.NewLogger(t))

	controls := []relay.Control{{Label: "back", Token: "al_page_end"}, {Label: "forward", Token: "al_page_1"}}
	ref, err := tr.SendWithControls(context.Background(), 9, "page", controls)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if ref != (relay.MessageRef{ChatID: 9, MessageID: 77}) {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if pub.requests[0].subject != "relay.outbound.present" {
		t.Fatalf("unexpected subject %q", pub.requests[0].subject)
	}

	if _, err := tr.SendWithControls(context.Background(), 9, "page", controls[:1]); err == nil {
		t.Fatalf("expected gateway error to surface")
	}
}

func TestTransportReplaceAndAck(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(pub, "gw", time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	ref := relay.MessageRef{ChatID: 1, MessageID: 2}
	if err := tr.Replace(ctx, ref, "page 2", []relay.Control{{Label: "back", Token: "al_page_0"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := tr.Acknowledge(ctx, "cb-1", ""); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if pub.published[0].subject != "gw.replace" || pub.published[1].subject != "gw.ack" {
		t.Fatalf("unexpected subjects %+v", pub.published)
	}

	var rep Replacement
	if err := Unmarshal(pub.published[0].data, &rep); err != nil {
		t.Fatalf("decode replacement: %v", err)
	}
	if rep.Ref != (Ref{ChatID: 1, MessageID: 2}) || rep.Text != "page 2" || rep.Controls[0].Token != "al_page_0" {
		t.Fatalf("unexpected replacement %+v", rep)
	}
	var ack Ack
	if err := Unmarshal(pub.published[1].data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.CallbackID != "cb-1" || ack.Notice != "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestTransportHonoursCancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(pub, "gw", time.Second, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.Send(ctx, 1, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	env := Delivery{ID: "x", Recipient: 3, Text: "hi", Controls: []Button{{Label: "a", Token: "b"}}}
	first, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, _ := Marshal(env)
	if string(first) != string(second) {
		t.Fatalf("encoding is not stable")
	}
}
