package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/relay"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type fakeSubscription struct {
	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

type fakeSubscriber struct {
	mu      sync.Mutex
	subject string
	handler nats.MsgHandler
	sub     *fakeSubscription
	ready   chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{sub: &fakeSubscription{}, ready: make(chan struct{})}
}

func (f *fakeSubscriber) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	f.mu.Lock()
	f.subject = subject
	f.handler = handler
	f.mu.Unlock()
	close(f.ready)
	return f.sub, nil
}

func (f *fakeSubscriber) deliver(t *testing.T, upd Update) {
	t.Helper()
	data, err := Marshal(upd)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(&nats.Msg{Subject: f.subject, Data: data})
}

type recordingHandler struct {
	messages  chan relay.InboundMessage
	callbacks chan relay.Callback
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg relay.InboundMessage) error {
	h.messages <- msg
	return nil
}

func (h *recordingHandler) HandleCallback(_ context.Context, cb relay.Callback) error {
	h.callbacks <- cb
	return errors.New("render failed")
}

func TestConsumerDispatchesUpdates(t *testing.T) {
	sub := newFakeSubscriber()
	c := NewConsumer(sub, ConsumerOptions{Subject: "relay.inbound", Workers: 2, QueueSize: 8}, zaptest.NewLogger(t))
	h := &recordingHandler{messages: make(chan relay.InboundMessage, 1), callbacks: make(chan relay.Callback, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	<-sub.ready

	sub.deliver(t, Update{ID: "u1", Kind: KindMessage, From: 42, Text: "hello"})
	sub.deliver(t, Update{ID: "u2", Kind: KindCallback, From: 7, CallbackID: "cb", Data: "al_page_1", Ref: Ref{ChatID: 7, MessageID: 3}})

	select {
	case msg := <-h.messages:
		if msg.From != 42 || msg.Text != "hello" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not dispatched")
	}
	select {
	case cb := <-h.callbacks:
		want := relay.Callback{ID: "cb", From: 7, Data: "al_page_1", Ref: relay.MessageRef{ChatID: 7, MessageID: 3}}
		if cb != want {
			t.Fatalf("unexpected callback %+v", cb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not dispatched")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	if sub.subject != "relay.inbound" || !sub.sub.unsubscribed {
		t.Fatalf("expected subscription on relay.inbound to be released")
	}
}

func TestConsumerDropsWhenQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	sub := newFakeSubscriber()
	c := NewConsumer(sub, ConsumerOptions{Subject: "in", Workers: 1, QueueSize: 1, Registry: reg}, zaptest.NewLogger(t))

	block := make(chan struct{})
	h := &blockingHandler{started: make(chan struct{}, 1), release: block}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	<-sub.ready

	sub.deliver(t, Update{Kind: KindMessage, From: 1, Text: "a"})
	<-h.started
	sub.deliver(t, Update{Kind: KindMessage, From: 1, Text: "b"})
	sub.deliver(t, Update{Kind: KindMessage, From: 1, Text: "c"})

	if got := testutil.ToFloat64(c.dropped.WithLabelValues("queue_full")); got != 1 {
		t.Fatalf("expected one dropped update, got %v", got)
	}
	close(block)
	cancel()
	<-done
}

func TestConsumerCountsUndecodableUpdates(t *testing.T) {
	c := NewConsumer(newFakeSubscriber(), ConsumerOptions{Subject: "in"}, zaptest.NewLogger(t))
	h := &recordingHandler{messages: make(chan relay.InboundMessage, 1), callbacks: make(chan relay.Callback, 1)}

	c.dispatch(context.Background(), h, []byte{0xff, 0x00})
	data, _ := Marshal(Update{Kind: "sticker"})
	c.dispatch(context.Background(), h, data)

	if got := testutil.ToFloat64(c.dropped.WithLabelValues("undecodable")); got != 1 {
		t.Fatalf("expected one undecodable update, got %v", got)
	}
	if got := testutil.ToFloat64(c.dropped.WithLabelValues("unknown_kind")); got != 1 {
		t.Fatalf("expected one unknown kind, got %v", got)
	}
	if len(h.messages) != 0 || len(h.callbacks) != 0 {
		t.Fatalf("nothing should reach the handler")
	}
}

type blockingHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandler) HandleMessage(ctx context.Context, _ relay.InboundMessage) error {
	select {
	case h.started <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return nil
}

func (h *blockingHandler) HandleCallback(context.Context, relay.Callback) error {
	return nil
}

func TestConsumerCountsUpdatesQueuedAtShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	sub := newFakeSubscriber()
	c := NewConsumer(sub, ConsumerOptions{Subject: "in", Workers: 1, QueueSize: 4, Registry: reg}, zaptest.NewLogger(t))

	h := &blockingHandler{started: make(chan struct{}, 1), release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	<-sub.ready

	sub.deliver(t, Update{Kind: KindMessage, From: 1, Text: "a"})
	<-h.started
	sub.deliver(t, Update{Kind: KindMessage, From: 1, Text: "b"})
	sub.deliver(t, Update{Kind: KindMessage, From: 1, Text: "c"})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	if got := testutil.ToFloat64(c.dropped.WithLabelValues("shutdown")); got != 2 {
		t.Fatalf("expected two updates dropped at shutdown, got %v", got)
	}
	if got := testutil.ToFloat64(c.dropped.WithLabelValues("queue_full")); got != 0 {
		t.Fatalf("expected no queue_full drops, got %v", got)
	}
}
