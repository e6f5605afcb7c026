package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hermes-proxy/anon-relay/internal/relay"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Handler consumes decoded inbound updates. *relay.Router satisfies it.
type Handler interface {
	HandleMessage(ctx context.Context, msg relay.InboundMessage) error
	HandleCallback(ctx context.Context, cb relay.Callback) error
}

// Subscriber is the inbound half of a bus connection.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (Subscription, error)
}

// ConsumerOptions tunes the worker pool.
type ConsumerOptions struct {
	Subject   string
	Workers   int
	QueueSize int
	Registry  prometheus.Registerer
}

// Consumer fans inbound updates out to a bounded pool of workers. Updates
// arriving while the queue is full, or still queued at shutdown, are dropped.
type Consumer struct {
	sub       Subscriber
	subject   string
	workers   int
	queueSize int
	log       *zap.Logger
	dropped   *prometheus.CounterVec
}

// NewConsumer builds a consumer reading opts.Subject from sub.
func NewConsumer(sub Subscriber, opts ConsumerOptions, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bus_dropped_total",
		Help: "Inbound bus updates dropped before reaching the router, by reason.",
	}, []string{"reason"})
	if opts.Registry != nil {
		opts.Registry.MustRegister(dropped)
	}
	return &Consumer{
		sub:       sub,
		subject:   opts.Subject,
		workers:   opts.Workers,
		queueSize: opts.QueueSize,
		log:       log,
		dropped:   dropped,
	}
}

// Run subscribes and dispatches updates to h until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	queue := make(chan *nats.Msg, c.queueSize)
	sub, err := c.sub.Subscribe(c.subject, func(msg *nats.Msg) {
		select {
		case queue <- msg:
		default:
			c.dropped.WithLabelValues("queue_full").Inc()
			c.log.Warn("inbound queue full, dropping update", zap.String("subject", msg.Subject))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.log.Info("consuming updates", zap.String("subject", c.subject), zap.Int("workers", c.workers))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-queue:
					if ctx.Err() != nil {
						c.dropped.WithLabelValues("shutdown").Inc()
						continue
					}
					c.dispatch(ctx, h, msg.Data)
				}
			}
		}()
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.log.Warn("unsubscribe", zap.Error(err))
	}
	wg.Wait()

	var pending int
drain:
	for {
		select {
		case <-queue:
			pending++
		default:
			break drain
		}
	}
	if pending > 0 {
		c.dropped.WithLabelValues("shutdown").Add(float64(pending))
		c.log.Warn("dropping queued updates on shutdown", zap.Int("count", pending))
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, h Handler, data []byte) {
	var upd Update
	if err := Unmarshal(data, &upd); err != nil {
		c.dropped.WithLabelValues("undecodable").Inc()
		c.log.Warn("undecodable update", zap.Error(err))
		return
	}

	var err error
	switch upd.Kind {
	case KindMessage:
		err = h.HandleMessage(ctx, relay.InboundMessage{From: upd.From, Text: upd.Text})
	case KindCallback:
		err = h.HandleCallback(ctx, relay.Callback{
			ID:   upd.CallbackID,
			From: upd.From,
			Data: upd.Data,
			Ref:  fromRef(upd.Ref),
		})
	default:
		c.dropped.WithLabelValues("unknown_kind").Inc()
		c.log.Debug("ignoring update", zap.String("update_id", upd.ID), zap.String("kind", upd.Kind))
		return
	}
	if err != nil {
		c.log.Warn("update failed", zap.String("update_id", upd.ID), zap.String("kind", upd.Kind), zap.Error(err))
	}
}
