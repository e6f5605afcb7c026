package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/bus"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type gatewayConfig struct {
	busURL    string
	inbound   string
	outbound  string
	from      int64
	text      string
	callback  string
	chatID    int64
	messageID int64
	listen    bool
	timeout   time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock gateway failed: %v", err)
	}
}

func parseConfig() gatewayConfig {
	var cfg gatewayConfig
	flag.StringVar(&cfg.busURL, "bus", nats.DefaultURL, "NATS URL shared with the relay")
	flag.StringVar(&cfg.inbound, "inbound", "relay.inbound", "Subject the relay consumes updates from")
	flag.StringVar(&cfg.outbound, "outbound", "relay.outbound", "Prefix of the relay's outbound subjects")
	flag.Int64Var(&cfg.from, "from", 0, "Chat user id the update originates from")
	flag.StringVar(&cfg.text, "text", "", "Publish a text message from -from")
	flag.StringVar(&cfg.callback, "callback", "", "Publish a button press carrying this token from -from")
	flag.Int64Var(&cfg.chatID, "chat", 0, "Chat id of the message the button belongs to (defaults to -from)")
	flag.Int64Var(&cfg.messageID, "message", 1, "Message id the button belongs to")
	flag.BoolVar(&cfg.listen, "listen", false, "Print outbound traffic and answer present requests until interrupted")
	flag.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "Flush timeout for published updates")
	flag.Parse()

	if cfg.text == "" && cfg.callback == "" && !cfg.listen {
		log.Fatalf("nothing to do: pass -text, -callback or -listen")
	}
	if (cfg.text != "" || cfg.callback != "") && cfg.from == 0 {
		log.Fatalf("-from is required when publishing updates")
	}
	if cfg.chatID == 0 {
		cfg.chatID = cfg.from
	}
	return cfg
}

func run(cfg gatewayConfig) error {
	client, err := bus.Connect(bus.Config{URL: cfg.busURL, Name: "anon-relay-mockgateway"}, zap.NewNop())
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.text != "" {
		if err := publish(client, cfg.inbound, bus.Update{ID: bus.NewID(), Kind: bus.KindMessage, From: cfg.from, Text: cfg.text}); err != nil {
			return err
		}
		log.Printf("published message from %d", cfg.from)
	}
	if cfg.callback != "" {
		upd := bus.Update{
			ID:         bus.NewID(),
			Kind:       bus.KindCallback,
			From:       cfg.from,
			CallbackID: bus.NewID(),
			Data:       cfg.callback,
			Ref:        bus.Ref{ChatID: cfg.chatID, MessageID: cfg.messageID},
		}
		if err := publish(client, cfg.inbound, upd); err != nil {
			return err
		}
		log.Printf("published callback %q from %d", cfg.callback, cfg.from)
	}

	if err := client.Flush(cfg.timeout); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if !cfg.listen {
		return nil
	}
	return listen(client, cfg.outbound)
}

func publish(client *bus.Client, subject string, env bus.Update) error {
	data, err := bus.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	return client.Publish(subject, data)
}

func listen(client *bus.Client, prefix string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var nextMessageID atomic.Int64
	sub, err := client.Subscribe(prefix+".>", func(msg *nats.Msg) {
		suffix := strings.TrimPrefix(msg.Subject, prefix+".")
		switch suffix {
		case bus.SubjectSend:
			var d bus.Delivery
			if err := bus.Unmarshal(msg.Data, &d); err != nil {
				log.Printf("bad delivery: %v", err)
				return
			}
			log.Printf("send -> %d:\n%s", d.Recipient, d.Text)
		case bus.SubjectPresent:
			var d bus.Delivery
			if err := bus.Unmarshal(msg.Data, &d); err != nil {
				log.Printf("bad delivery: %v", err)
				return
			}
			ref := bus.Ref{ChatID: d.Recipient, MessageID: nextMessageID.Add(1)}
			log.Printf("present -> %d (message %d):\n%s\n%s", d.Recipient, ref.MessageID, d.Text, formatButtons(d.Controls))
			reply, err := bus.Marshal(bus.Presented{ID: d.ID, Ref: ref})
			if err != nil {
				log.Printf("encode presented: %v", err)
				return
			}
			if err := msg.Respond(reply); err != nil {
				log.Printf("respond: %v", err)
			}
		case bus.SubjectReplace:
			var r bus.Replacement
			if err := bus.Unmarshal(msg.Data, &r); err != nil {
				log.Printf("bad replacement: %v", err)
				return
			}
			log.Printf("replace %d/%d:\n%s\n%s", r.Ref.ChatID, r.Ref.MessageID, r.Text, formatButtons(r.Controls))
		case bus.SubjectAck:
			var a bus.Ack
			if err := bus.Unmarshal(msg.Data, &a); err != nil {
				log.Printf("bad ack: %v", err)
				return
			}
			log.Printf("ack %s: %q", a.CallbackID, a.Notice)
		default:
			log.Printf("unexpected subject %s", msg.Subject)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	log.Printf("listening on %s.>", prefix)
	<-ctx.Done()
	return nil
}

func formatButtons(buttons []bus.Button) string {
	parts := make([]string, 0, len(buttons))
	for _, b := range buttons {
		parts = append(parts, fmt.Sprintf("[%s -> %s]", b.Label, b.Token))
	}
	return strings.Join(parts, " ")
}
