package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hermes-proxy/anon-relay/internal/paging"
	"github.com/hermes-proxy/anon-relay/internal/storage"
	"go.uber.org/zap"
)

// Access is the outcome of the operator authorization check.
type Access int

const (
	Denied Access = iota
	Authorized
)

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Log        *zap.Logger
	Store      storage.Store
	Transport  Transport
	OperatorID int64
	Metrics    *Metrics
}

// Router dispatches inbound messages and button presses. It keeps no state
// between events: every decision comes from the event, a fresh store read,
// and the navigation token carried by the pressed button.
type Router struct {
	log        *zap.Logger
	store      storage.Store
	transport  Transport
	operatorID int64
	metrics    *Metrics

	resolver  *Resolver
	directory *Directory
	browser   *Browser
}

// NewRouter validates cfg and builds the resolver, directory and browser on top of it.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Store == nil {
		return nil, errors.New("record store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.OperatorID == 0 {
		return nil, errors.New("operator id is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Router{
		log:        cfg.Log,
		store:      cfg.Store,
		transport:  cfg.Transport,
		operatorID: cfg.OperatorID,
		metrics:    cfg.Metrics,
		resolver:   NewResolver(cfg.Store, cfg.Log, cfg.Metrics),
		directory:  NewDirectory(cfg.Store),
		browser:    NewBrowser(cfg.Store),
	}, nil
}

func (r *Router) authorize(caller int64) Access {
	if caller == r.operatorID {
		return Authorized
	}
	return Denied
}

type command struct {
	name string
	args string
}

// parseCommand splits "/name@bot args" into its parts.
func parseCommand(text string) (command, bool) {
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	head, rest := splitFirst(text[1:])
	name, _, _ := strings.Cut(head, "@")
	return command{name: strings.ToLower(name), args: rest}, true
}

// splitFirst returns the first whitespace-delimited field and the remainder
// with leading whitespace removed.
func splitFirst(s string) (string, string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimLeftFunc(s[idx:], unicode.IsSpace)
}

func parsePositiveID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.IndexFunc(raw, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// HandleMessage routes one inbound text message. Errors wrapping
// ErrRelayFailure have already been reported to the sender.
func (r *Router) HandleMessage(ctx context.Context, msg InboundMessage) error {
	start := time.Now()
	access := r.authorize(msg.From)

	op := "submit"
	cmd, isCommand := parseCommand(msg.Text)
	if isCommand {
		if cmd.name != "start" && access != Authorized {
			r.log.Debug("operator command denied")
			return nil
		}
		op = commandOp(cmd.name)
	}
	r.metrics.recordEvent("message")

	var err error
	switch {
	case !isCommand:
		err = r.routeText(ctx, access, msg)
	default:
		err = r.routeCommand(ctx, msg.From, cmd)
	}
	r.metrics.observe(op, start, err)

	if errors.Is(err, ErrRelayFailure) {
		r.log.Error("message handling failed", zap.String("op", op), zap.Error(err))
		if sendErr := r.transport.Send(ctx, msg.From, textFailure); sendErr != nil {
			r.log.Warn("report failure", zap.Error(sendErr))
		}
	}
	return err
}

func (r *Router) routeText(ctx context.Context, access Access, msg InboundMessage) error {
	if access == Authorized {
		// The operator talks back through /r only.
		return nil
	}
	if strings.TrimSpace(msg.Text) == "" {
		return r.send(ctx, msg.From, textGreeting)
	}
	return r.submit(ctx, msg)
}

// commandOp bounds the latency label to the known command set.
func commandOp(name string) string {
	switch name {
	case "start", "help", "al", "am", "r":
		return "command_" + name
	default:
		return "command_unknown"
	}
}

// routeCommand expects access to have been checked already.
func (r *Router) routeCommand(ctx context.Context, from int64, cmd command) error {
	switch cmd.name {
	case "start":
		return r.send(ctx, from, textGreeting)
	case "help":
		return r.send(ctx, from, textHelp)
	case "al":
		return r.listSenders(ctx, from)
	case "am":
		return r.listMessages(ctx, from, cmd.args)
	case "r":
		return r.reply(ctx, from, cmd.args)
	default:
		return nil
	}
}

func (r *Router) submit(ctx context.Context, msg InboundMessage) error {
	ident, err := r.resolver.ResolveOrCreate(ctx, msg.From)
	if err != nil {
		return failure("resolve identity", err)
	}
	stored, err := r.store.InsertMessage(ctx, ident.ID, msg.Text)
	if err != nil {
		return failure("store message", err)
	}
	notice := fmt.Sprintf(formatOperatorNotice, stored.ID, ident.Handle, stored.Text)
	if err := r.send(ctx, r.operatorID, notice); err != nil {
		return err
	}
	r.log.Info("message relayed", zap.Int64("message_id", stored.ID), zap.Int64("identity_id", ident.ID))
	return r.send(ctx, msg.From, textSubmitted)
}

func (r *Router) listSenders(ctx context.Context, to int64) error {
	page, err := r.directory.Render(ctx, 0)
	if err != nil {
		return failure("render senders", err)
	}
	return r.present(ctx, to, page)
}

func (r *Router) listMessages(ctx context.Context, to int64, args string) error {
	owner, ok := parsePositiveID(args)
	if !ok {
		return r.send(ctx, to, textUsageMessages)
	}
	page, err := r.browser.Render(ctx, owner, 0)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.send(ctx, to, textSenderNotFound)
	case err != nil:
		return failure("render messages", err)
	}
	return r.present(ctx, to, page)
}

func (r *Router) reply(ctx context.Context, to int64, args string) error {
	rawID, text := splitFirst(args)
	if rawID == "" || text == "" {
		return r.send(ctx, to, textUsageReply)
	}
	msgID, ok := parsePositiveID(rawID)
	if !ok {
		return r.send(ctx, to, textUsageReply)
	}

	msg, err := r.store.FindMessageBySurfaceID(ctx, msgID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return r.send(ctx, to, textReplyNotFound)
	case err != nil:
		return failure("find message", err)
	}

	owner, err := r.store.FindIdentityBySurfaceID(ctx, msg.OwnerID)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnresolvable):
		r.log.Warn("reply recipient unresolvable", zap.Int64("message_id", msgID), zap.Error(err))
		return r.send(ctx, to, textNoRecipient)
	case err != nil:
		return failure("find recipient", err)
	}

	if err := r.send(ctx, owner.RealID, fmt.Sprintf(formatReply, text)); err != nil {
		return err
	}
	r.log.Info("reply delivered", zap.Int64("message_id", msgID), zap.Int64("identity_id", owner.ID))
	return r.send(ctx, to, textReplySent)
}

// HandleCallback routes one navigation button press.
func (r *Router) HandleCallback(ctx context.Context, cb Callback) error {
	start := time.Now()
	r.metrics.recordEvent("callback")

	notice, err := r.routeCallback(ctx, cb)
	r.metrics.observe("navigate", start, err)
	if errors.Is(err, ErrRelayFailure) {
		r.log.Error("navigation failed", zap.Error(err))
		notice = textFailure
	}
	if ackErr := r.transport.Acknowledge(ctx, cb.ID, notice); ackErr != nil {
		r.log.Warn("acknowledge callback", zap.Error(ackErr))
		if err == nil {
			err = failure("acknowledge", ackErr)
		}
	}
	return err
}

// routeCallback returns the transient notice to show on acknowledgement.
func (r *Router) routeCallback(ctx context.Context, cb Callback) (string, error) {
	if r.authorize(cb.From) != Authorized {
		return "", nil
	}

	tok, err := paging.Decode(cb.Data)
	if err != nil {
		r.log.Debug("undecodable navigation token", zap.Error(err))
		r.metrics.recordBoundary("unknown")
		return textBoundary, nil
	}
	if tok.Boundary {
		r.metrics.recordBoundary(tok.Kind.String())
		return textBoundary, nil
	}

	var page Page
	switch tok.Kind {
	case paging.KindSenders:
		page, err = r.directory.Render(ctx, tok.Page)
	case paging.KindMessages:
		page, err = r.browser.Render(ctx, tok.Owner, tok.Page)
	}
	switch {
	case errors.Is(err, ErrBoundary):
		r.metrics.recordBoundary(tok.Kind.String())
		return textBoundary, nil
	case errors.Is(err, ErrNotFound):
		page = Page{Text: textSenderNotFound}
	case err != nil:
		return "", failure("render page", err)
	}

	if err := r.transport.Replace(ctx, cb.Ref, page.Text, page.Controls); err != nil {
		return "", failure("replace page", err)
	}
	return "", nil
}

func (r *Router) present(ctx context.Context, to int64, page Page) error {
	if len(page.Controls) == 0 {
		return r.send(ctx, to, page.Text)
	}
	if _, err := r.transport.SendWithControls(ctx, to, page.Text, page.Controls); err != nil {
		return failure("send page", err)
	}
	return nil
}

func (r *Router) send(ctx context.Context, to int64, text string) error {
	if err := r.transport.Send(ctx, to, text); err != nil {
		return failure("send", err)
	}
	return nil
}
