package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hermes-proxy/anon-relay/internal/paging"
	"github.com/hermes-proxy/anon-relay/internal/storage"
)

// Browser renders one sender's message history page by page.
type Browser struct {
	store storage.Store
}

// NewBrowser builds a Browser over store.
func NewBrowser(store storage.Store) *Browser {
	return &Browser{store: store}
}

// Render returns page of owner's messages. Unknown owners yield ErrNotFound,
// pages outside the live list yield ErrBoundary.
func (b *Browser) Render(ctx context.Context, owner int64, page int) (Page, error) {
	ident, err := b.store.FindIdentityBySurfaceID(ctx, owner)
	if err != nil {
		// The browser never needs the real id, so an unresolvable one still renders.
		if errors.Is(err, storage.ErrNotFound) {
			return Page{}, ErrNotFound
		}
		if !errors.Is(err, storage.ErrUnresolvable) {
			return Page{}, fmt.Errorf("find identity: %w", err)
		}
	}
	if ident.ID == 0 {
		return Page{}, ErrNotFound
	}

	msgs, err := b.store.ListMessagesByOwner(ctx, owner)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return Page{Text: fmt.Sprintf(formatNoMessages, ident.Handle, ident.ID)}, nil
	}

	maxPage := paging.MaxPage(len(msgs), messagesPerPage)
	if !paging.InRange(page, maxPage) {
		return Page{}, ErrBoundary
	}

	start, end := paging.Window(len(msgs), page, messagesPerPage)
	rows := make([]string, 0, end-start)
	for _, m := range msgs[start:end] {
		rows = append(rows, fmt.Sprintf(formatMessageRow, m.ID, m.Text))
	}
	header := fmt.Sprintf(formatMessagesHeader, ident.Handle, ident.ID)

	return Page{
		Text:     header + "\n\n" + strings.Join(rows, "\n\n"),
		Controls: navControls(paging.KindMessages, ident.ID, page, maxPage),
	}, nil
}
