package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/hermes-proxy/anon-relay/internal/paging"
	"github.com/hermes-proxy/anon-relay/internal/storage"
)

const (
	sendersPerPage  = 5
	messagesPerPage = 2
)

// Page is rendered list content plus its navigation controls.
type Page struct {
	Text     string
	Controls []Control
}

// Directory renders the paginated list of anonymous senders.
type Directory struct {
	store storage.Store
}

// NewDirectory builds a Directory over store.
func NewDirectory(store storage.Store) *Directory {
	return &Directory{store: store}
}

// Render returns page of the sender list. Pages outside the live list yield ErrBoundary.
func (d *Directory) Render(ctx context.Context, page int) (Page, error) {
	senders, err := d.store.ListIdentitiesWithCounts(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("list senders: %w", err)
	}
	if len(senders) == 0 {
		return Page{Text: textNoSenders}, nil
	}

	maxPage := paging.MaxPage(len(senders), sendersPerPage)
	if !paging.InRange(page, maxPage) {
		return Page{}, ErrBoundary
	}

	start, end := paging.Window(len(senders), page, sendersPerPage)
	rows := make([]string, 0, end-start)
	for i, s := range senders[start:end] {
		rows = append(rows, fmt.Sprintf(formatSenderRow, start+i+1, s.Handle, s.ID, s.MessageCount))
	}

	return Page{
		Text:     strings.Join(rows, "\n"),
		Controls: navControls(paging.KindSenders, 0, page, maxPage),
	}, nil
}

func navControls(kind paging.Kind, owner int64, page, maxPage int) []Control {
	back, forward := paging.Controls(kind, owner, page, maxPage)
	return []Control{
		{Label: labelBack, Token: paging.Encode(back)},
		{Label: labelForward, Token: paging.Encode(forward)},
	}
}
