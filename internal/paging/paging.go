// Package paging encodes list navigation state into opaque control tokens.
//
// A token carries everything needed to render the next page: the list kind,
// the owning identity for message lists, and a zero-based page index or the
// boundary sentinel. Nothing is kept server side.
package paging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which list a token navigates.
type Kind int

const (
	// KindSenders is the operator's list of anonymous senders.
	KindSenders Kind = iota + 1
	// KindMessages is one sender's message history.
	KindMessages
)

const (
	sendersPrefix  = "al_page"
	messagesPrefix = "am_page"
	boundaryValue  = "end"
	sep            = "_"
)

// ErrMalformedToken is returned for tokens this codec never produced.
var ErrMalformedToken = errors.New("malformed navigation token")

// Token is the decoded form of a navigation control.
type Token struct {
	Kind     Kind
	Owner    int64
	Page     int
	Boundary bool
}

// Boundary returns the sentinel token for a list edge.
func Boundary(kind Kind, owner int64) Token {
	return Token{Kind: kind, Owner: owner, Boundary: true}
}

// At returns a live token for page.
func At(kind Kind, owner int64, page int) Token {
	return Token{Kind: kind, Owner: owner, Page: page}
}

func (k Kind) String() string {
	switch k {
	case KindSenders:
		return "senders"
	case KindMessages:
		return "messages"
	default:
		return "unknown"
	}
}

// Encode renders t as a flat delimiter-joined string.
func Encode(t Token) string {
	last := boundaryValue
	if !t.Boundary {
		last = strconv.Itoa(t.Page)
	}
	switch t.Kind {
	case KindMessages:
		return strings.Join([]string{messagesPrefix, strconv.FormatInt(t.Owner, 10), last}, sep)
	default:
		return strings.Join([]string{sendersPrefix, last}, sep)
	}
}

// Decode parses a token produced by Encode. Page segments that are not
// non-negative integers decode as boundary tokens; anything else that does
// not look like a token yields ErrMalformedToken.
func Decode(raw string) (Token, error) {
	switch {
	case strings.HasPrefix(raw, sendersPrefix+sep):
		rest := strings.TrimPrefix(raw, sendersPrefix+sep)
		return withPage(Token{Kind: KindSenders}, rest), nil
	case strings.HasPrefix(raw, messagesPrefix+sep):
		rest := strings.TrimPrefix(raw, messagesPrefix+sep)
		ownerRaw, pageRaw, ok := strings.Cut(rest, sep)
		if !ok {
			return Token{}, fmt.Errorf("%w: missing page segment", ErrMalformedToken)
		}
		owner, err := strconv.ParseInt(ownerRaw, 10, 64)
		if err != nil || owner <= 0 {
			return Token{}, fmt.Errorf("%w: owner %q", ErrMalformedToken, ownerRaw)
		}
		return withPage(Token{Kind: KindMessages, Owner: owner}, pageRaw), nil
	default:
		return Token{}, ErrMalformedToken
	}
}

func withPage(t Token, raw string) Token {
	if !isDigits(raw) {
		t.Boundary = true
		return t
	}
	page, err := strconv.Atoi(raw)
	if err != nil {
		t.Boundary = true
		return t
	}
	t.Page = page
	return t
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MaxPage is the last valid zero-based page index for n items.
func MaxPage(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n - 1) / size
}

// Window returns the [start, end) slice bounds of page within n items.
func Window(n, page, size int) (int, int) {
	start := page * size
	if start > n {
		start = n
	}
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > n {
		end = n
	}
	return start, end
}

// InRange reports whether page can be rendered for a list whose last page is maxPage.
func InRange(page, maxPage int) bool {
	return page >= 0 && page <= maxPage
}

// Controls builds the back and forward tokens for page.
func Controls(kind Kind, owner int64, page, maxPage int) (back, forward Token) {
	back = Boundary(kind, owner)
	if page > 0 {
		back = At(kind, owner, page-1)
	}
	forward = Boundary(kind, owner)
	if page < maxPage {
		forward = At(kind, owner, page+1)
	}
	return back, forward
}
