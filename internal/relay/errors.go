package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested identity or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBoundary indicates navigation past the first or last page.
	ErrBoundary = errors.New("list boundary reached")
	// ErrRelayFailure wraps store and transport failures.
	ErrRelayFailure = errors.New("relay failure")
)

// failure wraps a collaborator error so callers can match ErrRelayFailure
// while keeping the cause for logs.
func failure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRelayFailure, err)
}

// errorCode maps an error to a metrics label.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBoundary):
		return "boundary"
	case errors.Is(err, ErrRelayFailure):
		return "relay_failure"
	default:
		return "internal"
	}
}
