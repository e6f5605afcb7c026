// Package storage defines the record store contract for anonymous identities
// and relayed messages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a missing identity or message.
	ErrNotFound = errors.New("record not found")
	// ErrRealIDTaken indicates an identity already exists for the real id.
	ErrRealIDTaken = errors.New("identity already exists for real id")
	// ErrHandleTaken indicates the handle is assigned to another identity.
	ErrHandleTaken = errors.New("handle already assigned")
	// ErrUnresolvable indicates the stored real id could not be recovered.
	// Lookups return it together with the identity's remaining fields.
	ErrUnresolvable = errors.New("real id unresolvable")
)

// Identity maps a transport-level sender id to its pseudonymous handle.
type Identity struct {
	ID        int64
	RealID    int64
	Handle    string
	CreatedAt time.Time
}

// Message is one relayed text owned by an identity.
type Message struct {
	ID        int64
	OwnerID   int64
	Text      string
	CreatedAt time.Time
}

// SenderSummary is one row of the sender directory.
type SenderSummary struct {
	ID           int64
	Handle       string
	MessageCount int
}

// Store persists identities and messages. Implementations must enforce
// uniqueness of real ids and handles at the constraint level.
type Store interface {
	FindIdentityByRealID(ctx context.Context, realID int64) (Identity, error)
	CountIdentities(ctx context.Context) (int, error)
	InsertIdentity(ctx context.Context, realID int64, handle string) (Identity, error)
	InsertMessage(ctx context.Context, ownerID int64, text string) (Message, error)
	ListIdentitiesWithCounts(ctx context.Context) ([]SenderSummary, error)
	FindIdentityBySurfaceID(ctx context.Context, id int64) (Identity, error)
	ListMessagesByOwner(ctx context.Context, ownerID int64) ([]Message, error)
	FindMessageBySurfaceID(ctx context.Context, id int64) (Message, error)
}
