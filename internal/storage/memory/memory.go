// Package memory is a map-backed record store for development and tests.
// Contents do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/storage"
)

// Store keeps identities and messages in maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	byID     map[int64]storage.Identity
	byReal   map[int64]int64
	handles  map[string]int64
	messages map[int64]storage.Message
	nextID   int64
	nextMsg  int64
	nowFn    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:     make(map[int64]storage.Identity),
		byReal:   make(map[int64]int64),
		handles:  make(map[string]int64),
		messages: make(map[int64]storage.Message),
		nowFn:    time.Now,
	}
}

// FindIdentityByRealID fetches the identity registered for realID.
func (s *Store) FindIdentityByRealID(ctx context.Context, realID int64) (storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byReal[realID]
	if !ok {
		return storage.Identity{}, storage.ErrNotFound
	}
	return s.byID[id], ctx.Err()
}

// CountIdentities returns the number of identities.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), ctx.Err()
}

// InsertIdentity registers a new identity if neither realID nor handle is taken.
func (s *Store) InsertIdentity(ctx context.Context, realID int64, handle string) (storage.Identity, error) {
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byReal[realID]; exists {
		return storage.Identity{}, storage.ErrRealIDTaken
	}
	if _, exists := s.handles[handle]; exists {
		return storage.Identity{}, storage.ErrHandleTaken
	}
	s.nextID++
	ident := storage.Identity{
		ID:        s.nextID,
		RealID:    realID,
		Handle:    handle,
		CreatedAt: s.nowFn().UTC(),
	}
	s.byID[ident.ID] = ident
	s.byReal[realID] = ident.ID
	s.handles[handle] = ident.ID
	return ident, nil
}

// InsertMessage stores text under ownerID.
func (s *Store) InsertMessage(ctx context.Context, ownerID int64, text string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ownerID]; !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	s.nextMsg++
	msg := storage.Message{
		ID:        s.nextMsg,
		OwnerID:   ownerID,
		Text:      text,
		CreatedAt: s.nowFn().UTC(),
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

// ListIdentitiesWithCounts enumerates identities by ascending id with message counts.
func (s *Store) ListIdentitiesWithCounts(ctx context.Context) ([]storage.SenderSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int, len(s.byID))
	for _, msg := range s.messages {
		counts[msg.OwnerID]++
	}
	out := make([]storage.SenderSummary, 0, len(s.byID))
	for _, ident := range s.byID {
		out = append(out, storage.SenderSummary{
			ID:           ident.ID,
			Handle:       ident.Handle,
			MessageCount: counts[ident.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, ctx.Err()
}

// FindIdentityBySurfaceID fetches an identity by its surface id.
func (s *Store) FindIdentityBySurfaceID(ctx context.Context, id int64) (storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.byID[id]
	if !ok {
		return storage.Identity{}, storage.ErrNotFound
	}
	return ident, ctx.Err()
}

// ListMessagesByOwner returns ownerID's messages by ascending id.
func (s *Store) ListMessagesByOwner(ctx context.Context, ownerID int64) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Message
	for _, msg := range s.messages {
		if msg.OwnerID == ownerID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, ctx.Err()
}

// FindMessageBySurfaceID fetches a message by its surface id.
func (s *Store) FindMessageBySurfaceID(ctx context.Context, id int64) (storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	return msg, ctx.Err()
}
