package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hermes-proxy/anon-relay/internal/storage"
	"go.uber.org/zap"
)

// maxResolveAttempts bounds the count-then-insert retries when concurrent
// first contacts collide on the same handle.
const maxResolveAttempts = 8

// Resolver maps real sender ids to durable anonymous identities.
type Resolver struct {
	store   storage.Store
	log     *zap.Logger
	metrics *Metrics
}

// NewResolver builds a Resolver over store.
func NewResolver(store storage.Store, log *zap.Logger, metrics *Metrics) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log, metrics: metrics}
}

// ResolveOrCreate returns the identity for realID, creating it on first contact.
//
// Handles are assigned as "Anonymous_<count+1>". The store rejects duplicate
// real ids and duplicate handles; a real id conflict means another unit of
// work created this sender first, a handle conflict means a different sender
// took the number, so the count is re-read and the insert retried.
func (r *Resolver) ResolveOrCreate(ctx context.Context, realID int64) (storage.Identity, error) {
	last := 0
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		ident, err := r.store.FindIdentityByRealID(ctx, realID)
		if err == nil {
			return ident, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Identity{}, fmt.Errorf("find identity: %w", err)
		}

		count, err := r.store.CountIdentities(ctx)
		if err != nil {
			return storage.Identity{}, fmt.Errorf("count identities: %w", err)
		}

		next := count + 1
		if next <= last {
			next = last + 1
		}
		last = next

		handle := handlePrefix + strconv.Itoa(next)
		ident, err = r.store.InsertIdentity(ctx, realID, handle)
		switch {
		case err == nil:
			r.metrics.recordIdentity()
			r.log.Info("identity created", zap.Int64("identity_id", ident.ID), zap.String("handle", ident.Handle))
			return ident, nil
		case errors.Is(err, storage.ErrRealIDTaken), errors.Is(err, storage.ErrHandleTaken):
			r.log.Debug("identity insert conflict", zap.Int("attempt", attempt), zap.Error(err))
			continue
		default:
			return storage.Identity{}, fmt.Errorf("insert identity: %w", err)
		}
	}
	return storage.Identity{}, fmt.Errorf("resolve identity: gave up after %d attempts", maxResolveAttempts)
}
