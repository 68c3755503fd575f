// Package cache adds a Redis read-aside layer in front of a receipt store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns ErrMiss.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedReceiptStore decorates any ReceiptStore with read-aside caching of
// single receipts. Listing always goes to the underlying store.
type CachedReceiptStore struct {
	realStore dispatch.ReceiptStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

var _ dispatch.ReceiptStore = (*CachedReceiptStore)(nil)

func NewCachedReceiptStore(realStore dispatch.ReceiptStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedReceiptStore {
	return &CachedReceiptStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedReceiptStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedReceiptStore) Get(ctx context.Context, id string) (*dispatch.Receipt, error) {
	key := cacheKey(id)

	var cached dispatch.Receipt
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, ErrMiss) {
		// Redis trouble only costs us the fast path.
		s.logger.Warn("Cache read failed, falling back to store", "receipt_id", id, "err", err)
	}

	fresh, err := s.realStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Cache fill failed", "receipt_id", id, "err", err)
	}
	return fresh, nil
}

func (s *CachedReceiptStore) List(ctx context.Context, limit int) ([]*dispatch.Receipt, error) {
	return s.realStore.List(ctx, limit)
}

// --- WRITE PATH (Invalidate-on-Write) ---

// Save writes through and drops any cached copy, since a redelivered
// message may rewrite an existing receipt.
func (s *CachedReceiptStore) Save(ctx context.Context, receipt *dispatch.Receipt) error {
	if err := s.realStore.Save(ctx, receipt); err != nil {
		return err
	}
	if err := s.cache.Del(ctx, cacheKey(receipt.ID)); err != nil {
		// The receipt is stored; a stale copy lives at most one TTL.
		s.logger.Warn("Cache invalidation failed", "receipt_id", receipt.ID, "err", err)
	}
	return nil
}

func cacheKey(id string) string {
	return "dispatch:receipts:" + id
}
