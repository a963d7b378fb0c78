package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SaleOracle/internal/domain/models"
	"SaleOracle/pkg/cache"
)

const keyPrefix = "oracle:price"

// EntryStore keeps at most one CacheEntry per asset.
type EntryStore interface {
	Load(ctx context.Context, asset string) (models.CacheEntry, bool, error)
	Save(ctx context.Context, entry models.CacheEntry) error
	Clear(ctx context.Context) error
}

// CacheStore keeps entries in a pkg/cache backend. With a MemoryCache it is
// process local; with a RedisCache entries are shared between replicas.
type CacheStore struct {
	backend cache.Service
	ttl     time.Duration
}

// NewCacheStore stores entries with the given ttl. The ttl only bounds how long
// dead entries occupy the backend; freshness is decided by the oracle.
func NewCacheStore(backend cache.Service, ttl time.Duration) *CacheStore {
	return &CacheStore{backend: backend, ttl: ttl}
}

func (s *CacheStore) Load(ctx context.Context, asset string) (models.CacheEntry, bool, error) {
	var entry models.CacheEntry
	err := s.backend.Get(ctx, cache.GenerateKey(keyPrefix, asset), &entry)
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		return models.CacheEntry{}, false, nil
	case err != nil:
		return models.CacheEntry{}, false, fmt.Errorf("load %s: %w", asset, err)
	}
	return entry, true, nil
}

// Save replaces the entry for the price's asset as a single value.
func (s *CacheStore) Save(ctx context.Context, entry models.CacheEntry) error {
	if err := s.backend.Set(ctx, cache.GenerateKey(keyPrefix, entry.Price.Asset), entry, s.ttl); err != nil {
		return fmt.Errorf("save %s: %w", entry.Price.Asset, err)
	}
	return nil
}

func (s *CacheStore) Clear(ctx context.Context) error {
	if err := s.backend.DeleteByPattern(ctx, cache.BuildPattern(keyPrefix)); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}
