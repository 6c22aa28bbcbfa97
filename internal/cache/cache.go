package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ayash-Bera/agregador/internal/metrics"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces a page on a cache miss. A returned error is passed to
// every waiter and nothing is cached; neither is a Transient entry.
type ComputeFunc func(ctx context.Context) (*models.CacheEntry, error)

// Cache stores merged pages and collapses concurrent misses for the same key
// into one computation.
type Cache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *logrus.Logger
}

func New(store Store, defaultTTL time.Duration, logger *logrus.Logger) *Cache {
	return &Cache{
		store:  store,
		ttl:    defaultTTL,
		logger: logger,
	}
}

// StoreName reports the backend in use.
func (c *Cache) StoreName() string { return c.store.Name() }

// Get returns the entry for key. Entries that fail to decode are dropped and
// reported as absent.
func (c *Cache) Get(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Dropping undecodable cache entry")
		_ = c.store.Delete(ctx, key)
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put stores entry under key. A non-positive ttl uses the default.
func (c *Cache) Put(ctx context.Context, key string, entry *models.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return c.store.Set(ctx, key, data, ttl)
}

const maxJoinAttempts = 3

type flightResult struct {
	entry *models.CacheEntry
	hit   bool
}

// Do returns the cached entry for key, or runs compute once for all
// concurrent callers of the same key and caches its result. The boolean
// reports whether the entry came from the store. Waiters share the returned
// entry and must not mutate it.
//
// The computation runs under the context of the caller that started it. If
// that caller goes away, waiters whose own context is still live start a
// fresh computation instead of inheriting the cancellation.
func (c *Cache) Do(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*models.CacheEntry, bool, error) {
	var (
		entry *models.CacheEntry
		hit   bool
		err   error
	)
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		entry, hit, err = c.do(ctx, key, ttl, compute)
		if err == nil || !isCancellation(err) || ctx.Err() != nil {
			break
		}
	}
	return entry, hit, err
}

func (c *Cache) do(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*models.CacheEntry, bool, error) {
	if entry, ok := c.lookup(ctx, key); ok {
		metrics.RecordCache(true)
		return entry, true, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Another flight may have filled the key between our lookup and now.
		if entry, ok := c.lookup(ctx, key); ok {
			return flightResult{entry: entry, hit: true}, nil
		}

		entry, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if entry.Transient {
			return flightResult{entry: entry}, nil
		}
		if err := c.Put(ctx, key, entry, ttl); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Failed to cache page")
		}
		return flightResult{entry: entry}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		fr := res.Val.(flightResult)
		metrics.RecordCache(fr.hit)
		if res.Shared {
			c.logger.WithField("key", key).Debug("Joined in-flight search")
		}
		return fr.entry, fr.hit, nil
	}
}

func (c *Cache) lookup(ctx context.Context, key string) (*models.CacheEntry, bool) {
	entry, ok, err := c.Get(ctx, key)
	if err != nil {
		// A broken store degrades to always-miss rather than failing searches.
		c.logger.WithError(err).Warn("Cache lookup failed")
		return nil, false
	}
	return entry, ok
}

// Invalidate removes one key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.group.Forget(key)
	return c.store.Delete(ctx, key)
}

// Clear removes every cached page.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
