package persistence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/petrijr/orchestro/pkg/api"
)

// CacheConfig controls the read-through cache in front of a store.
type CacheConfig struct {
	// Size is the maximum number of cached workflows. Defaults to 1024.
	Size int
	// TTL bounds how long an entry may be served without consulting the
	// backing store. Defaults to one minute.
	TTL time.Duration
}

// CachedStore decorates a WorkflowStore with an LRU cache for FindByID.
//
// Save writes through and refreshes the entry; Delete invalidates it. List
// operations always go to the backing store. Entries are deep copies, so the
// cache never hands out shared memory.
type CachedStore struct {
	inner WorkflowStore
	cache *expirable.LRU[string, *api.Workflow]

	hits   atomic.Int64
	misses atomic.Int64
}

var _ WorkflowStore = (*CachedStore)(nil)

var _ Pinger = (*CachedStore)(nil)

// NewCachedStore wraps inner with a size and TTL bounded cache.
func NewCachedStore(inner WorkflowStore, cfg CacheConfig) *CachedStore {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &CachedStore{
		inner: inner,
		cache: expirable.NewLRU[string, *api.Workflow](cfg.Size, nil, cfg.TTL),
	}
}

func (c *CachedStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	saved, err := c.inner.Save(ctx, wf)
	if err != nil {
		// The backing write may have partially applied; do not serve stale data.
		c.cache.Remove(wf.WorkflowID)
		return nil, err
	}
	c.cache.Add(saved.WorkflowID, saved.Clone())
	return saved, nil
}

func (c *CachedStore) FindByID(ctx context.Context, id string) (*api.Workflow, error) {
	if wf, ok := c.cache.Get(id); ok {
		c.hits.Add(1)
		return wf.Clone(), nil
	}
	c.misses.Add(1)

	wf, err := c.inner.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, wf.Clone())
	return wf, nil
}

func (c *CachedStore) FindAll(ctx context.Context) ([]*api.Workflow, error) {
	return c.inner.FindAll(ctx)
}

func (c *CachedStore) FindByStatus(ctx context.Context, status api.Status) ([]*api.Workflow, error) {
	return c.inner.FindByStatus(ctx, status)
}

func (c *CachedStore) Delete(ctx context.Context, id string) (bool, error) {
	c.cache.Remove(id)
	return c.inner.Delete(ctx, id)
}

// Ping delegates to the backing store when it supports it.
func (c *CachedStore) Ping(ctx context.Context) error {
	if p, ok := c.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Stats returns the current hit/miss counters.
func (c *CachedStore) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.Len(),
	}
}
