// Package refcache serves read-mostly reference collections from the local store with a
// shared TTL. A fresh, non-empty collection is returned without a network call; otherwise the
// cache fetches from the network when online and falls back to whatever is stored, even if
// expired, when offline or when the fetch fails.
package refcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/store"
)

// DefaultTTL is how long a refreshed collection is considered fresh.
const DefaultTTL = 4 * time.Hour

var (
	// ErrNoData is returned when neither the network nor the local store can provide a collection.
	ErrNoData = errors.New("no data available offline")
	// ErrUnknownCollection is returned for a collection that was never registered.
	ErrUnknownCollection = errors.New("unknown reference collection")
)

// FetchFunc loads a collection from the network.
type FetchFunc func(ctx context.Context) ([]models.ReferenceItem, error)

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// Cache is the reference data cache.
type Cache struct {
	repo    store.ReferenceRepo
	network OnlineChecker
	ttl     time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	fetchers map[string]FetchFunc
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over repo.
func New(repo store.ReferenceRepo, network OnlineChecker, opts ...Option) *Cache {
	c := &Cache{
		repo:     repo,
		network:  network,
		ttl:      DefaultTTL,
		now:      time.Now,
		fetchers: make(map[string]FetchFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetCachedOrFetch returns collection, preferring a fresh local copy, then the network, then
// any stored copy. It fails with ErrNoData only when nothing at all is available.
func (c *Cache) GetCachedOrFetch(ctx context.Context, collection string, fetch FetchFunc) ([]models.ReferenceItem, error) {
	if collection == "" {
		return nil, models.ErrEmptyCollection
	}
	meta, err := c.repo.GetCacheMeta(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("read cache meta for %s: %w", collection, err)
	}
	if meta.Fresh(c.now()) {
		items, err := c.repo.ListReferenceItems(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", collection, err)
		}
		// A fresh but empty collection is not trusted.
		if len(items) > 0 {
			slog.Debug("Cache.GetCachedOrFetch: cache hit", "collection", collection, "count", len(items))
			return items, nil
		}
	}
	return c.fetchOrFallback(ctx, collection, fetch)
}

// fetchOrFallback tries the network when online and falls back to stored rows.
func (c *Cache) fetchOrFallback(ctx context.Context, collection string, fetch FetchFunc) ([]models.ReferenceItem, error) {
	if c.network.Online() && fetch != nil {
		items, err := c.fetchAndStore(ctx, collection, fetch)
		if err == nil {
			return items, nil
		}
		slog.Warn("Cache.fetchOrFallback: fetch failed, trying stored data", "collection", collection, "error", err)
	}

	stale, err := c.repo.ListReferenceItems(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}
	if len(stale) > 0 {
		slog.Debug("Cache.fetchOrFallback: serving stored data", "collection", collection, "count", len(stale))
		return stale, nil
	}
	return nil, fmt.Errorf("%s: %w", collection, ErrNoData)
}

func (c *Cache) fetchAndStore(ctx context.Context, collection string, fetch FetchFunc) ([]models.ReferenceItem, error) {
	items, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	meta := models.CacheMeta{Key: collection, UpdatedAt: now, ExpiresAt: now.Add(c.ttl)}
	if err := c.repo.ReplaceReferenceItems(ctx, collection, items, meta); err != nil {
		return nil, fmt.Errorf("store %s: %w", collection, err)
	}
	// Return what later cache hits will see: the store collapses repeated values.
	stored, err := c.repo.ListReferenceItems(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}
	slog.Info("Cache.fetchAndStore: collection refreshed", "collection", collection, "fetched", len(items), "stored", len(stored))
	return stored, nil
}

// Register binds a fetch function to a collection name for Load, Refresh and PrefetchAll.
func (c *Cache) Register(collection string, fetch FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[collection] = fetch
}

// Collections returns the registered collection names in sorted order.
func (c *Cache) Collections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.fetchers))
	for name := range c.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Cache) fetcher(collection string) (FetchFunc, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fetch, ok := c.fetchers[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return fetch, nil
}

// Load is GetCachedOrFetch with the registered fetch function.
func (c *Cache) Load(ctx context.Context, collection string) ([]models.ReferenceItem, error) {
	fetch, err := c.fetcher(collection)
	if err != nil {
		return nil, err
	}
	return c.GetCachedOrFetch(ctx, collection, fetch)
}

// Refresh skips the freshness check and goes to the network first, falling back to stored
// data like GetCachedOrFetch.
func (c *Cache) Refresh(ctx context.Context, collection string) ([]models.ReferenceItem, error) {
	fetch, err := c.fetcher(collection)
	if err != nil {
		return nil, err
	}
	return c.fetchOrFallback(ctx, collection, fetch)
}

// Report summarises a PrefetchAll or RefreshAll run.
type Report struct {
	Loaded map[string]int
	Failed map[string]error
}

// FailedCount returns the number of collections that could not be loaded.
func (r Report) FailedCount() int {
	return len(r.Failed)
}

// PrefetchAll loads every registered collection concurrently. One failing collection does
// not stop the others.
func (c *Cache) PrefetchAll(ctx context.Context) Report {
	return c.all(ctx, c.Load)
}

// RefreshAll refreshes every registered collection network-first, concurrently.
func (c *Cache) RefreshAll(ctx context.Context) Report {
	return c.all(ctx, c.Refresh)
}

func (c *Cache) all(ctx context.Context, load func(context.Context, string) ([]models.ReferenceItem, error)) Report {
	names := c.Collections()
	report := Report{Loaded: make(map[string]int), Failed: make(map[string]error)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			items, err := load(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				return
			}
			report.Loaded[name] = len(items)
		}(name)
	}
	wg.Wait()

	if n := report.FailedCount(); n > 0 {
		slog.Warn("Cache.all: some collections could not be cached", "failed", n, "total", len(names))
	}
	return report
}

// CollectionStatus describes one cached collection for inspection.
type CollectionStatus struct {
	Name       string     `json:"name" yaml:"name"`
	Registered bool       `json:"registered" yaml:"registered"`
	Items      int        `json:"items" yaml:"items"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Fresh      bool       `json:"fresh" yaml:"fresh"`
}

// Status lists every registered or stored collection with its freshness.
func (c *Cache) Status(ctx context.Context) ([]CollectionStatus, error) {
	metas, err := c.repo.ListCacheMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache meta: %w", err)
	}
	byName := make(map[string]*CollectionStatus)
	for _, name := range c.Collections() {
		byName[name] = &CollectionStatus{Name: name, Registered: true}
	}
	now := c.now()
	for i := range metas {
		m := metas[i]
		st, ok := byName[m.Key]
		if !ok {
			st = &CollectionStatus{Name: m.Key}
			byName[m.Key] = st
		}
		updated, expires := m.UpdatedAt, m.ExpiresAt
		st.UpdatedAt = &updated
		st.ExpiresAt = &expires
		st.Fresh = m.Fresh(now)
	}

	out := make([]CollectionStatus, 0, len(byName))
	for name, st := range byName {
		items, err := c.repo.ListReferenceItems(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		st.Items = len(items)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
