// Package catalog manages the registry of subscribable event kinds.
package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

// Catalog is the in-memory cached service for managing event kinds.
type Catalog struct {
	store    Store
	cache    map[string]cacheEntry
	cacheTTL time.Duration
	mu       sync.RWMutex
	logger   *slog.Logger
}

// cacheEntry tracks when a kind was loaded so each entry expires on its own
// TTL rather than on a catalog-wide clock.
type cacheEntry struct {
	kind     *Kind
	loadedAt time.Time
}

// Config configures the catalog service.
type Config struct {
	CacheTTL time.Duration
}

// NewCatalog creates a new Catalog backed by the given store.
func NewCatalog(store Store, cfg Config, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:    store,
		cache:    make(map[string]cacheEntry),
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// RegisterKind registers or updates an event kind definition.
func (c *Catalog) RegisterKind(ctx context.Context, def Definition, opts ...RegisterOption) (*Kind, error) {
	ro := registerOptions{}
	for _, o := range opts {
		o(&ro)
	}

	k := &Kind{
		Entity:     entity.New(),
		ID:         id.NewEventKindID(),
		Definition: def,
		Metadata:   ro.metadata,
	}

	if err := c.store.RegisterKind(ctx, k); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[def.Name] = cacheEntry{kind: k, loadedAt: time.Now()}
	c.mu.Unlock()

	return k, nil
}

// RegisterOption configures RegisterKind behavior.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	metadata map[string]string
}

// WithMetadata sets metadata on a registered event kind.
func WithMetadata(m map[string]string) RegisterOption {
	return func(o *registerOptions) { o.metadata = m }
}

// GetKind returns an event kind by name, using the cache when available.
func (c *Catalog) GetKind(ctx context.Context, name string) (*Kind, error) {
	c.mu.RLock()
	if e, ok := c.cache[name]; ok && !c.expired(e) {
		c.mu.RUnlock()
		return e.kind, nil
	}
	c.mu.RUnlock()

	k, err := c.store.GetKind(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[name] = cacheEntry{kind: k, loadedAt: time.Now()}
	c.mu.Unlock()

	return k, nil
}

// ListKinds returns all registered event kinds.
func (c *Catalog) ListKinds(ctx context.Context, opts ListOpts) ([]*Kind, error) {
	return c.store.ListKinds(ctx, opts)
}

// DeleteKind soft-deletes (deprecates) an event kind and removes it from cache.
func (c *Catalog) DeleteKind(ctx context.Context, name string) error {
	if err := c.store.DeleteKind(ctx, name); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()

	return nil
}

// InvalidateCache clears the in-memory cache, forcing fresh reads from the store.
func (c *Catalog) InvalidateCache() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// expired returns true if the entry's TTL has elapsed. A zero TTL means
// entries never expire.
func (c *Catalog) expired(e cacheEntry) bool {
	if c.cacheTTL == 0 {
		return false
	}
	return time.Since(e.loadedAt) > c.cacheTTL
}

// WarmCache preloads the cache from the store.
func (c *Catalog) WarmCache(ctx context.Context) error {
	kinds, err := c.store.ListKinds(ctx, ListOpts{IncludeDeprecated: false})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.cache = make(map[string]cacheEntry, len(kinds))
	for _, k := range kinds {
		c.cache[k.Definition.Name] = cacheEntry{kind: k, loadedAt: now}
	}
	return nil
}
