package chat

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onnwee/sameroom/telemetry"
)

// DefaultDMCacheSize bounds the direct-message channel cache.
const DefaultDMCacheSize = 50

// Resolver opens or looks up the direct-message channel for a user ID.
type Resolver func(ctx context.Context, userID string) (string, error)

// DMCache memoizes user ID to direct-message channel ID lookups, evicting the
// least recently used entry when full. Failed lookups are not cached.
type DMCache struct {
	entries *lru.Cache[string, string]
}

// NewDMCache returns a cache holding at most size entries. size <= 0 uses
// DefaultDMCacheSize.
func NewDMCache(size int) (*DMCache, error) {
	if size <= 0 {
		size = DefaultDMCacheSize
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("dm cache: %w", err)
	}
	return &DMCache{entries: c}, nil
}

// GetOrResolve returns the cached channel for userID or calls resolve and
// stores its result.
func (c *DMCache) GetOrResolve(ctx context.Context, userID string, resolve Resolver) (string, error) {
	if id, ok := c.entries.Get(userID); ok {
		telemetry.IncCacheLookup(true)
		return id, nil
	}
	telemetry.IncCacheLookup(false)
	id, err := resolve(ctx, userID)
	if err != nil {
		return "", err
	}
	c.entries.Add(userID, id)
	return id, nil
}

// Len returns the number of cached entries.
func (c *DMCache) Len() int { return c.entries.Len() }

// Purge drops every entry.
func (c *DMCache) Purge() { c.entries.Purge() }
