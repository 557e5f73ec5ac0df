package rbac

import (
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// PermissionSet is an actor's effective permissions.
type PermissionSet map[Permission]struct{}

// PermissionCache memoizes effective permission sets per graph version.
// A mutation bumps the version, so stale entries are never read and age
// out of the cache on their own.
type PermissionCache struct {
	cache *ristretto.Cache[string, PermissionSet]
	group singleflight.Group
}

// NewPermissionCache sizes the cache for roughly maxActors resolved sets.
func NewPermissionCache(maxActors int64) (*PermissionCache, error) {
	if maxActors <= 0 {
		maxActors = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, PermissionSet]{
		NumCounters: maxActors * 10,
		MaxCost:     maxActors,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PermissionCache{cache: cache}, nil
}

// Resolve returns the cached set for (version, actorID), computing it once
// when absent.
func (c *PermissionCache) Resolve(version uint64, actorID string, compute func() PermissionSet) PermissionSet {
	key := strconv.FormatUint(version, 10) + ":" + actorID
	if perms, ok := c.cache.Get(key); ok {
		return perms
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		perms := compute()
		c.cache.Set(key, perms, 1)
		return perms, nil
	})
	return v.(PermissionSet)
}

// Close releases the cache goroutines.
func (c *PermissionCache) Close() {
	c.cache.Close()
}
