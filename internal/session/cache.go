package session

import (
	"context"
	"sync"
)

// IdentityCache keeps identities in memory in front of the repository.
// Identity changes are rare and every turn reads one, so a simple
// invalidate-on-write map is enough.
type IdentityCache struct {
	repo Repository

	mu    sync.RWMutex
	cache map[string]Identity
}

func NewIdentityCache(repo Repository) *IdentityCache {
	return &IdentityCache{
		repo:  repo,
		cache: make(map[string]Identity),
	}
}

func (c *IdentityCache) Get(ctx context.Context, userID string) (*Identity, error) {
	c.mu.RLock()
	if ident, ok := c.cache[userID]; ok {
		c.mu.RUnlock()
		return &ident, nil
	}
	c.mu.RUnlock()

	ident, err := c.repo.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[userID] = *ident
	c.mu.Unlock()
	return ident, nil
}

func (c *IdentityCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}
