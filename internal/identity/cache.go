package identity

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"
)

const DefaultKeyCacheTTL = 5 * time.Minute

type cachedKey struct {
	key     *rsa.PublicKey
	expires time.Time
}

// Cache wraps a Store and remembers public keys for a while. Ownership and
// membership are always read through, since revoking access must be immediate.
type Cache struct {
	Store

	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	keys map[Principal]cachedKey
}

func NewCache(s Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &Cache{Store: s, ttl: ttl, now: time.Now, keys: make(map[Principal]cachedKey)}
}

func (c *Cache) PublicKeyOf(ctx context.Context, p Principal) (*rsa.PublicKey, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.keys[p]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.key, nil
	}
	c.mu.Unlock()

	key, err := c.Store.PublicKeyOf(ctx, p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keys[p] = cachedKey{key: key, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return key, nil
}

// Invalidate drops the cached key for p.
func (c *Cache) Invalidate(p Principal) {
	c.mu.Lock()
	delete(c.keys, p)
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many remain.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, e := range c.keys {
		if !now.Before(e.expires) {
			delete(c.keys, p)
		}
	}
	return len(c.keys)
}

var _ Store = (*Cache)(nil)
