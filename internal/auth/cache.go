package auth

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	validTTL   = 10 * time.Hour
	invalidTTL = 5 * time.Minute
	cacheSize  = 16384
)

// verdictCache remembers verification outcomes keyed by lookup digest.
// Successful verdicts live long enough to cover a trading day; failures are
// remembered briefly to blunt brute-force probing without locking out a user
// who just rotated a key.
type verdictCache struct {
	valid   *expirable.LRU[string, string]
	invalid *expirable.LRU[string, struct{}]
}

func newVerdictCache() *verdictCache {
	return &verdictCache{
		valid:   expirable.NewLRU[string, string](cacheSize, nil, validTTL),
		invalid: expirable.NewLRU[string, struct{}](cacheSize, nil, invalidTTL),
	}
}

// lookup returns the cached user ID for a digest, or found=false on a miss.
// denied=true means the digest recently failed verification.
func (c *verdictCache) lookup(digest string) (userID string, found bool, denied bool) {
	if userID, ok := c.valid.Get(digest); ok {
		return userID, true, false
	}
	if _, ok := c.invalid.Get(digest); ok {
		return "", true, true
	}
	return "", false, false
}

func (c *verdictCache) markValid(digest, userID string) {
	c.invalid.Remove(digest)
	c.valid.Add(digest, userID)
}

func (c *verdictCache) markInvalid(digest string) {
	c.valid.Remove(digest)
	c.invalid.Add(digest, struct{}{})
}

// forget drops a digest from both tiers, forcing the next verification to
// hit the store. Used when a key is revoked or rotated.
func (c *verdictCache) forget(digest string) {
	c.valid.Remove(digest)
	c.invalid.Remove(digest)
}

// purgeUser drops every cached verdict for a user.
func (c *verdictCache) purgeUser(userID string) {
	for _, digest := range c.valid.Keys() {
		if id, ok := c.valid.Peek(digest); ok && id == userID {
			c.valid.Remove(digest)
		}
	}
}
