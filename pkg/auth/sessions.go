package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// SessionCache stores verified identities keyed by token hash, so a
// busy client does not hit the identity provider on every request. A
// nil Redis client disables caching.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionCache builds a SessionCache with the given entry lifetime.
func NewSessionCache(client *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

func sessionKey(tokenHash string) string {
	return "gatekeeper:session:" + tokenHash
}

// Get returns the cached identity for a token hash, or nil on miss.
// Cache errors degrade to a miss.
func (c *SessionCache) Get(ctx context.Context, tokenHash string) *Identity {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := c.client.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		return nil
	}

	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil
	}
	return &ident
}

// Set caches an identity for a token hash. Errors are ignored; the
// cache is best-effort.
func (c *SessionCache) Set(ctx context.Context, tokenHash string, ident *Identity) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(ident)
	if err != nil {
		return
	}
	c.client.Set(ctx, sessionKey(tokenHash), data, c.ttl)
}

// Invalidate drops a cached session.
func (c *SessionCache) Invalidate(ctx context.Context, tokenHash string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, sessionKey(tokenHash))
}
