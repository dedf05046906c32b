package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/apikey"
	"github.com/chimerakang/sentinel-go/logger"
)

var _ apikey.Store = (*CachedKeys)(nil)

// CachedKeys wraps an apikey.Store with a read-through Redis cache of key
// records. Revocation invalidates the cached record; LastUsed in a cached
// record may lag by up to the TTL.
type CachedKeys struct {
	store  apikey.Store
	client Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// DefaultKeyCacheTTL bounds how long a revoked key can stay cached on
// another instance that missed the invalidation.
const DefaultKeyCacheTTL = 30 * time.Second

// NewCachedKeys creates the cache. A zero ttl means DefaultKeyCacheTTL.
func NewCachedKeys(store apikey.Store, client Client, prefix string, ttl time.Duration, log *slog.Logger) *CachedKeys {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	if log == nil {
		log = logger.Discard()
	}
	return &CachedKeys{store: store, client: client, prefix: prefix, ttl: ttl, log: log}
}

// cachedKey is the cache encoding; APIKey hides its hash and scopes from JSON.
type cachedKey struct {
	KeyID      string                `json:"key_id"`
	AccountID  string                `json:"account_id"`
	SecretHash string                `json:"secret_hash"`
	Scopes     []sentinel.Permission `json:"scopes"`
	RateLimit  int                   `json:"rate_limit"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
	LastUsed   *time.Time            `json:"last_used,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	Revoked    bool                  `json:"revoked"`
}

func toCached(k *sentinel.APIKey) cachedKey {
	return cachedKey{
		KeyID:      k.KeyID,
		AccountID:  k.AccountID,
		SecretHash: k.SecretHash,
		Scopes:     k.ScopeList(),
		RateLimit:  k.RateLimit,
		ExpiresAt:  k.ExpiresAt,
		LastUsed:   k.LastUsed,
		CreatedAt:  k.CreatedAt,
		Revoked:    k.Revoked,
	}
}

func (c cachedKey) apiKey() *sentinel.APIKey {
	scopes := make(map[sentinel.Permission]struct{}, len(c.Scopes))
	for _, p := range c.Scopes {
		scopes[p] = struct{}{}
	}
	return &sentinel.APIKey{
		KeyID:      c.KeyID,
		AccountID:  c.AccountID,
		SecretHash: c.SecretHash,
		Scopes:     scopes,
		RateLimit:  c.RateLimit,
		ExpiresAt:  c.ExpiresAt,
		LastUsed:   c.LastUsed,
		CreatedAt:  c.CreatedAt,
		Revoked:    c.Revoked,
	}
}

func (c *CachedKeys) cacheKey(keyID string) string {
	return c.prefix + "apikey:" + keyID
}

func (c *CachedKeys) CreateKey(ctx context.Context, key *sentinel.APIKey) error {
	return c.store.CreateKey(ctx, key)
}

// LoadKey serves from cache, falling back to the store. Cache failures are
// logged and never fail the lookup.
func (c *CachedKeys) LoadKey(ctx context.Context, keyID string) (*sentinel.APIKey, error) {
	ck := c.cacheKey(keyID)
	raw, err := c.client.Get(ctx, ck).Bytes()
	switch {
	case err == nil:
		var cached cachedKey
		jerr := json.Unmarshal(raw, &cached)
		if jerr == nil {
			return cached.apiKey(), nil
		}
		c.log.DebugContext(ctx, "discarding undecodable cached api key", "key_id", keyID, "error", jerr)
	case !errors.Is(err, redis.Nil):
		c.log.WarnContext(ctx, "api key cache read failed", "key_id", keyID, "error", err)
	}

	key, err := c.store.LoadKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(toCached(key)); jerr == nil {
		if serr := c.client.Set(ctx, ck, data, c.ttl).Err(); serr != nil {
			c.log.WarnContext(ctx, "api key cache write failed", "key_id", keyID, "error", serr)
		}
	}
	return key, nil
}

func (c *CachedKeys) ListKeys(ctx context.Context, accountID string) ([]*sentinel.APIKey, error) {
	return c.store.ListKeys(ctx, accountID)
}

// RevokeKey revokes in the store and drops the cached record.
func (c *CachedKeys) RevokeKey(ctx context.Context, keyID string) error {
	if err := c.store.RevokeKey(ctx, keyID); err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.cacheKey(keyID)).Err(); err != nil {
		c.log.WarnContext(ctx, "api key cache invalidation failed", "key_id", keyID, "error", err)
	}
	return nil
}

func (c *CachedKeys) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	return c.store.TouchKey(ctx, keyID, at)
}
