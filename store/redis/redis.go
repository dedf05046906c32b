// Package redis provides Redis-backed implementations of the session
// revocation set and an API key cache, so several instances share state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	sentinel "github.com/chimerakang/sentinel-go"
)

// Client is the subset of the go-redis client used here.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("sentinel/redis: ping %s: %w", addr, err)
	}
	return c, nil
}

var _ sentinel.RevocationStore = (*Revocations)(nil)

// Revocations stores revoked token IDs as keys that expire with the token.
type Revocations struct {
	client Client
	prefix string
	now    func() time.Time
}

// RevocationOption configures Revocations.
type RevocationOption func(*Revocations)

// WithPrefix sets the key prefix. Default "sentinel:".
func WithPrefix(p string) RevocationOption {
	return func(r *Revocations) { r.prefix = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RevocationOption {
	return func(r *Revocations) { r.now = now }
}

// NewRevocations creates a revocation store on client.
func NewRevocations(client Client, opts ...RevocationOption) *Revocations {
	r := &Revocations{client: client, prefix: "sentinel:", now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Revocations) key(tokenID string) string {
	return r.prefix + "revoked:" + tokenID
}

// Revoke stores the token ID until expiresAt. Tokens that already expired
// are not stored since they fail verification anyway.
func (r *Revocations) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	// Redis rejects sub-millisecond expirations.
	ttl = max(ttl, time.Millisecond)
	if err := r.client.Set(ctx, r.key(tokenID), expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("sentinel/redis: revoke %s: %w", tokenID, err)
	}
	return nil
}

func (r *Revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("sentinel/redis: lookup %s: %w", tokenID, err)
	}
	return n > 0, nil
}

// advanceMark sets KEYS[1] to ARGV[1] (unix millis) with a PX of ARGV[2]
// unless the stored mark is already at or past it.
const advanceMark = `
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1`

func (r *Revocations) accountKey(accountID string) string {
	return r.prefix + "revoked-account:" + accountID
}

// RevokeAccount records the account's mark until the last token it covers
// has expired. An older mark never replaces a newer one.
func (r *Revocations) RevokeAccount(ctx context.Context, accountID string, before, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	ttl = max(ttl, time.Millisecond)
	err := r.client.Eval(ctx, advanceMark, []string{r.accountKey(accountID)},
		before.UnixMilli(), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("sentinel/redis: revoke account %s: %w", accountID, err)
	}
	return nil
}

func (r *Revocations) AccountRevokedBefore(ctx context.Context, accountID string) (time.Time, error) {
	ms, err := r.client.Get(ctx, r.accountKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sentinel/redis: lookup account %s: %w", accountID, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Sweep is a no-op: Redis expires entries on its own.
func (r *Revocations) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
