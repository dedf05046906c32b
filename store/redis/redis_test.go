package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/apikey"
	"github.com/chimerakang/sentinel-go/fake"
	"github.com/chimerakang/sentinel-go/token"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRevocations(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)
	clock := fake.NewClock(time.Time{})
	r := NewRevocations(client, WithPrefix("test:"), WithClock(clock.Now))

	require.NoError(t, r.Revoke(ctx, "jti-1", clock.Now().Add(time.Hour)))
	assert.True(t, mr.Exists("test:revoked:jti-1"))

	ok, err := r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Hour + time.Second)
	ok, err = r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with the token")

	n, err := r.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	mr, client := setup(t)
	clock := fake.NewClock(time.Time{})
	r := NewRevocations(client, WithClock(clock.Now))

	require.NoError(t, r.Revoke(context.Background(), "old", clock.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists("sentinel:revoked:old"))
}

func TestRevocationsError(t *testing.T) {
	mr, client := setup(t)
	r := NewRevocations(client)
	mr.SetError("LOADING")

	_, err := r.IsRevoked(context.Background(), "jti")
	assert.Error(t, err)
}

func TestAccountRevocationMovesForwardOnly(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)
	clock := fake.NewClock(time.Time{})
	r := NewRevocations(client, WithClock(clock.Now))

	mark, err := r.AccountRevokedBefore(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, mark.IsZero())

	newer := clock.Now()
	require.NoError(t, r.RevokeAccount(ctx, "acct-1", newer, newer.Add(time.Hour)))
	require.NoError(t, r.RevokeAccount(ctx, "acct-1", newer.Add(-time.Minute), newer.Add(time.Hour)))

	mark, err = r.AccountRevokedBefore(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, mark.Equal(newer), "mark = %v, want %v", mark, newer)

	mr.FastForward(time.Hour + time.Second)
	mark, err = r.AccountRevokedBefore(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, mark.IsZero(), "mark should expire once its tokens have")
}

func TestRevokeAllAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, client := setup(t)
	clock := fake.NewClock(time.Time{})
	secret := []byte("0123456789abcdef0123456789abcdef")

	newInstance := func() *token.Issuer {
		i, err := token.New(
			token.WithSecret(secret),
			token.WithClock(clock.Now),
			token.WithRevocationStore(NewRevocations(client, WithClock(clock.Now))),
		)
		require.NoError(t, err)
		return i
	}
	a, b := newInstance(), newInstance()

	sess, err := b.Issue(ctx, "acct-1", time.Hour)
	require.NoError(t, err)
	other, err := b.Issue(ctx, "acct-2", time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Second)
	n, err := a.RevokeAll(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, n, "instance A tracks none of B's sessions")

	_, err = b.Verify(ctx, sess.Token)
	assert.ErrorIs(t, err, sentinel.ErrRevokedToken)
	_, err = a.Verify(ctx, sess.Token)
	assert.ErrorIs(t, err, sentinel.ErrRevokedToken)

	id, err := b.Verify(ctx, other.Token)
	require.NoError(t, err)
	assert.Equal(t, "acct-2", id)

	// a login after the revoke is unaffected
	clock.Advance(time.Second)
	fresh, err := b.Issue(ctx, "acct-1", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(ctx, fresh.Token)
	assert.NoError(t, err)
}

func newKey(id string) *sentinel.APIKey {
	return &sentinel.APIKey{
		KeyID:      id,
		AccountID:  "acct-1",
		SecretHash: "hash-" + id,
		Scopes:     map[sentinel.Permission]struct{}{sentinel.PermTradeRead: {}},
		RateLimit:  60,
		CreatedAt:  time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC),
	}
}

func TestCachedKeysReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)
	mem := apikey.NewMemoryStore()
	c := NewCachedKeys(mem, client, "test:", time.Minute, nil)

	require.NoError(t, c.CreateKey(ctx, newKey("k1")))
	assert.False(t, mr.Exists("test:apikey:k1"))

	k, err := c.LoadKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hash-k1", k.SecretHash)
	assert.True(t, mr.Exists("test:apikey:k1"))

	// served from cache: the decoded record keeps the hash and scopes
	k, err = c.LoadKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hash-k1", k.SecretHash)
	assert.True(t, k.HasScope(sentinel.PermTradeRead))
	assert.Equal(t, 60, k.RateLimit)

	require.NoError(t, c.RevokeKey(ctx, "k1"))
	assert.False(t, mr.Exists("test:apikey:k1"))
	k, err = c.LoadKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, k.Revoked)
}

func TestCachedKeysNotFound(t *testing.T) {
	_, client := setup(t)
	c := NewCachedKeys(apikey.NewMemoryStore(), client, "", 0, nil)

	_, err := c.LoadKey(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestCachedKeysFallsBackWhenRedisFails(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)
	mem := apikey.NewMemoryStore()
	require.NoError(t, mem.CreateKey(ctx, newKey("k2")))
	c := NewCachedKeys(mem, client, "", 0, nil)

	mr.SetError("READONLY")
	k, err := c.LoadKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", k.KeyID)
}
