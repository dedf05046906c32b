// Package apikey manages scoped API keys with per-key rate limits.
//
// A raw key has the form sk_<keyID>_<secret>. Only a keyed fingerprint of the
// whole raw key is stored; the raw key is returned once by CreateKey.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/chimerakang/sentinel-go/ratelimit"
	"github.com/google/uuid"
)

const (
	prefix = "sk_"

	DefaultRateLimit = 60
	DefaultWindow    = time.Minute

	secretBytes = 32
)

// Fingerprinter hashes key material with a process-held key.
// *encryption.Service implements it.
type Fingerprinter interface {
	Fingerprint(data []byte) string
}

// Registry creates and verifies API keys.
type Registry struct {
	store   Store
	hasher  Fingerprinter
	limiter *ratelimit.Limiter
	events  sentinel.EventSink
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	defaultLimit int
	// compared against when the key ID is unknown
	dummyHash string
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore replaces the in-memory key store.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithLimiter sets the limiter that holds per-key windows.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// WithDefaultRateLimit sets the limit used when CreateKey gets rateLimit <= 0.
func WithDefaultRateLimit(n int) Option {
	return func(r *Registry) { r.defaultLimit = n }
}

// WithEvents sets where api_key_* events go.
func WithEvents(s sentinel.EventSink) Option {
	return func(r *Registry) { r.events = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry hashing secrets with hasher.
func New(hasher Fingerprinter, opts ...Option) *Registry {
	r := &Registry{
		hasher:       hasher,
		log:          logger.Discard(),
		now:          time.Now,
		defaultLimit: DefaultRateLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.limiter == nil {
		r.limiter = ratelimit.New(r.defaultLimit, DefaultWindow, ratelimit.WithClock(r.now))
	}
	r.dummyHash = hasher.Fingerprint([]byte(prefix + "dummy"))
	return r
}

// CreateKey issues a key for accountID and returns its ID and the raw key.
// rateLimit is requests per limiter window; ttl <= 0 means no expiry.
func (r *Registry) CreateKey(ctx context.Context, accountID string, scopes []sentinel.Permission, rateLimit int, ttl time.Duration) (string, string, error) {
	if accountID == "" {
		return "", "", errors.New("sentinel/apikey: accountID cannot be empty")
	}
	if len(scopes) == 0 {
		return "", "", errors.New("sentinel/apikey: at least one scope is required")
	}
	if rateLimit <= 0 {
		rateLimit = r.defaultLimit
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("sentinel/apikey: generate secret: %w", err)
	}
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")
	raw := prefix + keyID + "_" + base64.RawURLEncoding.EncodeToString(buf)

	now := r.now()
	key := &sentinel.APIKey{
		KeyID:      keyID,
		AccountID:  accountID,
		SecretHash: r.hasher.Fingerprint([]byte(raw)),
		Scopes:     make(map[sentinel.Permission]struct{}, len(scopes)),
		RateLimit:  rateLimit,
		CreatedAt:  now,
	}
	for _, s := range scopes {
		key.Scopes[s] = struct{}{}
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := r.store.CreateKey(ctx, key); err != nil {
		return "", "", fmt.Errorf("sentinel/apikey: store key: %w", err)
	}
	r.log.InfoContext(ctx, "api key created", "account_id", accountID, "key_id", keyID, "scopes", len(scopes))
	return keyID, raw, nil
}

// VerifyKey checks a raw key and returns the owning account ID.
func (r *Registry) VerifyKey(ctx context.Context, raw string, required sentinel.Permission) (string, error) {
	key, err := r.Authorize(ctx, raw, required)
	if err != nil {
		return "", err
	}
	return key.AccountID, nil
}

// Authorize checks a raw key for the required permission and returns the
// key record without its secret hash.
//
// Every call for an existing key consumes a slot of that key's window,
// whether or not the secret matches. A full window yields ErrRateLimited
// before the secret is compared. Unknown key IDs are compared against a
// dummy hash and never occupy a window.
func (r *Registry) Authorize(ctx context.Context, raw string, required sentinel.Permission) (*sentinel.APIKey, error) {
	const op = "apikey.Authorize"

	keyID, ok := parse(raw)
	if !ok {
		r.reject(ctx, "", "", "malformed")
		return nil, sentinel.E(sentinel.KindInvalidKey, op, nil)
	}

	key, err := r.store.LoadKey(ctx, keyID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, fmt.Errorf("sentinel/apikey: load key: %w", err)
	}

	stored := r.dummyHash
	if key != nil {
		if !r.limiter.AllowN(keyID, key.RateLimit) {
			r.metrics.RecordRateLimited("api_key")
			r.reject(ctx, keyID, key.AccountID, "rate_limited")
			e := sentinel.E(sentinel.KindRateLimited, op, nil)
			e.RetryAt = r.limiter.RetryAt(keyID)
			return nil, e
		}
		stored = key.SecretHash
	}
	match := subtle.ConstantTimeCompare([]byte(r.hasher.Fingerprint([]byte(raw))), []byte(stored)) == 1
	if key == nil || !match || key.Revoked {
		r.reject(ctx, keyID, accountOf(key), "invalid_key")
		return nil, sentinel.E(sentinel.KindInvalidKey, op, nil)
	}

	now := r.now()
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		r.reject(ctx, keyID, key.AccountID, "expired")
		return nil, sentinel.E(sentinel.KindExpiredToken, op, nil)
	}
	if !key.HasScope(required) {
		r.reject(ctx, keyID, key.AccountID, "insufficient_scope")
		return nil, sentinel.E(sentinel.KindInsufficientScope, op, nil)
	}

	if err := r.store.TouchKey(ctx, keyID, now); err != nil {
		r.log.WarnContext(ctx, "record api key use", "key_id", keyID, "error", err)
	}
	r.metrics.RecordAPIKeyVerification("valid")
	r.emit(ctx, sentinel.SecurityEvent{
		AccountID: key.AccountID,
		Type:      sentinel.EventAPIKeySuccess,
		Success:   true,
		RawData:   map[string]any{"key_id": keyID, "permission": string(required)},
	})
	key.SecretHash = ""
	return key, nil
}

// Key returns the record for keyID, without the secret hash.
func (r *Registry) Key(ctx context.Context, keyID string) (*sentinel.APIKey, error) {
	key, err := r.load(ctx, "apikey.Key", keyID)
	if err != nil {
		return nil, err
	}
	key.SecretHash = ""
	return key, nil
}

// RevokeKey disables a key permanently.
func (r *Registry) RevokeKey(ctx context.Context, keyID string) error {
	if err := r.store.RevokeKey(ctx, keyID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return sentinel.E(sentinel.KindNotFound, "apikey.RevokeKey", err)
		}
		return fmt.Errorf("sentinel/apikey: revoke key: %w", err)
	}
	r.limiter.Reset(keyID)
	r.log.InfoContext(ctx, "api key revoked", "key_id", keyID)
	return nil
}

// ListKeys returns the account's keys with secret hashes removed.
func (r *Registry) ListKeys(ctx context.Context, accountID string) ([]*sentinel.APIKey, error) {
	keys, err := r.store.ListKeys(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sentinel/apikey: list keys: %w", err)
	}
	for _, k := range keys {
		k.SecretHash = ""
	}
	return keys, nil
}

// Remaining returns the unused slots in keyID's current window.
func (r *Registry) Remaining(ctx context.Context, keyID string) (int, error) {
	key, err := r.load(ctx, "apikey.Remaining", keyID)
	if err != nil {
		return 0, err
	}
	return max(key.RateLimit-r.limiter.Count(keyID), 0), nil
}

func (r *Registry) load(ctx context.Context, op, keyID string) (*sentinel.APIKey, error) {
	key, err := r.store.LoadKey(ctx, keyID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, sentinel.E(sentinel.KindNotFound, op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("sentinel/apikey: load key: %w", err)
	}
	return key, nil
}

// parse extracts the key ID from sk_<keyID>_<secret>.
func parse(raw string) (string, bool) {
	rest, ok := strings.CutPrefix(raw, prefix)
	if !ok {
		return "", false
	}
	keyID, secret, ok := strings.Cut(rest, "_")
	if !ok || keyID == "" || secret == "" {
		return "", false
	}
	return keyID, true
}

func accountOf(k *sentinel.APIKey) string {
	if k == nil {
		return ""
	}
	return k.AccountID
}

func (r *Registry) reject(ctx context.Context, keyID, accountID, reason string) {
	r.metrics.RecordAPIKeyVerification(reason)
	r.log.DebugContext(ctx, "api key rejected", "key_id", keyID, "reason", reason)
	r.emit(ctx, sentinel.SecurityEvent{
		AccountID: accountID,
		Type:      sentinel.EventAPIKeyRejected,
		RawData:   map[string]any{"key_id": keyID, "reason": reason},
	})
}

func (r *Registry) emit(ctx context.Context, ev sentinel.SecurityEvent) {
	if r.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = r.now()
	ev.SourceIP = sentinel.SourceIPFromContext(ctx)
	if err := r.events.Append(ctx, ev); err != nil {
		r.log.ErrorContext(ctx, "append security event", "type", ev.Type, "error", err)
	}
}
