// Package token issues and verifies signed session tokens.
//
// Tokens are HS256 JWTs carrying sub, jti, iat, exp and iss. Verification
// checks the signature first, then expiry, then revocation.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTTL         = time.Hour
	DefaultMaxTTL      = 24 * time.Hour
	DefaultMaxSessions = 5
	DefaultIssuer      = "sentinel"
)

// Issuer issues, verifies and revokes session tokens.
type Issuer struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	maxTTL      time.Duration
	maxSessions int
	now         func() time.Time

	revoked sentinel.RevocationStore
	events  sentinel.EventSink
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	byID   map[string]*tracked
	byAcct map[string][]*tracked // oldest first
}

type tracked struct {
	session sentinel.Session
	last    atomic.Int64 // unix nanos of last verification
}

func (t *tracked) snapshot() sentinel.Session {
	s := t.session
	s.Token = ""
	s.LastActivity = time.Unix(0, t.last.Load()).UTC()
	return s
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithSecret sets the HMAC signing key. Without it a random 32-byte key is
// generated and tokens do not survive a restart.
func WithSecret(secret []byte) Option {
	return func(i *Issuer) { i.secret = secret }
}

// WithIssuer sets the iss claim.
func WithIssuer(iss string) Option {
	return func(i *Issuer) { i.issuer = iss }
}

// WithTTL sets the default token lifetime.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) { i.ttl = d }
}

// WithMaxTTL caps the lifetime Issue grants, and so how long an account
// revocation must be kept. Never below the default TTL.
func WithMaxTTL(d time.Duration) Option {
	return func(i *Issuer) { i.maxTTL = d }
}

// WithMaxSessions bounds concurrent sessions per account. Issuing beyond
// the bound revokes the oldest session.
func WithMaxSessions(n int) Option {
	return func(i *Issuer) { i.maxSessions = n }
}

// WithRevocationStore replaces the in-memory revocation set.
func WithRevocationStore(s sentinel.RevocationStore) Option {
	return func(i *Issuer) { i.revoked = s }
}

// WithEvents sets where token_rejected events go.
func WithEvents(s sentinel.EventSink) Option {
	return func(i *Issuer) { i.events = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) { i.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// New creates an Issuer.
func New(opts ...Option) (*Issuer, error) {
	i := &Issuer{
		issuer:      DefaultIssuer,
		ttl:         DefaultTTL,
		maxTTL:      DefaultMaxTTL,
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
		log:         logger.Discard(),
		byID:        make(map[string]*tracked),
		byAcct:      make(map[string][]*tracked),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.maxTTL = max(i.maxTTL, i.ttl)
	if i.secret == nil {
		i.secret = make([]byte, 32)
		if _, err := rand.Read(i.secret); err != nil {
			return nil, fmt.Errorf("sentinel/token: generate secret: %w", err)
		}
	}
	if len(i.secret) < 32 {
		return nil, errors.New("sentinel/token: signing secret must be at least 32 bytes")
	}
	if i.revoked == nil {
		i.revoked = NewMemoryRevocations()
	}
	return i, nil
}

// Issue signs a new session token for accountID. A ttl <= 0 uses the default;
// a ttl above the maximum is capped.
func (i *Issuer) Issue(ctx context.Context, accountID string, ttl time.Duration) (*sentinel.Session, error) {
	if accountID == "" {
		return nil, errors.New("sentinel/token: accountID cannot be empty")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	ttl = min(ttl, i.maxTTL)
	now := i.now().Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   accountID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sentinel/token: sign: %w", err)
	}

	t := &tracked{session: sentinel.Session{
		ID:        claims.ID,
		Token:     signed,
		AccountID: accountID,
		IssuedAt:  now,
		ExpiresAt: claims.ExpiresAt.Time,
	}}
	t.last.Store(now.UnixNano())

	evicted := i.track(t)
	for _, old := range evicted {
		if err := i.revoked.Revoke(ctx, old.session.ID, old.session.ExpiresAt); err != nil {
			return nil, fmt.Errorf("sentinel/token: revoke evicted session: %w", err)
		}
		i.log.InfoContext(ctx, "session evicted", "account_id", accountID, "session_id", old.session.ID)
	}
	i.metrics.RecordTokenIssued()

	s := t.session
	s.LastActivity = now
	return &s, nil
}

// Verify returns the account ID of a valid token.
//
// Any alteration of the token yields ErrInvalidSignature. A correctly signed
// token past its expiry yields ErrExpiredToken; a revoked one ErrRevokedToken.
func (i *Issuer) Verify(ctx context.Context, token string) (string, error) {
	const op = "token.Verify"

	claims, err := i.parse(token, true)
	if err != nil {
		kind := sentinel.KindInvalidSignature
		if errors.Is(err, jwt.ErrTokenExpired) {
			kind = sentinel.KindExpiredToken
		}
		i.reject(ctx, kind, "")
		return "", sentinel.E(kind, op, err)
	}

	revoked, err := i.isRevoked(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("sentinel/token: revocation lookup: %w", err)
	}
	if revoked {
		i.reject(ctx, sentinel.KindRevokedToken, claims.Subject)
		return "", sentinel.E(sentinel.KindRevokedToken, op, nil)
	}

	i.mu.RLock()
	if t, ok := i.byID[claims.ID]; ok {
		t.last.Store(i.now().UnixNano())
	}
	i.mu.RUnlock()

	i.metrics.RecordTokenVerification("valid")
	return claims.Subject, nil
}

// Revoke invalidates a token. The token must carry a valid signature;
// expiry is not checked.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	claims, err := i.parse(token, false)
	if err != nil {
		return sentinel.E(sentinel.KindInvalidSignature, "token.Revoke", err)
	}
	if err := i.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("sentinel/token: revoke: %w", err)
	}
	i.untrack(claims.ID)
	i.log.InfoContext(ctx, "session revoked", "account_id", claims.Subject, "session_id", claims.ID)
	return nil
}

// RevokeAll invalidates every token issued to accountID so far, including
// tokens issued by other instances sharing the revocation store. It returns
// how many sessions this instance was tracking.
func (i *Issuer) RevokeAll(ctx context.Context, accountID string) (int, error) {
	now := i.now()
	if err := i.revoked.RevokeAccount(ctx, accountID, now, now.Add(i.maxTTL)); err != nil {
		return 0, fmt.Errorf("sentinel/token: revoke all: %w", err)
	}

	i.mu.Lock()
	sessions := i.byAcct[accountID]
	delete(i.byAcct, accountID)
	for _, t := range sessions {
		delete(i.byID, t.session.ID)
	}
	i.mu.Unlock()

	for _, t := range sessions {
		if err := i.revoked.Revoke(ctx, t.session.ID, t.session.ExpiresAt); err != nil {
			return 0, fmt.Errorf("sentinel/token: revoke all: %w", err)
		}
	}
	i.log.InfoContext(ctx, "all sessions revoked", "account_id", accountID, "count", len(sessions))
	return len(sessions), nil
}

// Sessions lists the live sessions of accountID, oldest first. Tokens are
// not included.
func (i *Issuer) Sessions(accountID string) []sentinel.Session {
	now := i.now()
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []sentinel.Session
	for _, t := range i.byAcct[accountID] {
		if t.session.ExpiresAt.After(now) {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Sweep drops expired revocation entries and expired tracked sessions.
func (i *Issuer) Sweep(ctx context.Context) (int, error) {
	now := i.now()
	n, err := i.revoked.Sweep(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sentinel/token: sweep: %w", err)
	}

	i.mu.Lock()
	for acct, list := range i.byAcct {
		live := list[:0]
		for _, t := range list {
			if t.session.ExpiresAt.After(now) {
				live = append(live, t)
			} else {
				delete(i.byID, t.session.ID)
			}
		}
		if len(live) == 0 {
			delete(i.byAcct, acct)
		} else {
			i.byAcct[acct] = live
		}
	}
	i.mu.Unlock()
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (i *Issuer) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := i.Sweep(ctx)
			if err != nil {
				i.log.ErrorContext(ctx, "revocation sweep", "error", err)
				continue
			}
			if n > 0 {
				i.log.DebugContext(ctx, "revocation entries swept", "count", n)
			}
		}
	}
}

func (i *Issuer) parse(token string, validate bool) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(i.now),
	}
	if validate {
		opts = append(opts, jwt.WithExpirationRequired(), jwt.WithIssuer(i.issuer))
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// isRevoked checks the token ID, then the account mark. iat has second
// resolution, so the mark is truncated before comparing.
func (i *Issuer) isRevoked(ctx context.Context, c *jwt.RegisteredClaims) (bool, error) {
	revoked, err := i.revoked.IsRevoked(ctx, c.ID)
	if err != nil || revoked {
		return revoked, err
	}
	mark, err := i.revoked.AccountRevokedBefore(ctx, c.Subject)
	if err != nil || mark.IsZero() {
		return false, err
	}
	return c.IssuedAt != nil && c.IssuedAt.Time.Before(mark.Truncate(time.Second)), nil
}

// track registers t and returns the sessions evicted to stay within the bound.
func (i *Issuer) track(t *tracked) []*tracked {
	i.mu.Lock()
	defer i.mu.Unlock()
	acct := t.session.AccountID
	list := append(i.byAcct[acct], t)
	sort.SliceStable(list, func(a, b int) bool {
		return list[a].session.IssuedAt.Before(list[b].session.IssuedAt)
	})
	var evicted []*tracked
	for len(list) > i.maxSessions {
		evicted = append(evicted, list[0])
		delete(i.byID, list[0].session.ID)
		list = list[1:]
	}
	i.byAcct[acct] = list
	i.byID[t.session.ID] = t
	return evicted
}

func (i *Issuer) untrack(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.byID[id]
	if !ok {
		return
	}
	delete(i.byID, id)
	acct := t.session.AccountID
	list := i.byAcct[acct]
	for k, x := range list {
		if x == t {
			i.byAcct[acct] = append(list[:k:k], list[k+1:]...)
			break
		}
	}
	if len(i.byAcct[acct]) == 0 {
		delete(i.byAcct, acct)
	}
}

func (i *Issuer) reject(ctx context.Context, kind sentinel.Kind, accountID string) {
	i.metrics.RecordTokenVerification(kind.String())
	if i.events == nil {
		return
	}
	ev := sentinel.SecurityEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      sentinel.EventTokenRejected,
		SourceIP:  sentinel.SourceIPFromContext(ctx),
		Timestamp: i.now(),
		RawData:   map[string]any{"reason": kind.String()},
	}
	if err := i.events.Append(ctx, ev); err != nil {
		i.log.ErrorContext(ctx, "append security event", "type", ev.Type, "error", err)
	}
}
