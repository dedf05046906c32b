// Package vault owns account credentials: registration, password
// verification and lockout.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 30 * time.Minute
	DefaultMinPasswordLength = 8

	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
	maxSaveRetries   = 10
)

// Vault verifies passwords and maintains lockout state. Password hashing
// runs with no lock held; concurrent updates to the same account are
// serialized by the store's version check.
type Vault struct {
	store   sentinel.UserStore
	events  sentinel.EventSink
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cost        int
	maxAttempts int
	lockout     time.Duration
	minLength   int
	retryDelay  time.Duration

	// compared against when the username is unknown so both paths cost one bcrypt
	dummyHash []byte
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithCost sets the bcrypt cost.
func WithCost(cost int) Option {
	return func(v *Vault) { v.cost = cost }
}

// WithLockout sets the failure threshold and lock duration.
func WithLockout(maxAttempts int, d time.Duration) Option {
	return func(v *Vault) {
		v.maxAttempts = maxAttempts
		v.lockout = d
	}
}

// WithMinPasswordLength sets the minimum password length in characters.
func WithMinPasswordLength(n int) Option {
	return func(v *Vault) { v.minLength = n }
}

// New creates a Vault. events receives exactly one event per Authenticate call.
func New(store sentinel.UserStore, events sentinel.EventSink, opts ...Option) (*Vault, error) {
	v := &Vault{
		store:       store,
		events:      events,
		log:         logger.Discard(),
		now:         time.Now,
		cost:        bcrypt.DefaultCost,
		maxAttempts: DefaultMaxFailedAttempts,
		lockout:     DefaultLockoutDuration,
		minLength:   DefaultMinPasswordLength,
		retryDelay:  5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cost < bcrypt.MinCost || v.cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("sentinel/vault: bcrypt cost %d out of range", v.cost)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), v.cost)
	if err != nil {
		return nil, fmt.Errorf("sentinel/vault: %w", err)
	}
	v.dummyHash = dummy
	return v, nil
}

// Register creates an account. Username and email are unique
// case-insensitively.
func (v *Vault) Register(ctx context.Context, username, email, password string) (*sentinel.Account, error) {
	const op = "vault.Register"
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" {
		return nil, fmt.Errorf("sentinel/vault: username cannot be empty")
	}
	if err := v.checkPolicy(op, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return nil, fmt.Errorf("sentinel/vault: hash password: %w", err)
	}
	now := v.now()
	acct := &sentinel.Account{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          email,
		CredentialHash: string(hash),
		Role:           "user",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := v.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, sentinel.ErrDuplicateAccount) {
			return nil, sentinel.E(sentinel.KindDuplicateAccount, op, err)
		}
		return nil, fmt.Errorf("sentinel/vault: create account: %w", err)
	}
	v.log.InfoContext(ctx, "account registered", "account_id", acct.ID)
	return acct.Clone(), nil
}

// Authenticate checks a username and password.
//
// Unknown usernames and wrong passwords both yield ErrInvalidCredentials.
// The failure that reaches the attempt threshold locks the account; while
// locked even the correct password yields ErrAccountLocked with RetryAt set.
// A successful attempt resets the failure counter and clears the lock.
func (v *Vault) Authenticate(ctx context.Context, username, password, sourceIP string) (*sentinel.Account, error) {
	const op = "vault.Authenticate"

	acct, err := v.store.LoadAccountByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("sentinel/vault: load account: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
		v.emit(ctx, sentinel.SecurityEvent{
			Type:     sentinel.EventLoginFailed,
			SourceIP: sourceIP,
			RawData:  map[string]any{"reason": "unknown_user"},
		})
		v.metrics.RecordAuthAttempt("invalid_credentials")
		return nil, sentinel.E(sentinel.KindInvalidCredentials, op, nil)
	}

	now := v.now()
	if acct.IsLocked(now) {
		return nil, v.rejectLocked(ctx, op, acct, sourceIP)
	}

	// no lock is held here; concurrent attempts race on the version check below
	match := bcrypt.CompareHashAndPassword([]byte(acct.CredentialHash), []byte(password)) == nil

	var locked bool
	err = v.update(ctx, acct, func(a *sentinel.Account) error {
		now := v.now()
		if a.IsLocked(now) {
			return sentinel.E(sentinel.KindAccountLocked, op, nil)
		}
		if a.LockedUntil != nil {
			// expired lock: start a fresh series
			a.LockedUntil = nil
			a.FailedAttempts = 0
		}
		a.UpdatedAt = now
		if match {
			a.FailedAttempts = 0
			return nil
		}
		a.FailedAttempts++
		locked = a.FailedAttempts >= v.maxAttempts
		if locked {
			until := now.Add(v.lockout)
			a.LockedUntil = &until
		}
		return nil
	})
	if errors.Is(err, sentinel.ErrAccountLocked) {
		return nil, v.rejectLocked(ctx, op, acct, sourceIP)
	}
	if err != nil {
		return nil, err
	}

	if !match {
		raw := map[string]any{"failed_attempts": acct.FailedAttempts}
		if locked {
			raw["locked"] = true
			v.metrics.RecordLockout()
			v.log.WarnContext(ctx, "account locked", "account_id", acct.ID, "until", acct.LockedUntil)
		}
		v.emit(ctx, sentinel.SecurityEvent{
			AccountID: acct.ID,
			Type:      sentinel.EventLoginFailed,
			SourceIP:  sourceIP,
			RawData:   raw,
		})
		v.metrics.RecordAuthAttempt("invalid_credentials")
		return nil, sentinel.E(sentinel.KindInvalidCredentials, op, nil)
	}

	v.emit(ctx, sentinel.SecurityEvent{
		AccountID: acct.ID,
		Type:      sentinel.EventLoginSuccess,
		SourceIP:  sourceIP,
		Success:   true,
	})
	v.metrics.RecordAuthAttempt("success")
	return acct, nil
}

// VerifyPassword re-checks the password of an authenticated account without
// touching lockout counters or emitting events.
func (v *Vault) VerifyPassword(ctx context.Context, accountID, password string) (*sentinel.Account, error) {
	acct, err := v.store.LoadAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
			return nil, sentinel.E(sentinel.KindInvalidCredentials, "vault.VerifyPassword", nil)
		}
		return nil, fmt.Errorf("sentinel/vault: load account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.CredentialHash), []byte(password)) != nil {
		return nil, sentinel.E(sentinel.KindInvalidCredentials, "vault.VerifyPassword", nil)
	}
	return acct, nil
}

// Account loads an account by ID.
func (v *Vault) Account(ctx context.Context, accountID string) (*sentinel.Account, error) {
	acct, err := v.store.LoadAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, sentinel.E(sentinel.KindNotFound, "vault.Account", err)
		}
		return nil, fmt.Errorf("sentinel/vault: load account: %w", err)
	}
	return acct, nil
}

// SetMFA stores an already sealed TOTP secret and enables MFA.
func (v *Vault) SetMFA(ctx context.Context, accountID, sealedSecret string) error {
	return v.modify(ctx, accountID, func(a *sentinel.Account) error {
		a.MFAEnabled = true
		a.MFASecret = sealedSecret
		return nil
	})
}

// DisableMFA clears the TOTP secret.
func (v *Vault) DisableMFA(ctx context.Context, accountID string) error {
	return v.modify(ctx, accountID, func(a *sentinel.Account) error {
		a.MFAEnabled = false
		a.MFASecret = ""
		return nil
	})
}

// Lock locks the account until the given time regardless of failures.
func (v *Vault) Lock(ctx context.Context, accountID string, until time.Time) error {
	err := v.modify(ctx, accountID, func(a *sentinel.Account) error {
		a.LockedUntil = &until
		return nil
	})
	if err == nil {
		v.log.WarnContext(ctx, "account locked", "account_id", accountID, "until", until)
	}
	return err
}

// Unlock clears the lock and failure counter.
func (v *Vault) Unlock(ctx context.Context, accountID string) error {
	err := v.modify(ctx, accountID, func(a *sentinel.Account) error {
		a.LockedUntil = nil
		a.FailedAttempts = 0
		return nil
	})
	if err == nil {
		v.log.InfoContext(ctx, "account unlocked", "account_id", accountID)
	}
	return err
}

func (v *Vault) modify(ctx context.Context, accountID string, fn func(*sentinel.Account) error) error {
	acct, err := v.Account(ctx, accountID)
	if err != nil {
		return err
	}
	return v.update(ctx, acct, func(a *sentinel.Account) error {
		a.UpdatedAt = v.now()
		return fn(a)
	})
}

// update applies fn to acct and saves it. On a version conflict it reloads
// the account, reapplies fn and tries again. acct holds the saved state on
// return.
func (v *Vault) update(ctx context.Context, acct *sentinel.Account, fn func(*sentinel.Account) error) error {
	backoff := retry.WithMaxRetries(maxSaveRetries,
		retry.WithJitter(v.retryDelay, retry.NewConstant(v.retryDelay)))
	first := true
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !first {
			fresh, err := v.store.LoadAccount(ctx, acct.ID)
			if err != nil {
				return fmt.Errorf("sentinel/vault: reload account: %w", err)
			}
			*acct = *fresh
		}
		first = false

		if err := fn(acct); err != nil {
			return err
		}
		err := v.store.SaveAccount(ctx, acct)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, sentinel.ErrConflict):
			v.log.DebugContext(ctx, "account version conflict, retrying", "account_id", acct.ID)
			return retry.RetryableError(err)
		default:
			return fmt.Errorf("sentinel/vault: save account: %w", err)
		}
	})
}

func (v *Vault) rejectLocked(ctx context.Context, op string, acct *sentinel.Account, sourceIP string) error {
	v.emit(ctx, sentinel.SecurityEvent{
		AccountID: acct.ID,
		Type:      sentinel.EventAccountLocked,
		SourceIP:  sourceIP,
	})
	v.metrics.RecordAuthAttempt("locked")
	e := sentinel.E(sentinel.KindAccountLocked, op, nil)
	if acct.LockedUntil != nil {
		e.RetryAt = *acct.LockedUntil
	}
	return e
}

func (v *Vault) checkPolicy(op, password string) error {
	n := utf8.RuneCountInString(password)
	if n < v.minLength || len(password) > maxPasswordBytes {
		return sentinel.E(sentinel.KindWeakPassword, op,
			fmt.Errorf("password must be %d to %d bytes", v.minLength, maxPasswordBytes))
	}
	return nil
}

// emit appends an event. A failing sink is logged, not returned: the
// authentication outcome has already been decided.
func (v *Vault) emit(ctx context.Context, ev sentinel.SecurityEvent) {
	if v.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = v.now()
	if err := v.events.Append(ctx, ev); err != nil {
		v.log.ErrorContext(ctx, "append security event", "type", ev.Type, "error", err)
	}
}
