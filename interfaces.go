// Package sentinel is the identity and threat-monitoring core of the trading
// platform backend.
//
// The root package defines the shared data model, the error taxonomy and the
// narrow storage interfaces the core consumes. Each component lives in its own
// subpackage (vault, totp, encryption, token, apikey, ratelimit, threat,
// incident, audit) and the core package wires them into a SecurityCore:
//
//	sc, err := core.New(cfg,
//	    core.WithUserStore(pgStore),
//	    core.WithEventSink(auditLog),
//	    core.WithLogger(log),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sc.Close()
//	sess, err := sc.Login(ctx, core.LoginRequest{Username: "alice", Password: pw, SourceIP: ip})
package sentinel

import (
	"context"
	"time"
)

// UserStore persists accounts. Implementations: fake/ (in-memory),
// store/postgres (PostgreSQL).
type UserStore interface {
	// LoadAccount returns the account with the given ID or ErrNotFound.
	LoadAccount(ctx context.Context, id string) (*Account, error)

	// LoadAccountByUsername looks up an account case-insensitively or returns ErrNotFound.
	LoadAccountByUsername(ctx context.Context, username string) (*Account, error)

	// CreateAccount inserts a new account, returning ErrDuplicateAccount when
	// the username or email is already taken (case-insensitive).
	CreateAccount(ctx context.Context, account *Account) error

	// SaveAccount updates an existing account if its Version still matches the
	// stored one, then increments Version. A stale version yields ErrConflict.
	SaveAccount(ctx context.Context, account *Account) error
}

// EventSink is the append-only security event log.
// Implementations: audit/ (in-memory, async fan-out), store/postgres.
type EventSink interface {
	// Append records an event. Events are never modified afterwards.
	Append(ctx context.Context, event SecurityEvent) error

	// Query returns events matching the filter, oldest first.
	Query(ctx context.Context, filter EventFilter) ([]SecurityEvent, error)
}

// RevocationStore tracks revoked session tokens by token ID and by account.
// Implementations: token/ (in-memory), store/redis.
type RevocationStore interface {
	// Revoke marks the token as revoked until expiresAt, after which the entry
	// may be garbage-collected.
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsRevoked reports whether the token ID has been revoked.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// RevokeAccount revokes every token of accountID issued before the given
	// instant. Marks only move forward; the mark may be dropped after until,
	// once every token it covers has expired.
	RevokeAccount(ctx context.Context, accountID string, before, until time.Time) error

	// AccountRevokedBefore returns the account's revocation mark, or the zero
	// time when there is none.
	AccountRevokedBefore(ctx context.Context, accountID string) (time.Time, error)

	// Sweep drops entries whose token expired before now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
