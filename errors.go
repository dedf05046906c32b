package sentinel

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies expected failures. Callers branch on Kind (or errors.Is
// against the sentinel values below), never on message text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindAccountLocked
	KindDuplicateAccount
	KindWeakPassword
	KindExpiredToken
	KindInvalidSignature
	KindRevokedToken
	KindRateLimited
	KindInsufficientScope
	KindInvalidKey
	KindDecryption
	KindInvalidTransition
	KindInvalidMFACode
	KindMFARequired
	KindNotFound
	KindConflict
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindInvalidCredentials: "invalid_credentials",
	KindAccountLocked:      "account_locked",
	KindDuplicateAccount:   "duplicate_account",
	KindWeakPassword:       "weak_password",
	KindExpiredToken:       "expired",
	KindInvalidSignature:   "invalid_signature",
	KindRevokedToken:       "revoked",
	KindRateLimited:        "rate_limited",
	KindInsufficientScope:  "insufficient_scope",
	KindInvalidKey:         "invalid_key",
	KindDecryption:         "decryption_error",
	KindInvalidTransition:  "invalid_transition",
	KindInvalidMFACode:     "invalid_mfa_code",
	KindMFARequired:        "mfa_required",
	KindNotFound:           "not_found",
	KindConflict:           "conflict",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", k)
}

// user-facing messages; InvalidCredentials deliberately says nothing about
// whether the username exists.
var kindMessages = map[Kind]string{
	KindInvalidCredentials: "invalid credentials",
	KindAccountLocked:      "account is locked",
	KindDuplicateAccount:   "account already exists",
	KindWeakPassword:       "password does not meet policy",
	KindExpiredToken:       "credential expired",
	KindInvalidSignature:   "invalid signature",
	KindRevokedToken:       "token revoked",
	KindRateLimited:        "rate limit exceeded",
	KindInsufficientScope:  "insufficient scope",
	KindInvalidKey:         "invalid API key",
	KindDecryption:         "decryption failed",
	KindInvalidTransition:  "invalid status transition",
	KindInvalidMFACode:     "invalid MFA code",
	KindMFARequired:        "MFA code required",
	KindNotFound:           "not found",
	KindConflict:           "concurrent modification",
}

// Error is a typed failure carrying a Kind.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "vault.Authenticate".
	Op string
	// RetryAt is set for AccountLocked (lock expiry) and RateLimited.
	RetryAt time.Time
	// Err is an optional underlying cause; it is not shown to end users.
	Err error
}

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrAccountLocked)
// works regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel values for errors.Is.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrDuplicateAccount   = &Error{Kind: KindDuplicateAccount}
	ErrWeakPassword       = &Error{Kind: KindWeakPassword}
	ErrExpiredToken       = &Error{Kind: KindExpiredToken}
	ErrInvalidSignature   = &Error{Kind: KindInvalidSignature}
	ErrRevokedToken       = &Error{Kind: KindRevokedToken}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrInsufficientScope  = &Error{Kind: KindInsufficientScope}
	ErrInvalidKey         = &Error{Kind: KindInvalidKey}
	ErrDecryption         = &Error{Kind: KindDecryption}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrInvalidMFACode     = &Error{Kind: KindInvalidMFACode}
	ErrMFARequired        = &Error{Kind: KindMFARequired}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
)

// E builds a typed error for op with an optional cause.
func E(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsExpected reports whether err is a typed, expected failure rather than an
// infrastructure fault that should surface as a 5xx at the boundary.
func IsExpected(err error) bool {
	return KindOf(err) != KindUnknown
}
