package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	sentinel "github.com/chimerakang/sentinel-go"
)

// LoginRequest is one authentication attempt.
type LoginRequest struct {
	Username string
	Password string
	// MFACode is required when the account has MFA enabled.
	MFACode  string
	SourceIP string
}

// Enrollment is returned once by EnableMFA. The secret is never shown again.
type Enrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// Register creates an account.
func (sc *SecurityCore) Register(ctx context.Context, username, email, password string) (*sentinel.Account, error) {
	return sc.vault.Register(ctx, username, email, password)
}

// Login checks the password, then the TOTP code when MFA is enabled, and
// issues a session token.
func (sc *SecurityCore) Login(ctx context.Context, req LoginRequest) (*sentinel.Session, error) {
	const op = "core.Login"
	ctx = sentinel.WithSourceIP(ctx, req.SourceIP)

	acct, err := sc.vault.Authenticate(ctx, req.Username, req.Password, req.SourceIP)
	if err != nil {
		return nil, err
	}
	if acct.MFAEnabled {
		if err := sc.checkMFA(ctx, op, acct, req.MFACode); err != nil {
			return nil, err
		}
	}

	sess, err := sc.tokens.Issue(ctx, acct.ID, 0)
	if err != nil {
		return nil, err
	}
	sc.log.InfoContext(ctx, "login succeeded", "account_id", acct.ID, "session_id", sess.ID, "source_ip", req.SourceIP)
	return sess, nil
}

func (sc *SecurityCore) checkMFA(ctx context.Context, op string, acct *sentinel.Account, code string) error {
	if code == "" {
		return sentinel.E(sentinel.KindMFARequired, op, nil)
	}
	if sc.mfaLimiter.Count(acct.ID) >= sc.cfg.Vault.MaxFailedAttempts {
		sc.metrics.RecordRateLimited("mfa")
		e := sentinel.E(sentinel.KindRateLimited, op, nil)
		e.RetryAt = sc.mfaLimiter.RetryAt(acct.ID)
		return e
	}
	secret, err := sc.crypto.OpenString(acct.MFASecret)
	if err != nil {
		return fmt.Errorf("sentinel/core: open mfa secret: %w", err)
	}

	ok := sc.totp.Verify(secret, code)
	sc.metrics.RecordMFACheck(ok)
	ev := sentinel.SecurityEvent{AccountID: acct.ID, Type: sentinel.EventMFASuccess, Success: true}
	if !ok {
		sc.mfaLimiter.Record(acct.ID)
		ev.Type, ev.Success = sentinel.EventMFAFailed, false
	}
	sc.emit(ctx, ev)
	if !ok {
		return sentinel.E(sentinel.KindInvalidMFACode, op, nil)
	}
	sc.mfaLimiter.Reset(acct.ID)
	return nil
}

// EnableMFA re-verifies the password, generates a TOTP secret, stores it
// sealed and returns it with its provisioning URI.
func (sc *SecurityCore) EnableMFA(ctx context.Context, accountID, password string) (*Enrollment, error) {
	acct, err := sc.vault.VerifyPassword(ctx, accountID, password)
	if err != nil {
		return nil, err
	}
	secret, err := sc.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("sentinel/core: generate mfa secret: %w", err)
	}
	sealed, err := sc.crypto.SealString(secret)
	if err != nil {
		return nil, fmt.Errorf("sentinel/core: seal mfa secret: %w", err)
	}
	if err := sc.vault.SetMFA(ctx, accountID, sealed); err != nil {
		return nil, err
	}
	sc.emit(ctx, sentinel.SecurityEvent{AccountID: accountID, Type: sentinel.EventMFAEnrolled, Success: true})
	return &Enrollment{
		Secret: secret,
		URI:    sc.totp.ProvisioningURI(sc.cfg.TOTP.Issuer+":"+acct.Username, secret),
	}, nil
}

// DisableMFA re-verifies the password and turns MFA off.
func (sc *SecurityCore) DisableMFA(ctx context.Context, accountID, password string) error {
	if _, err := sc.vault.VerifyPassword(ctx, accountID, password); err != nil {
		return err
	}
	return sc.vault.DisableMFA(ctx, accountID)
}

// VerifyToken returns the account ID of a valid, unrevoked session token.
func (sc *SecurityCore) VerifyToken(ctx context.Context, tok string) (string, error) {
	return sc.tokens.Verify(ctx, tok)
}

// Logout revokes the session token.
func (sc *SecurityCore) Logout(ctx context.Context, tok string) error {
	return sc.tokens.Revoke(ctx, tok)
}

// RevokeSessions revokes every session of the account and returns how many
// tracked sessions were dropped.
func (sc *SecurityCore) RevokeSessions(ctx context.Context, accountID string) (int, error) {
	return sc.tokens.RevokeAll(ctx, accountID)
}

// CreateAPIKey issues a scoped key for accountID. The raw key is returned
// once and never stored.
func (sc *SecurityCore) CreateAPIKey(ctx context.Context, accountID string, scopes []sentinel.Permission, rateLimit int, ttl time.Duration) (keyID, raw string, err error) {
	if _, err := sc.vault.Account(ctx, accountID); err != nil {
		return "", "", err
	}
	return sc.keys.CreateKey(ctx, accountID, scopes, rateLimit, ttl)
}

// VerifyAPIKey checks a raw key for the required permission and returns the
// owning account ID.
func (sc *SecurityCore) VerifyAPIKey(ctx context.Context, raw string, required sentinel.Permission) (string, error) {
	return sc.keys.VerifyKey(ctx, raw, required)
}

// AuthorizeAPIKey is VerifyAPIKey returning the whole key record, so callers
// can see every scope the key grants.
func (sc *SecurityCore) AuthorizeAPIKey(ctx context.Context, raw string, required sentinel.Permission) (*sentinel.APIKey, error) {
	return sc.keys.Authorize(ctx, raw, required)
}

// RevokeAPIKey disables a key.
func (sc *SecurityCore) RevokeAPIKey(ctx context.Context, keyID string) error {
	return sc.keys.RevokeKey(ctx, keyID)
}

// RecordEvent feeds an application event (data access, privilege change,
// access denial) into the pipeline. ID and Timestamp are filled when empty;
// SourceIP falls back to the one carried by ctx.
func (sc *SecurityCore) RecordEvent(ctx context.Context, ev sentinel.SecurityEvent) error {
	if ev.Type == "" {
		return fmt.Errorf("sentinel/core: event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = sc.now()
	}
	if ev.SourceIP == "" {
		ev.SourceIP = sentinel.SourceIPFromContext(ctx)
	}
	return sc.events.Append(ctx, ev)
}

// IsBlocked reports whether ip is on the threat blocklist.
func (sc *SecurityCore) IsBlocked(ip string) bool {
	return sc.threats.IsBlocked(ip)
}

func (sc *SecurityCore) emit(ctx context.Context, ev sentinel.SecurityEvent) {
	ev.ID = uuid.NewString()
	ev.Timestamp = sc.now()
	ev.SourceIP = sentinel.SourceIPFromContext(ctx)
	if err := sc.events.Append(ctx, ev); err != nil {
		sc.log.ErrorContext(ctx, "append security event", "type", ev.Type, "error", err)
	}
}
