package sentinel

import (
	"strings"
	"time"
)

// Account is a credential holder. It is owned by the vault; other components
// reference it by ID only.
type Account struct {
	ID             string     `json:"id"              db:"id"`
	Username       string     `json:"username"        db:"username"`
	Email          string     `json:"email"           db:"email"`
	CredentialHash string     `json:"-"               db:"credential_hash"`
	Role           string     `json:"role"            db:"role"`
	MFAEnabled     bool       `json:"mfa_enabled"     db:"mfa_enabled"`
	MFASecret      string     `json:"-"               db:"mfa_secret"` // sealed, never plaintext
	FailedAttempts int        `json:"failed_attempts" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until"    db:"locked_until"`
	Version        int64      `json:"version"         db:"version"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"      db:"updated_at"`
}

// IsLocked reports whether the account is locked at the given instant.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (a *Account) Clone() *Account {
	c := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

// Session is an issued, signed session token.
type Session struct {
	ID           string    `json:"id"` // token id (jti)
	Token        string    `json:"-"`
	AccountID    string    `json:"account_id"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Permission is a named capability, e.g. "trade:execute".
type Permission string

// Common permissions of the trading platform.
const (
	PermTradeRead    Permission = "trade:read"
	PermTradeExecute Permission = "trade:execute"
	PermAccountRead  Permission = "account:read"
	PermAccountWrite Permission = "account:write"
	PermAdmin        Permission = "admin"
)

// APIKey is a scoped machine credential. The raw secret is never stored.
type APIKey struct {
	KeyID      string                  `json:"key_id"`
	AccountID  string                  `json:"account_id"`
	SecretHash string                  `json:"-"`
	Scopes     map[Permission]struct{} `json:"-"`
	RateLimit  int                     `json:"rate_limit"`
	ExpiresAt  *time.Time              `json:"expires_at,omitempty"`
	LastUsed   *time.Time              `json:"last_used,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	Revoked    bool                    `json:"revoked"`
}

// HasScope reports whether the key grants p.
func (k *APIKey) HasScope(p Permission) bool {
	_, ok := k.Scopes[p]
	return ok
}

// ScopeList returns the key's scopes as a slice.
func (k *APIKey) ScopeList() []Permission {
	out := make([]Permission, 0, len(k.Scopes))
	for p := range k.Scopes {
		out = append(out, p)
	}
	return out
}

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess    EventType = "login_success"
	EventLoginFailed     EventType = "login_failed"
	EventAccountLocked   EventType = "account_locked"
	EventMFASuccess      EventType = "mfa_success"
	EventMFAFailed       EventType = "mfa_failed"
	EventMFAEnrolled     EventType = "mfa_enrolled"
	EventTokenRejected   EventType = "token_rejected"
	EventAPIKeySuccess   EventType = "api_key_success"
	EventAPIKeyRejected  EventType = "api_key_rejected"
	EventAccessDenied    EventType = "access_denied"
	EventPrivilegeChange EventType = "privilege_change"
	EventDataAccess      EventType = "data_access"
	EventDataExport      EventType = "data_export"
)

// Event categories used by threat scoring.
const (
	CategoryLogin  = "login"
	CategoryMFA    = "mfa"
	CategoryAccess = "access"
	CategoryData   = "data"
	CategoryAPIKey = "api_key" // successful key use; routine traffic
	CategoryOther  = "other"
)

// Category returns the scoring category of the event type.
func (t EventType) Category() string {
	switch t {
	case EventLoginSuccess, EventLoginFailed, EventAccountLocked:
		return CategoryLogin
	case EventMFASuccess, EventMFAFailed, EventMFAEnrolled:
		return CategoryMFA
	case EventAPIKeySuccess:
		return CategoryAPIKey
	case EventTokenRejected, EventAPIKeyRejected, EventAccessDenied, EventPrivilegeChange:
		return CategoryAccess
	case EventDataAccess, EventDataExport:
		return CategoryData
	}
	// Custom types produced by callers are classified by name.
	s := string(t)
	switch {
	case strings.Contains(s, "access"):
		return CategoryAccess
	case strings.Contains(s, "data"):
		return CategoryData
	case strings.Contains(s, "login"):
		return CategoryLogin
	}
	return CategoryOther
}

// SecurityEvent is an immutable record of security-relevant activity.
type SecurityEvent struct {
	ID        string         `json:"id"                   db:"id"`
	AccountID string         `json:"account_id,omitempty" db:"account_id"`
	Type      EventType      `json:"type"                 db:"type"`
	SourceIP  string         `json:"source_ip,omitempty"  db:"source_ip"`
	Timestamp time.Time      `json:"timestamp"            db:"timestamp"`
	Success   bool           `json:"success"              db:"success"`
	RawData   map[string]any `json:"raw_data,omitempty"   db:"raw_data"`
}

// EventFilter selects events from an EventSink. Zero values match everything.
type EventFilter struct {
	AccountID string
	SourceIP  string
	Types     []EventType
	Since     time.Time
	Until     time.Time
	Success   *bool
	Limit     int
}

// Match reports whether ev satisfies the filter (Limit is ignored).
func (f EventFilter) Match(ev *SecurityEvent) bool {
	if f.AccountID != "" && ev.AccountID != f.AccountID {
		return false
	}
	if f.SourceIP != "" && ev.SourceIP != f.SourceIP {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Timestamp.Before(f.Until) {
		return false
	}
	if f.Success != nil && ev.Success != *f.Success {
		return false
	}
	return true
}
