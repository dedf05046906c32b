// Package ginmw provides Gin HTTP middleware over the security core.
//
// Middleware depends on small verifier interfaces that *core.SecurityCore
// satisfies, so handlers can be tested with stubs.
package ginmw

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sentinel "github.com/chimerakang/sentinel-go"
)

// Context keys for values stored in gin.Context.
const (
	KeyAccountID = "sentinel_account_id"
	KeyKeyAuth   = "sentinel_api_key_auth"
)

const (
	// HeaderAPIKey carries raw API keys.
	HeaderAPIKey = "X-API-Key"
	// HeaderRequestID carries the request correlation ID both ways.
	HeaderRequestID = "X-Request-ID"
)

const maxRequestIDLen = 128

// TokenVerifier verifies session tokens.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// KeyVerifier verifies API keys against a required permission and returns
// the key record.
type KeyVerifier interface {
	AuthorizeAPIKey(ctx context.Context, raw string, required sentinel.Permission) (*sentinel.APIKey, error)
}

// BlockList reports blocked source addresses.
type BlockList interface {
	IsBlocked(ip string) bool
}

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// SourceIP stores the client address in the request context so that
// security events emitted while serving the request carry it.
func SourceIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := sentinel.WithSourceIP(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestID tags the request with the incoming X-Request-ID, or a fresh one,
// and echoes it in the response. Security events recorded while serving the
// request carry it as raw_data.request_id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(sentinel.WithRequestID(c.Request.Context(), id))
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RejectBlocked responds 403 to clients on the threat blocklist.
func RejectBlocked(b BlockList) gin.HandlerFunc {
	return func(c *gin.Context) {
		if b.IsBlocked(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "source address blocked"})
			return
		}
		c.Next()
	}
}

// Auth verifies the bearer session token. On success the account ID is
// stored in the gin context and the request context. Responds 401 for a
// missing, invalid, expired or revoked token.
func Auth(v TokenVerifier, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		accountID, err := v.VerifyToken(c.Request.Context(), tokenStr)
		if err != nil {
			abort(c, err)
			return
		}
		setAccount(c, accountID)
		c.Next()
	}
}

// APIKey authenticates via the X-API-Key header and requires the given
// permission. The key's scopes are stored in the request context. Responds
// 401 for bad keys, 403 for a missing scope and 429 with Retry-After when
// the key's rate limit is exhausted.
func APIKey(v KeyVerifier, required sentinel.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderAPIKey)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		key, err := v.AuthorizeAPIKey(c.Request.Context(), raw, required)
		if err != nil {
			abort(c, err)
			return
		}
		setAccount(c, key.AccountID)
		c.Set(KeyKeyAuth, true)
		c.Request = c.Request.WithContext(sentinel.WithScopes(c.Request.Context(), key.ScopeList()))
		c.Next()
	}
}

// GetAccountID returns the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) string {
	v, _ := c.Get(KeyAccountID)
	s, _ := v.(string)
	return s
}

// HasScope reports whether the API key that authenticated the request grants
// p. Session-authenticated requests carry no scopes.
func HasScope(c *gin.Context, p sentinel.Permission) bool {
	return slices.Contains(sentinel.ScopesFromContext(c.Request.Context()), p)
}

// IsAPIKeyAuth reports whether the request was authenticated by API key.
func IsAPIKeyAuth(c *gin.Context) bool {
	return c.GetBool(KeyKeyAuth)
}

// StatusFor maps a core error to an HTTP status.
func StatusFor(err error) int {
	switch sentinel.KindOf(err) {
	case sentinel.KindInvalidCredentials, sentinel.KindExpiredToken, sentinel.KindInvalidSignature,
		sentinel.KindRevokedToken, sentinel.KindInvalidKey, sentinel.KindInvalidMFACode, sentinel.KindMFARequired:
		return http.StatusUnauthorized
	case sentinel.KindInsufficientScope:
		return http.StatusForbidden
	case sentinel.KindAccountLocked:
		return http.StatusLocked
	case sentinel.KindRateLimited:
		return http.StatusTooManyRequests
	case sentinel.KindDuplicateAccount, sentinel.KindConflict, sentinel.KindInvalidTransition:
		return http.StatusConflict
	case sentinel.KindWeakPassword:
		return http.StatusBadRequest
	case sentinel.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// --- internal helpers ---

func abort(c *gin.Context, err error) {
	status := StatusFor(err)
	var e *sentinel.Error
	if errors.As(err, &e) && !e.RetryAt.IsZero() {
		secs := int(time.Until(e.RetryAt).Round(time.Second) / time.Second)
		c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	msg := "internal error"
	if status != http.StatusInternalServerError {
		msg = e.Error()
		if e.Op != "" {
			msg = strings.TrimPrefix(msg, e.Op+": ")
		}
	} else {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": sentinel.KindOf(err).String()})
}

func setAccount(c *gin.Context, accountID string) {
	c.Set(KeyAccountID, accountID)
	c.Request = c.Request.WithContext(sentinel.WithAccountID(c.Request.Context(), accountID))
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
