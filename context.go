package sentinel

import "context"

type ctxKey string

const (
	ctxKeyAccountID ctxKey = "sentinel_account_id"
	ctxKeySourceIP  ctxKey = "sentinel_source_ip"
	ctxKeyScopes    ctxKey = "sentinel_scopes"
	ctxKeyRequestID ctxKey = "sentinel_request_id"
)

// WithAccountID stores the authenticated account ID in the context.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKeyAccountID, accountID)
}

// AccountIDFromContext extracts the authenticated account ID from the context.
func AccountIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyAccountID).(string)
	return v
}

// WithSourceIP stores the caller's IP address in the context.
func WithSourceIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeySourceIP, ip)
}

// SourceIPFromContext extracts the caller's IP address from the context.
func SourceIPFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySourceIP).(string)
	return v
}

// WithScopes stores the permissions granted to the caller (API key scopes).
func WithScopes(ctx context.Context, scopes []Permission) context.Context {
	return context.WithValue(ctx, ctxKeyScopes, scopes)
}

// ScopesFromContext extracts the caller's granted permissions.
func ScopesFromContext(ctx context.Context) []Permission {
	v, _ := ctx.Value(ctxKeyScopes).([]Permission)
	return v
}

// WithRequestID stores a request correlation ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request correlation ID.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}
