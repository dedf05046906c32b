// Package grpcmw provides gRPC server interceptors over the security core.
//
// Interceptors depend on small verifier interfaces that *core.SecurityCore
// satisfies.
package grpcmw

import (
	"context"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sentinel "github.com/chimerakang/sentinel-go"
)

const (
	// MetadataAPIKey is the metadata key carrying raw API keys.
	MetadataAPIKey = "x-api-key"
	// MetadataRequestID carries the request correlation ID.
	MetadataRequestID = "x-request-id"
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

// AuthOption configures auth interceptor behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods sets gRPC methods that skip authentication.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

func newAuthConfig(opts []AuthOption) *authConfig {
	cfg := &authConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryAuth returns a unary interceptor that verifies bearer session tokens
// and stores the account ID and peer address in the context.
func UnaryAuth(v TokenVerifier, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth returns a stream interceptor that verifies bearer session tokens.
func StreamAuth(v TokenVerifier, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryRequestID tags each call with the x-request-id metadata entry, or a
// fresh ID, and sends it back as a response header.
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(withRequestID(ctx), req)
	}
}

// StreamRequestID is UnaryRequestID for streaming calls.
func StreamRequestID() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: withRequestID(ss.Context())})
	}
}

// UnaryAPIKey returns a unary interceptor that authenticates with the
// x-api-key metadata entry and requires the given permission. The key's
// scopes are stored in the context.
func UnaryAPIKey(v KeyVerifier, required sentinel.Permission, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		vals := md.Get(MetadataAPIKey)
		if len(vals) == 0 || vals[0] == "" {
			return nil, status.Error(codes.Unauthenticated, "missing API key")
		}
		ctx = withPeerIP(ctx)
		key, err := v.AuthorizeAPIKey(ctx, vals[0], required)
		if err != nil {
			return nil, toStatus(err)
		}
		ctx = sentinel.WithScopes(sentinel.WithAccountID(ctx, key.AccountID), key.ScopeList())
		return handler(ctx, req)
	}
}

// CodeFor maps a core error to a gRPC status code.
func CodeFor(err error) codes.Code {
	switch sentinel.KindOf(err) {
	case sentinel.KindInvalidCredentials, sentinel.KindExpiredToken, sentinel.KindInvalidSignature,
		sentinel.KindRevokedToken, sentinel.KindInvalidKey, sentinel.KindInvalidMFACode, sentinel.KindMFARequired:
		return codes.Unauthenticated
	case sentinel.KindInsufficientScope:
		return codes.PermissionDenied
	case sentinel.KindAccountLocked, sentinel.KindRateLimited:
		return codes.ResourceExhausted
	case sentinel.KindDuplicateAccount:
		return codes.AlreadyExists
	case sentinel.KindConflict, sentinel.KindInvalidTransition:
		return codes.FailedPrecondition
	case sentinel.KindWeakPassword:
		return codes.InvalidArgument
	case sentinel.KindNotFound:
		return codes.NotFound
	}
	return codes.Internal
}

// --- internal helpers ---

func authenticate(ctx context.Context, v TokenVerifier) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokenStr := extractBearerFromMD(md)
	if tokenStr == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization token")
	}

	ctx = withPeerIP(ctx)
	accountID, err := v.VerifyToken(ctx, tokenStr)
	if err != nil {
		return ctx, toStatus(err)
	}
	return sentinel.WithAccountID(ctx, accountID), nil
}

func withRequestID(ctx context.Context) context.Context {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(MetadataRequestID); len(vals) > 0 && len(vals[0]) <= maxRequestIDLen {
			id = vals[0]
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	// fails only outside a server transport, e.g. when called directly
	_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataRequestID, id))
	return sentinel.WithRequestID(ctx, id)
}

func toStatus(err error) error {
	code := CodeFor(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, sentinel.KindOf(err).String())
}

func withPeerIP(ctx context.Context) context.Context {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ctx
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		host = p.Addr.String()
	}
	return sentinel.WithSourceIP(ctx, host)
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// wrappedStream wraps grpc.ServerStream to override Context().
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
