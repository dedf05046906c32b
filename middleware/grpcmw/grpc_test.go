package grpcmw

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sentinel "github.com/chimerakang/sentinel-go"
)

type stubVerifier struct {
	tokens map[string]string
	keyErr error
}

func (s *stubVerifier) VerifyToken(_ context.Context, tok string) (string, error) {
	if id, ok := s.tokens[tok]; ok {
		return id, nil
	}
	return "", sentinel.E(sentinel.KindRevokedToken, "token.Verify", nil)
}

func (s *stubVerifier) AuthorizeAPIKey(_ context.Context, raw string, _ sentinel.Permission) (*sentinel.APIKey, error) {
	if s.keyErr != nil {
		return nil, s.keyErr
	}
	return &sentinel.APIKey{
		KeyID:     "key-" + raw,
		AccountID: "acct-" + raw,
		Scopes: map[sentinel.Permission]struct{}{
			sentinel.PermTradeRead:   {},
			sentinel.PermAccountRead: {},
		},
	}, nil
}

func incoming(pairs ...string) context.Context {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
	return peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5000}})
}

func TestAuthenticate(t *testing.T) {
	v := &stubVerifier{tokens: map[string]string{"good": "alice"}}

	tests := []struct {
		name       string
		ctx        context.Context
		expectCode codes.Code
		expectUser string
	}{
		{"valid token", incoming("authorization", "Bearer good"), codes.OK, "alice"},
		{"revoked token", incoming("authorization", "Bearer gone"), codes.Unauthenticated, ""},
		{"empty metadata", incoming(), codes.Unauthenticated, ""},
		{"malformed bearer", incoming("authorization", "NotBearer good"), codes.Unauthenticated, ""},
		{"no metadata", context.Background(), codes.Unauthenticated, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, err := authenticate(tc.ctx, v)
			if status.Code(err) != tc.expectCode {
				t.Fatalf("code = %v, want %v", status.Code(err), tc.expectCode)
			}
			if err != nil {
				return
			}
			if got := sentinel.AccountIDFromContext(ctx); got != tc.expectUser {
				t.Errorf("account = %q, want %q", got, tc.expectUser)
			}
			if got := sentinel.SourceIPFromContext(ctx); got != "198.51.100.7" {
				t.Errorf("source ip = %q", got)
			}
		})
	}
}

func TestUnaryAuthExcludedMethod(t *testing.T) {
	interceptor := UnaryAuth(&stubVerifier{}, WithExcludedMethods("/grpc.health.v1.Health/Check"))
	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		return "ok", nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	if err != nil || !called {
		t.Fatalf("excluded method: err=%v called=%v", err, called)
	}

	called = false
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/trading.Orders/Place"}, handler)
	if status.Code(err) != codes.Unauthenticated || called {
		t.Fatalf("protected method: code=%v called=%v", status.Code(err), called)
	}
}

func TestUnaryAPIKey(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/trading.Orders/List"}
	echo := func(ctx context.Context, _ any) (any, error) {
		return sentinel.AccountIDFromContext(ctx), nil
	}

	resp, err := UnaryAPIKey(&stubVerifier{}, sentinel.PermTradeRead)(incoming(MetadataAPIKey, "sk_1"), nil, info, echo)
	if err != nil || resp != "acct-sk_1" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}

	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"scope", sentinel.E(sentinel.KindInsufficientScope, "", nil), codes.PermissionDenied},
		{"rate limited", sentinel.E(sentinel.KindRateLimited, "", nil), codes.ResourceExhausted},
		{"invalid", sentinel.E(sentinel.KindInvalidKey, "", nil), codes.Unauthenticated},
		{"infrastructure", errors.New("dial tcp: refused"), codes.Internal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ic := UnaryAPIKey(&stubVerifier{keyErr: tc.err}, sentinel.PermTradeRead)
			_, err := ic(incoming(MetadataAPIKey, "sk_1"), nil, info, echo)
			if status.Code(err) != tc.code {
				t.Fatalf("code = %v, want %v", status.Code(err), tc.code)
			}
		})
	}

	_, err = UnaryAPIKey(&stubVerifier{}, sentinel.PermTradeRead)(incoming(), nil, info, echo)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing key: code = %v", status.Code(err))
	}
}

func TestUnaryAPIKeyStoresScopes(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/trading.Orders/List"}
	var scopes []sentinel.Permission
	handler := func(ctx context.Context, _ any) (any, error) {
		scopes = sentinel.ScopesFromContext(ctx)
		return nil, nil
	}
	_, err := UnaryAPIKey(&stubVerifier{}, sentinel.PermTradeRead)(incoming(MetadataAPIKey, "sk_1"), nil, info, handler)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 || !slices.Contains(scopes, sentinel.PermAccountRead) {
		t.Errorf("scopes = %v", scopes)
	}
}

func TestRequestIDInterceptors(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/trading.Orders/List"}
	echo := func(ctx context.Context, _ any) (any, error) {
		return sentinel.RequestIDFromContext(ctx), nil
	}

	resp, err := UnaryRequestID()(incoming(MetadataRequestID, "req-7"), nil, info, echo)
	if err != nil || resp != "req-7" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}

	resp, err = UnaryRequestID()(incoming(), nil, info, echo)
	if err != nil || resp == "" {
		t.Fatalf("generated id: resp=%v err=%v", resp, err)
	}

	var got string
	ss := &mockServerStream{ctx: incoming(MetadataRequestID, "req-8")}
	err = StreamRequestID()(nil, ss, &grpc.StreamServerInfo{FullMethod: "/trading.Orders/Watch"}, func(_ any, s grpc.ServerStream) error {
		got = sentinel.RequestIDFromContext(s.Context())
		return nil
	})
	if err != nil || got != "req-8" {
		t.Fatalf("stream: got=%q err=%v", got, err)
	}
}

func TestExtractBearerFromMD(t *testing.T) {
	cases := map[string]string{
		"Bearer mytoken123": "mytoken123",
		"bearer abc":        "abc",
		"Basic credentials": "",
		"":                  "",
	}
	for header, want := range cases {
		md := metadata.New(map[string]string{})
		if header != "" {
			md = metadata.Pairs("authorization", header)
		}
		if got := extractBearerFromMD(md); got != want {
			t.Errorf("extractBearerFromMD(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestWrappedStreamContext(t *testing.T) {
	custom := sentinel.WithAccountID(context.Background(), "alice")
	wrapped := &wrappedStream{ServerStream: &mockServerStream{ctx: context.Background()}, ctx: custom}
	if wrapped.Context() != custom {
		t.Error("wrapped stream should return custom context")
	}
}

type mockServerStream struct {
	ctx context.Context
}

func (m *mockServerStream) SetHeader(metadata.MD) error  { return nil }
func (m *mockServerStream) SendHeader(metadata.MD) error { return nil }
func (m *mockServerStream) SetTrailer(metadata.MD)       {}
func (m *mockServerStream) Context() context.Context     { return m.ctx }
func (m *mockServerStream) SendMsg(any) error            { return nil }
func (m *mockServerStream) RecvMsg(any) error            { return nil }
