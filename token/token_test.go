package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/audit"
	"github.com/chimerakang/sentinel-go/fake"
)

func newIssuer(t *testing.T, opts ...Option) (*Issuer, *fake.Clock) {
	t.Helper()
	clock := fake.NewClock(time.Time{})
	i, err := New(append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return i, clock
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	i, _ := newIssuer(t)
	ctx := context.Background()

	sess, err := i.Issue(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if sess.ExpiresAt.Sub(sess.IssuedAt) != DefaultTTL {
		t.Errorf("ttl = %v, want %v", sess.ExpiresAt.Sub(sess.IssuedAt), DefaultTTL)
	}

	got, err := i.Verify(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if got != "acct-1" {
		t.Errorf("account = %q, want %q", got, "acct-1")
	}
}

func TestVerifyRejectsEverySingleCharacterChange(t *testing.T) {
	i, _ := newIssuer(t)
	ctx := context.Background()
	sess, _ := i.Issue(ctx, "acct-1", time.Hour)

	for pos := 0; pos < len(sess.Token); pos++ {
		replacement := byte('A')
		if sess.Token[pos] == 'A' {
			replacement = 'B'
		}
		mutated := sess.Token[:pos] + string(replacement) + sess.Token[pos+1:]

		_, err := i.Verify(ctx, mutated)
		if !errors.Is(err, sentinel.ErrInvalidSignature) {
			t.Fatalf("position %d: expected ErrInvalidSignature, got %v", pos, err)
		}
	}
}

func TestVerifyGarbage(t *testing.T) {
	i, _ := newIssuer(t)
	for _, tok := range []string{"", "abc", "a.b.c", strings.Repeat("x", 200)} {
		if _, err := i.Verify(context.Background(), tok); !errors.Is(err, sentinel.ErrInvalidSignature) {
			t.Errorf("Verify(%q): expected ErrInvalidSignature, got %v", tok, err)
		}
	}
}

func TestVerifyOtherKey(t *testing.T) {
	a, _ := newIssuer(t)
	b, _ := newIssuer(t)
	sess, _ := a.Issue(context.Background(), "acct-1", time.Hour)

	if _, err := b.Verify(context.Background(), sess.Token); !errors.Is(err, sentinel.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	i, clock := newIssuer(t)
	sess, _ := i.Issue(context.Background(), "acct-1", time.Minute)

	clock.Advance(2 * time.Minute)
	_, err := i.Verify(context.Background(), sess.Token)
	if !errors.Is(err, sentinel.ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	i, _ := newIssuer(t)
	ctx := context.Background()
	sess, _ := i.Issue(ctx, "acct-1", time.Hour)
	other, _ := i.Issue(ctx, "acct-1", time.Hour)

	if err := i.Revoke(ctx, sess.Token); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if _, err := i.Verify(ctx, sess.Token); !errors.Is(err, sentinel.ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
	if _, err := i.Verify(ctx, other.Token); err != nil {
		t.Fatalf("unrelated token: %v", err)
	}
	if n := len(i.Sessions("acct-1")); n != 1 {
		t.Errorf("Sessions() = %d, want 1", n)
	}

	if err := i.Revoke(ctx, "not-a-token"); !errors.Is(err, sentinel.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	i, clock := newIssuer(t)
	ctx := context.Background()
	a, _ := i.Issue(ctx, "acct-1", time.Hour)
	b, _ := i.Issue(ctx, "acct-1", time.Hour)
	c, _ := i.Issue(ctx, "acct-2", time.Hour)

	n, err := i.RevokeAll(ctx, "acct-1")
	if err != nil {
		t.Fatalf("RevokeAll() error: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked %d, want 2", n)
	}
	for _, tok := range []string{a.Token, b.Token} {
		if _, err := i.Verify(ctx, tok); !errors.Is(err, sentinel.ErrRevokedToken) {
			t.Errorf("expected ErrRevokedToken, got %v", err)
		}
	}
	if _, err := i.Verify(ctx, c.Token); err != nil {
		t.Errorf("other account: %v", err)
	}

	// a fresh login afterwards works
	clock.Advance(time.Second)
	d, _ := i.Issue(ctx, "acct-1", time.Hour)
	if _, err := i.Verify(ctx, d.Token); err != nil {
		t.Errorf("new session after RevokeAll: %v", err)
	}
}

func TestRevokeAllCoversUntrackedTokens(t *testing.T) {
	store := NewMemoryRevocations()
	secret := []byte(strings.Repeat("k", 32))
	first, clock := newIssuer(t, WithSecret(secret), WithRevocationStore(store))
	sess, _ := first.Issue(context.Background(), "acct-1", time.Hour)

	// a second process sharing the key never saw the token
	second, _ := newIssuer(t, WithSecret(secret), WithRevocationStore(store), WithClock(clock.Now))
	clock.Advance(time.Second)
	second.RevokeAll(context.Background(), "acct-1")

	if _, err := second.Verify(context.Background(), sess.Token); !errors.Is(err, sentinel.ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
}

func TestSweepDropsAccountMarks(t *testing.T) {
	store := NewMemoryRevocations()
	i, clock := newIssuer(t, WithRevocationStore(store), WithMaxTTL(2*time.Hour))
	ctx := context.Background()
	sess, _ := i.Issue(ctx, "acct-1", 5*time.Hour)
	if got := sess.ExpiresAt.Sub(sess.IssuedAt); got != 2*time.Hour {
		t.Errorf("ttl = %v, want capped to 2h", got)
	}

	clock.Advance(time.Second)
	i.RevokeAll(ctx, "acct-1")
	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want session and account entries", store.Len())
	}

	clock.Advance(2 * time.Hour)
	n, err := i.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 2 || store.Len() != 0 {
		t.Errorf("swept %d, remaining %d; want 2 and 0", n, store.Len())
	}
}

func TestMaxSessionsEvictsOldest(t *testing.T) {
	i, clock := newIssuer(t, WithMaxSessions(2))
	ctx := context.Background()

	var tokens []string
	for n := 0; n < 3; n++ {
		s, err := i.Issue(ctx, "acct-1", time.Hour)
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		tokens = append(tokens, s.Token)
		clock.Advance(time.Second)
	}

	if _, err := i.Verify(ctx, tokens[0]); !errors.Is(err, sentinel.ErrRevokedToken) {
		t.Errorf("oldest session: expected ErrRevokedToken, got %v", err)
	}
	for _, tok := range tokens[1:] {
		if _, err := i.Verify(ctx, tok); err != nil {
			t.Errorf("newer session: %v", err)
		}
	}
	if n := len(i.Sessions("acct-1")); n != 2 {
		t.Errorf("Sessions() = %d, want 2", n)
	}
}

func TestVerifyUpdatesLastActivity(t *testing.T) {
	i, clock := newIssuer(t)
	sess, _ := i.Issue(context.Background(), "acct-1", time.Hour)

	clock.Advance(10 * time.Minute)
	i.Verify(context.Background(), sess.Token)

	got := i.Sessions("acct-1")
	if len(got) != 1 {
		t.Fatalf("Sessions() = %d, want 1", len(got))
	}
	if !got[0].LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got[0].LastActivity, clock.Now())
	}
	if got[0].Token != "" {
		t.Error("Sessions() must not expose tokens")
	}
}

func TestSweep(t *testing.T) {
	store := NewMemoryRevocations()
	i, clock := newIssuer(t, WithRevocationStore(store))
	ctx := context.Background()
	short, _ := i.Issue(ctx, "acct-1", time.Minute)
	long, _ := i.Issue(ctx, "acct-1", time.Hour)
	i.Revoke(ctx, short.Token)
	i.Revoke(ctx, long.Token)

	clock.Advance(2 * time.Minute)
	n, err := i.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 || store.Len() != 1 {
		t.Errorf("swept %d, remaining %d; want 1 and 1", n, store.Len())
	}
	if _, err := i.Verify(ctx, long.Token); !errors.Is(err, sentinel.ErrRevokedToken) {
		t.Errorf("unexpired revocation must survive the sweep, got %v", err)
	}
}

func TestRejectionEmitsEvent(t *testing.T) {
	log := audit.New(10)
	defer log.Close()
	i, _ := newIssuer(t, WithEvents(log))

	ctx := sentinel.WithSourceIP(context.Background(), "198.51.100.4")
	i.Verify(ctx, "bogus")

	evs, _ := log.Query(ctx, sentinel.EventFilter{Types: []sentinel.EventType{sentinel.EventTokenRejected}})
	if len(evs) != 1 {
		t.Fatalf("expected 1 token_rejected event, got %d", len(evs))
	}
	if evs[0].SourceIP != "198.51.100.4" {
		t.Errorf("SourceIP = %q", evs[0].SourceIP)
	}
}

func TestShortSecretRejected(t *testing.T) {
	if _, err := New(WithSecret([]byte("short"))); err == nil {
		t.Fatal("expected error for short secret")
	}
}
