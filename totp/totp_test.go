package totp

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B, SHA1 rows, truncated to 6 digits.
func TestRFC6238Vectors(t *testing.T) {
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte("12345678901234567890"))
	p := New("test")

	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}
	for _, tt := range tests {
		got, err := p.Code(secret, time.Unix(tt.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "T=%d", tt.unix)
	}
}

func TestGenerateSecret(t *testing.T) {
	p := New("test")
	s, err := p.GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, s, 32) // 20 bytes -> 32 base32 chars
	assert.NotContains(t, s, "=")
	raw, err := decodeSecret(s)
	require.NoError(t, err)
	assert.Len(t, raw, SecretSize)

	other, err := p.GenerateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestVerifyWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	p := New("test", WithClock(func() time.Time { return now }))
	secret, err := p.GenerateSecret()
	require.NoError(t, err)

	current, err := p.CurrentCode(secret)
	require.NoError(t, err)
	assert.True(t, p.Verify(secret, current))

	next, _ := p.Code(secret, now.Add(30*time.Second))
	assert.True(t, p.Verify(secret, next), "one step ahead is within the window")

	prev, _ := p.Code(secret, now.Add(-30*time.Second))
	assert.True(t, p.Verify(secret, prev), "one step behind is within the window")

	stale, _ := p.Code(secret, now.Add(-61*time.Second))
	assert.False(t, p.Verify(secret, stale), "61 seconds earlier is outside the window")

	ahead, _ := p.Code(secret, now.Add(90*time.Second))
	assert.False(t, p.Verify(secret, ahead), "three steps ahead is outside the window")
}

func TestVerifyZeroWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	p := New("test", WithWindow(0), WithClock(func() time.Time { return now }))
	secret, _ := p.GenerateSecret()

	next, _ := p.Code(secret, now.Add(30*time.Second))
	assert.False(t, p.Verify(secret, next))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	p := New("test")
	secret, _ := p.GenerateSecret()

	assert.False(t, p.Verify(secret, ""))
	assert.False(t, p.Verify(secret, "12345"))
	assert.False(t, p.Verify(secret, "1234567"))
	assert.False(t, p.Verify("not base32!", "123456"))
}

func TestCodeIsZeroPadded(t *testing.T) {
	p := New("test")
	secret, _ := p.GenerateSecret()
	for i := 0; i < 50; i++ {
		code, err := p.Code(secret, time.Unix(int64(i)*30, 0))
		require.NoError(t, err)
		assert.Len(t, code, Digits)
	}
}

func TestProvisioningURI(t *testing.T) {
	p := New("Trade Desk")
	uri := p.ProvisioningURI("alice@example.com", "JBSWY3DPEHPK3PXP")
	assert.Equal(t, "otpauth://totp/alice@example.com?secret=JBSWY3DPEHPK3PXP&issuer=Trade%20Desk", uri)

	uri = p.ProvisioningURI("Trade Desk:bob", "JBSWY3DPEHPK3PXP")
	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/Trade%20Desk:bob?"))
}

func TestProvisioningURIIssuerEscaping(t *testing.T) {
	tests := []struct {
		issuer string
		want   string
	}{
		{"Acme Trading", "issuer=Acme%20Trading"},
		{"A&B Markets", "issuer=A%26B%20Markets"},
		{"C++ Desk", "issuer=C%2B%2B%20Desk"},
	}
	for _, tt := range tests {
		uri := New(tt.issuer).ProvisioningURI("alice", "JBSWY3DPEHPK3PXP")
		assert.True(t, strings.HasSuffix(uri, "&"+tt.want), uri)
		assert.NotContains(t, uri, "+", uri)
	}
}

func TestSecretToleratesFormatting(t *testing.T) {
	p := New("test")
	secret, _ := p.GenerateSecret()
	at := time.Unix(1_700_000_000, 0)

	want, _ := p.Code(secret, at)
	got, err := p.Code(strings.ToLower(secret[:16])+" "+secret[16:], at)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
