// Package totp implements RFC 6238 time-based one-time passwords.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// SecretSize is the number of random bytes in a generated secret (160 bits).
	SecretSize = 20
	// Digits is the code length.
	Digits = 6

	DefaultPeriod = 30 * time.Second
	DefaultWindow = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Provider generates and verifies codes.
type Provider struct {
	issuer string
	period time.Duration
	window int
	now    func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithPeriod sets the time step.
func WithPeriod(d time.Duration) Option {
	return func(p *Provider) {
		if d >= time.Second {
			p.period = d
		}
	}
}

// WithWindow sets how many steps either side of the current one Verify
// accepts. Every extra step keeps a code valid for one more period, which
// widens the window in which an observed code can be replayed.
func WithWindow(steps int) Option {
	return func(p *Provider) {
		if steps >= 0 {
			p.window = steps
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Provider that labels provisioning URIs with issuer.
func New(issuer string, opts ...Option) *Provider {
	p := &Provider{
		issuer: issuer,
		period: DefaultPeriod,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Period returns the time step.
func (p *Provider) Period() time.Duration { return p.period }

// GenerateSecret returns a new random base32 secret without padding.
func (p *Provider) GenerateSecret() (string, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("sentinel/totp: generate secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}

// Code returns the code for the step containing t.
func (p *Provider) Code(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, p.counter(t)), nil
}

// CurrentCode returns the code for the current step.
func (p *Provider) CurrentCode(secret string) (string, error) {
	return p.Code(secret, p.now())
}

// Verify reports whether code matches any step within the window around now.
// Malformed secrets or codes never verify.
func (p *Provider) Verify(secret, code string) bool {
	if len(code) != Digits {
		return false
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return false
	}
	current := p.counter(p.now())
	ok := 0
	for i := -p.window; i <= p.window; i++ {
		c := int64(current) + int64(i)
		if c < 0 {
			continue
		}
		// no early exit, so timing does not reveal which step matched
		ok |= subtle.ConstantTimeCompare([]byte(hotp(key, uint64(c))), []byte(code))
	}
	return ok == 1
}

// ProvisioningURI returns otpauth://totp/{label}?secret={secret}&issuer={issuer}.
func (p *Provider) ProvisioningURI(label, secret string) string {
	return "otpauth://totp/" + url.PathEscape(label) +
		"?secret=" + secret +
		"&issuer=" + queryEscape(p.issuer)
}

// queryEscape is url.QueryEscape with spaces as %20; authenticator apps
// show a literal '+' otherwise. A literal '+' is already escaped as %2B.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func (p *Provider) counter(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(p.period/time.Second)
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.ReplaceAll(secret, " ", ""), "="))
	key, err := b32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("sentinel/totp: decode secret: %w", err)
	}
	return key, nil
}

// hotp is RFC 4226 HOTP with dynamic truncation.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", Digits, bin%1_000_000)
}
