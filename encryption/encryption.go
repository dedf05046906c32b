// Package encryption provides authenticated encryption at rest, RSA-OAEP
// transport encryption and keyed fingerprints.
//
// Data keys are derived from a single master secret with HKDF-SHA256, one per
// key version. Every ciphertext starts with the version byte of the key that
// sealed it, so Rotate never breaks decryption of older data.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	sentinel "github.com/chimerakang/sentinel-go"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinMasterKeySize is the minimum master secret length in bytes.
	MinMasterKeySize = 32
	// DefaultRSABits is the size of the process RSA key.
	DefaultRSABits = 2048

	keySize   = 32
	nonceSize = 12
)

var (
	errShortMasterKey = errors.New("sentinel/encryption: master key must be at least 32 bytes")
	errKeyringFull    = errors.New("sentinel/encryption: key versions exhausted")
)

// Service holds process key material. It never exposes symmetric keys.
type Service struct {
	master []byte
	rsaKey *rsa.PrivateKey
	fpKey  []byte

	active atomic.Uint32 // current key version

	mu    sync.RWMutex
	aeads map[byte]cipher.AEAD
}

// Option configures a Service.
type Option func(*options)

type options struct {
	master  []byte
	rsaBits int
	rsaKey  *rsa.PrivateKey
}

// WithMasterKey sets the master secret. Without it a random key is generated,
// which means sealed data does not survive a restart.
func WithMasterKey(key []byte) Option {
	return func(o *options) { o.master = key }
}

// WithRSABits sets the size of the generated RSA key.
func WithRSABits(bits int) Option {
	return func(o *options) { o.rsaBits = bits }
}

// WithRSAKey uses an existing RSA key instead of generating one.
func WithRSAKey(key *rsa.PrivateKey) Option {
	return func(o *options) { o.rsaKey = key }
}

// New creates a Service with key version 1 active.
func New(opts ...Option) (*Service, error) {
	o := options{rsaBits: DefaultRSABits}
	for _, opt := range opts {
		opt(&o)
	}

	master := o.master
	if master == nil {
		master = make([]byte, MinMasterKeySize)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("sentinel/encryption: generate master key: %w", err)
		}
	}
	if len(master) < MinMasterKeySize {
		return nil, errShortMasterKey
	}

	rsaKey := o.rsaKey
	if rsaKey == nil {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, o.rsaBits)
		if err != nil {
			return nil, fmt.Errorf("sentinel/encryption: generate rsa key: %w", err)
		}
	}

	s := &Service{
		master: append([]byte(nil), master...),
		rsaKey: rsaKey,
		aeads:  make(map[byte]cipher.AEAD),
	}
	fpKey, err := s.derive("fingerprint")
	if err != nil {
		return nil, err
	}
	s.fpKey = fpKey
	if err := s.install(1); err != nil {
		return nil, err
	}
	s.active.Store(1)
	return s, nil
}

// DecodeMasterKey parses a base64 master secret as found in configuration.
// An empty string yields nil, meaning a random key.
func DecodeMasterKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("sentinel/encryption: decode master key: %w", err)
	}
	return key, nil
}

// KeyVersion returns the active key version.
func (s *Service) KeyVersion() byte { return byte(s.active.Load()) }

// Rotate activates the next key version and returns it. Ciphertext sealed
// under earlier versions stays decryptable.
func (s *Service) Rotate() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.active.Load() + 1
	if next > 255 {
		return 0, errKeyringFull
	}
	if err := s.installLocked(byte(next)); err != nil {
		return 0, err
	}
	s.active.Store(next)
	return byte(next), nil
}

// EncryptAtRest seals plaintext with the active key.
// Output layout: version(1) | nonce(12) | ciphertext+tag.
func (s *Service) EncryptAtRest(plaintext []byte) ([]byte, error) {
	version := s.KeyVersion()
	aead := s.aead(version)

	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+aead.Overhead())
	out[0] = version
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("sentinel/encryption: nonce: %w", err)
	}
	// the version byte is bound as additional data
	return aead.Seal(out, out[1:], plaintext, out[:1]), nil
}

// DecryptAtRest opens ciphertext produced by EncryptAtRest under any known
// key version. Tampering, truncation or an unknown version yields
// sentinel.ErrDecryption.
func (s *Service) DecryptAtRest(ciphertext []byte) ([]byte, error) {
	const op = "encryption.DecryptAtRest"
	if len(ciphertext) < 1+nonceSize {
		return nil, sentinel.E(sentinel.KindDecryption, op, errors.New("ciphertext too short"))
	}
	aead := s.aead(ciphertext[0])
	if aead == nil {
		return nil, sentinel.E(sentinel.KindDecryption, op, errors.New("unknown key version"))
	}
	nonce := ciphertext[1 : 1+nonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[1+nonceSize:], ciphertext[:1])
	if err != nil {
		return nil, sentinel.E(sentinel.KindDecryption, op, err)
	}
	return plaintext, nil
}

// SealString encrypts s at rest and returns it base64 encoded for string columns.
func (s *Service) SealString(plaintext string) (string, error) {
	ct, err := s.EncryptAtRest([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenString reverses SealString.
func (s *Service) OpenString(sealed string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", sentinel.E(sentinel.KindDecryption, "encryption.OpenString", err)
	}
	pt, err := s.DecryptAtRest(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// PublicKey returns the public half of the process RSA key.
func (s *Service) PublicKey() *rsa.PublicKey { return &s.rsaKey.PublicKey }

// EncryptForTransport encrypts a small payload for the holder of recipient
// with RSA-OAEP-SHA256. Payloads larger than the OAEP limit are rejected.
func (s *Service) EncryptForTransport(plaintext []byte, recipient *rsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("sentinel/encryption: nil recipient key")
	}
	if limit := MaxTransportPayload(recipient); len(plaintext) > limit {
		return nil, fmt.Errorf("sentinel/encryption: payload of %d bytes exceeds limit of %d", len(plaintext), limit)
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("sentinel/encryption: encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt opens a payload encrypted to PublicKey.
func (s *Service) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, s.rsaKey, ciphertext, nil)
	if err != nil {
		return nil, sentinel.E(sentinel.KindDecryption, "encryption.Decrypt", err)
	}
	return pt, nil
}

// MaxTransportPayload returns the largest plaintext EncryptForTransport
// accepts for key.
func MaxTransportPayload(key *rsa.PublicKey) int {
	return key.Size() - 2*sha256.Size - 2
}

// Fingerprint returns a hex HMAC-SHA256 of data under a key derived from the
// master secret. It is stable across Rotate.
func (s *Service) Fingerprint(data []byte) string {
	mac := hmac.New(sha256.New, s.fpKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) aead(version byte) cipher.AEAD {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aeads[version]
}

func (s *Service) install(version byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installLocked(version)
}

func (s *Service) installLocked(version byte) error {
	key, err := s.derive("data-key-v" + strconv.Itoa(int(version)))
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("sentinel/encryption: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("sentinel/encryption: gcm: %w", err)
	}
	s.aeads[version] = aead
	return nil
}

func (s *Service) derive(info string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, s.master, nil, []byte("sentinel/"+info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sentinel/encryption: derive %s: %w", info, err)
	}
	return key, nil
}
