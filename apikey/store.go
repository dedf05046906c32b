package apikey

import (
	"context"
	"sort"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
)

// Store persists API key records. Implementations: MemoryStore,
// store/postgres.
type Store interface {
	// CreateKey inserts a new key record.
	CreateKey(ctx context.Context, key *sentinel.APIKey) error

	// LoadKey returns the key with the given ID or ErrNotFound.
	LoadKey(ctx context.Context, keyID string) (*sentinel.APIKey, error)

	// ListKeys returns the account's keys, newest first.
	ListKeys(ctx context.Context, accountID string) ([]*sentinel.APIKey, error)

	// RevokeKey marks the key revoked or returns ErrNotFound.
	RevokeKey(ctx context.Context, keyID string) error

	// TouchKey records a successful use.
	TouchKey(ctx context.Context, keyID string, at time.Time) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*sentinel.APIKey
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*sentinel.APIKey)}
}

func (m *MemoryStore) CreateKey(_ context.Context, key *sentinel.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.KeyID]; ok {
		return sentinel.E(sentinel.KindConflict, "apikey.CreateKey", nil)
	}
	m.keys[key.KeyID] = clone(key)
	return nil
}

func (m *MemoryStore) LoadKey(_ context.Context, keyID string) (*sentinel.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, sentinel.E(sentinel.KindNotFound, "apikey.LoadKey", nil)
	}
	return clone(k), nil
}

func (m *MemoryStore) ListKeys(_ context.Context, accountID string) ([]*sentinel.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*sentinel.APIKey
	for _, k := range m.keys {
		if k.AccountID == accountID {
			out = append(out, clone(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RevokeKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return sentinel.E(sentinel.KindNotFound, "apikey.RevokeKey", nil)
	}
	k.Revoked = true
	return nil
}

func (m *MemoryStore) TouchKey(_ context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.LastUsed = &at
	}
	return nil
}

func clone(k *sentinel.APIKey) *sentinel.APIKey {
	c := *k
	c.Scopes = make(map[sentinel.Permission]struct{}, len(k.Scopes))
	for p := range k.Scopes {
		c.Scopes[p] = struct{}{}
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsed != nil {
		t := *k.LastUsed
		c.LastUsed = &t
	}
	return &c
}
