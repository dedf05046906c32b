package token

import (
	"context"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
)

var _ sentinel.RevocationStore = (*MemoryRevocations)(nil)

// MemoryRevocations is a process-local revocation set. Lookups take a read
// lock only, so verification of unrelated tokens never waits on each other.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token ID → token expiry
	marks   map[string]accountMark
}

type accountMark struct {
	before time.Time
	until  time.Time
}

// NewMemoryRevocations creates an empty set.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		entries: make(map[string]time.Time),
		marks:   make(map[string]accountMark),
	}
}

func (m *MemoryRevocations) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tokenID] = expiresAt
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[tokenID]
	return ok, nil
}

func (m *MemoryRevocations) RevokeAccount(_ context.Context, accountID string, before, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.marks[accountID]; ok && !before.After(cur.before) {
		return nil
	}
	m.marks[accountID] = accountMark{before: before, until: until}
	return nil
}

func (m *MemoryRevocations) AccountRevokedBefore(_ context.Context, accountID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marks[accountID].before, nil
}

func (m *MemoryRevocations) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, id)
			n++
		}
	}
	for acct, mk := range m.marks {
		if !mk.until.After(now) {
			delete(m.marks, acct)
			n++
		}
	}
	return n, nil
}

// Len returns the number of token and account entries.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) + len(m.marks)
}
