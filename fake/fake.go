// Package fake provides in-memory implementations of sentinel interfaces for
// testing.
//
// Use fake.NewUserStore() and fake.NewClock() in unit tests to avoid a
// database and real sleeps.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
)

var _ sentinel.UserStore = (*UserStore)(nil)

// UserStore is an in-memory sentinel.UserStore with version checks on save.
type UserStore struct {
	mu        sync.RWMutex
	accounts  map[string]*sentinel.Account // id → account
	usernames map[string]string            // lower(username) → id
	emails    map[string]string            // lower(email) → id
	conflicts int
	saves     int
}

// Option configures the fake store.
type Option func(*UserStore)

// WithAccount seeds an account.
func WithAccount(a *sentinel.Account) Option {
	return func(s *UserStore) {
		c := a.Clone()
		if c.Version == 0 {
			c.Version = 1
		}
		s.accounts[c.ID] = c
		s.usernames[strings.ToLower(c.Username)] = c.ID
		if c.Email != "" {
			s.emails[strings.ToLower(c.Email)] = c.ID
		}
	}
}

// WithConflicts makes the next n SaveAccount calls fail with ErrConflict, as
// if another writer got there first.
func WithConflicts(n int) Option {
	return func(s *UserStore) { s.conflicts = n }
}

// NewUserStore creates an empty store.
func NewUserStore(opts ...Option) *UserStore {
	s := &UserStore{
		accounts:  make(map[string]*sentinel.Account),
		usernames: make(map[string]string),
		emails:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *UserStore) LoadAccount(_ context.Context, id string) (*sentinel.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, sentinel.E(sentinel.KindNotFound, "fake.LoadAccount", nil)
	}
	return a.Clone(), nil
}

func (s *UserStore) LoadAccountByUsername(_ context.Context, username string) (*sentinel.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[strings.ToLower(username)]
	if !ok {
		return nil, sentinel.E(sentinel.KindNotFound, "fake.LoadAccountByUsername", nil)
	}
	return s.accounts[id].Clone(), nil
}

func (s *UserStore) CreateAccount(_ context.Context, a *sentinel.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, e := strings.ToLower(a.Username), strings.ToLower(a.Email)
	if _, ok := s.usernames[u]; ok {
		return sentinel.E(sentinel.KindDuplicateAccount, "fake.CreateAccount", nil)
	}
	if _, ok := s.emails[e]; ok && e != "" {
		return sentinel.E(sentinel.KindDuplicateAccount, "fake.CreateAccount", nil)
	}
	if _, ok := s.accounts[a.ID]; ok {
		return sentinel.E(sentinel.KindDuplicateAccount, "fake.CreateAccount", nil)
	}
	a.Version = 1
	s.accounts[a.ID] = a.Clone()
	s.usernames[u] = a.ID
	if e != "" {
		s.emails[e] = a.ID
	}
	return nil
}

func (s *UserStore) SaveAccount(_ context.Context, a *sentinel.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	cur, ok := s.accounts[a.ID]
	if !ok {
		return sentinel.E(sentinel.KindNotFound, "fake.SaveAccount", nil)
	}
	if s.conflicts > 0 {
		s.conflicts--
		cur.Version++
		return sentinel.E(sentinel.KindConflict, "fake.SaveAccount", nil)
	}
	if cur.Version != a.Version {
		return sentinel.E(sentinel.KindConflict, "fake.SaveAccount", nil)
	}
	a.Version++
	s.accounts[a.ID] = a.Clone()
	return nil
}

// Saves returns the number of SaveAccount calls, including rejected ones.
func (s *UserStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Len returns the number of stored accounts.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Clock is a manually advanced clock. Safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at start. A zero start uses a fixed date.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	}
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
