// Package breaker stops re-executing a statement that is known to be failing.
//
// State is keyed by a statement fingerprint. After MaxFailures consecutive
// failures the key is open for Cooldown; while open, Allow returns a
// qerr.KindCircuitOpen error and no database call is made. The first success
// clears the key. There is no half-open probe budget: once the cooldown has
// elapsed the next call is allowed, and its outcome decides the next state.
package breaker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rickchristie/safequery/internal/qerr"
)

const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 60 * time.Second
)

// State is the bookkeeping for one fingerprint.
type State struct {
	Failures  int
	OpenUntil *time.Time // nil until Failures >= MaxFailures
}

// Store holds breaker state. Each method is atomic per key.
// Implementations backed by shared storage make the breaker span processes.
type Store interface {
	Get(key string) State
	// Increment adds one failure and, if the new count reaches maxFailures,
	// sets OpenUntil to openUntil. It returns the updated state.
	Increment(key string, maxFailures int, openUntil time.Time) State
	Reset(key string)
}

// DefaultMaxKeys bounds the number of keys a MemoryStore tracks.
const DefaultMaxKeys = 10000

// MemoryStore is an in-process Store.
//
// A key that has seen no failure for two cooldowns is stale: it is dropped
// the next time a new key arrives at capacity. If every key is still fresh,
// the least recently failed one is evicted instead.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]memoryEntry
	maxKeys int
	now     func() time.Time
}

type memoryEntry struct {
	State
	staleAt time.Time
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithMaxKeys caps the number of tracked keys.
func WithMaxKeys(n int) StoreOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// WithStoreClock replaces time.Now for staleness checks.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		states:  make(map[string]memoryEntry),
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key].State
}

func (s *MemoryStore) Increment(key string, maxFailures int, openUntil time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.states[key]
	if !ok && len(s.states) >= s.maxKeys {
		s.prune(now)
	}
	e.Failures++
	if e.Failures >= maxFailures {
		t := openUntil
		e.OpenUntil = &t
	}
	// openUntil is now plus the cooldown.
	e.staleAt = openUntil.Add(openUntil.Sub(now))
	s.states[key] = e
	return e.State
}

// prune drops stale keys, or the least recently failed key when none is
// stale. The caller holds mu.
func (s *MemoryStore) prune(now time.Time) {
	oldest := ""
	var oldestAt time.Time
	for k, e := range s.states {
		if now.After(e.staleAt) {
			delete(s.states, k)
			continue
		}
		if oldest == "" || e.staleAt.Before(oldestAt) {
			oldest, oldestAt = k, e.staleAt
		}
	}
	if len(s.states) >= s.maxKeys && oldest != "" {
		delete(s.states, oldest)
	}
}

func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Breaker applies the failure policy on top of a Store.
type Breaker struct {
	store       Store
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStore replaces the default MemoryStore.
func WithStore(s Store) Option {
	return func(b *Breaker) {
		if s != nil {
			b.store = s
		}
	}
}

// WithMaxFailures sets the consecutive failures that open a key.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithCooldown sets how long an open key stays open.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Breaker with defaults of 3 failures and a 60s cooldown.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		store:       NewMemoryStore(),
		maxFailures: DefaultMaxFailures,
		cooldown:    DefaultCooldown,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns a CircuitOpen error while key is cooling down.
func (b *Breaker) Allow(key string) error {
	st := b.store.Get(key)
	if st.OpenUntil != nil && b.now().Before(*st.OpenUntil) {
		return qerr.CircuitOpen(key, *st.OpenUntil)
	}
	return nil
}

// Success clears all state for key.
func (b *Breaker) Success(key string) {
	b.store.Reset(key)
}

// Failure records one failure and returns the updated state.
func (b *Breaker) Failure(key string) State {
	return b.store.Increment(key, b.maxFailures, b.now().Add(b.cooldown))
}

// State returns the current state for key.
func (b *Breaker) State(key string) State {
	return b.store.Get(key)
}

// MaxFailures returns the configured threshold.
func (b *Breaker) MaxFailures() int { return b.maxFailures }

// Cooldown returns the configured cooldown.
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }

// Fingerprint returns the first 16 hex characters of the SHA-256 of sql with
// runs of whitespace collapsed and the ends trimmed. Case is preserved:
// literals are case-sensitive.
func Fingerprint(sql string) string {
	normalized := strings.Join(strings.Fields(sql), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
