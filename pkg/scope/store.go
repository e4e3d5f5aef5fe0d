package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"

	"github.com/vmihailenco/msgpack/v5"
)

// Store keeps resolved scopes. Get may return expired entries; the
// resolver decides freshness.
type Store interface {
	Get(ctx context.Context, token string) (*Scope, bool, error)
	Put(ctx context.Context, s *Scope) error
	Delete(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]*Scope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*Scope)}
}

func (m *MemoryStore) Get(ctx context.Context, token string) (*Scope, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scopes[token]
	return s, ok, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[s.Token] = s
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, token)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = make(map[string]*Scope)
	return nil
}

type cachedScope struct {
	Token     string    `msgpack:"token"`
	Records   []string  `msgpack:"records"`
	Source    string    `msgpack:"source"`
	LoadedAt  time.Time `msgpack:"loaded_at"`
	ExpiresAt time.Time `msgpack:"expires_at"`
}

// CacheStore keeps scopes in a cache.Cache so several processes share them.
// Entries are msgpack encoded and expire with the scope.
type CacheStore struct {
	cache cache.Cache
	now   func() time.Time
}

// NewCacheStore stores scopes in c. Pass a namespaced cache.
func NewCacheStore(c cache.Cache) *CacheStore {
	return &CacheStore{cache: c, now: time.Now}
}

func (c *CacheStore) Get(ctx context.Context, token string) (*Scope, bool, error) {
	data, err := c.cache.Get(ctx, token)
	if errors.Is(err, cache.ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry cachedScope
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode scope %s: %w", token, err)
	}
	s := New(entry.Token, entry.Records, entry.Source, entry.LoadedAt, 0)
	s.ExpiresAt = entry.ExpiresAt
	return s, true, nil
}

func (c *CacheStore) Put(ctx context.Context, s *Scope) error {
	data, err := msgpack.Marshal(&cachedScope{
		Token:     s.Token,
		Records:   s.IDs(),
		Source:    s.Source,
		LoadedAt:  s.LoadedAt,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode scope %s: %w", s.Token, err)
	}
	var ttl time.Duration
	if !s.ExpiresAt.IsZero() {
		ttl = s.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return nil
		}
	}
	return c.cache.Set(ctx, s.Token, data, ttl)
}

func (c *CacheStore) Delete(ctx context.Context, token string) error {
	return c.cache.Delete(ctx, token)
}

func (c *CacheStore) Clear(ctx context.Context) error {
	return c.cache.Clear(ctx, "")
}
