package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a resolved scope is served before it is reloaded.
const DefaultTTL = time.Hour

// Locker serializes reloads of one token across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Resolver turns scope tokens into Scopes. Concurrent misses for the same
// token share a single load; with a Locker the load is also exclusive
// across processes sharing the Store.
type Resolver struct {
	source      Source
	store       Store
	name        string
	ttl         time.Duration
	loadTimeout time.Duration
	locker      Locker
	now         func() time.Time
	group       singleflight.Group

	// Invalidations bump these so a load started earlier does not write
	// its result back to the store.
	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

type generation struct {
	epoch, token uint64
}

func (r *Resolver) generation(token string) generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return generation{epoch: r.epoch, token: r.gens[token]}
}

type ResolverOption func(*Resolver)

func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

func WithLocker(l Locker) ResolverOption {
	return func(r *Resolver) {
		r.locker = l
	}
}

// WithLoadTimeout bounds a single load. The load is detached from the
// caller's cancellation so one impatient caller does not fail the others.
func WithLoadTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.loadTimeout = d
	}
}

// WithSourceName labels scopes loaded by this resolver.
func WithSourceName(name string) ResolverOption {
	return func(r *Resolver) {
		r.name = name
	}
}

func withClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

func NewResolver(source Source, store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:      source,
		store:       store,
		name:        "source",
		ttl:         DefaultTTL,
		loadTimeout: 30 * time.Second,
		now:         time.Now,
		gens:        make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	return r
}

func (r *Resolver) cached(ctx context.Context, token string) *Scope {
	s, ok, err := r.store.Get(ctx, token)
	if err != nil {
		logger.Warn("[Scope] store read failed", "scope", token, "err", err)
		return nil
	}
	if !ok || s.Expired(r.now()) {
		return nil
	}
	return s
}

// Resolve returns the Scope for token. An empty token means "no scope" and
// yields nil without error.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Scope, error) {
	if token == "" {
		return nil, nil
	}
	if s := r.cached(ctx, token); s != nil {
		return s, nil
	}

	ch := r.group.DoChan(token, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		return r.load(loadCtx, token, r.generation(token))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Scope), nil
	}
}

func (r *Resolver) load(ctx context.Context, token string, gen generation) (*Scope, error) {
	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%w: lock %s: %v", ErrScopeUnavailable, token, err)
		}
		defer unlock()
	}

	// Another holder may have refreshed the entry while we waited.
	if s := r.cached(ctx, token); s != nil {
		return s, nil
	}

	start := r.now()
	ids, err := r.source.Load(ctx, token)
	if errors.Is(err, ErrUnknownScope) {
		_ = r.store.Delete(ctx, token)
		return nil, err
	}
	if err != nil {
		logger.Error("[Scope] failed to load scope", "scope", token, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrScopeUnavailable, err)
	}

	s := New(token, ids, r.name, start, r.ttl)
	if r.generation(token) != gen {
		logger.Debug("[Scope] scope invalidated during load, not caching", "scope", token)
		return s, nil
	}
	if err := r.store.Put(ctx, s); err != nil {
		logger.Warn("[Scope] store write failed", "scope", token, "err", err)
	}
	logger.Debug("[Scope] loaded scope", "scope", token, "records", s.Len(), "duration", r.now().Sub(start))
	return s, nil
}

// Invalidate drops the cached entry for token.
// A load already in flight for token still answers its waiters but is not
// cached.
func (r *Resolver) Invalidate(ctx context.Context, token string) error {
	r.mu.Lock()
	r.gens[token]++
	r.mu.Unlock()
	r.group.Forget(token)
	return r.store.Delete(ctx, token)
}

// InvalidateAll drops every cached scope.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	r.mu.Lock()
	r.epoch++
	clear(r.gens)
	r.mu.Unlock()
	return r.store.Clear(ctx)
}
