// Package cache provides the byte caches used for extracted keywords and
// query responses. Backends are in-process memory and Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache stores opaque values under string keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. A ttl <= 0 keeps the entry until it is deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Clear removes every key starting with prefix.
	Clear(ctx context.Context, prefix string) error
}

// Namespaced prefixes every key with "<namespace>:".
type Namespaced struct {
	inner     Cache
	namespace string
}

// WithNamespace wraps c so all keys live below namespace.
func WithNamespace(c Cache, namespace string) *Namespaced {
	return &Namespaced{inner: c, namespace: namespace}
}

func (n *Namespaced) Namespace() string {
	return n.namespace
}

func (n *Namespaced) key(k string) string {
	return n.namespace + ":" + k
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.key(key))
}

func (n *Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Set(ctx, n.key(key), value, ttl)
}

func (n *Namespaced) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = n.key(k)
	}
	return n.inner.Delete(ctx, full...)
}

func (n *Namespaced) Clear(ctx context.Context, prefix string) error {
	return n.inner.Clear(ctx, n.key(prefix))
}

// HashKey returns the hex sha256 of the JSON encoding of parts.
func HashKey(parts ...any) (string, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// GetJSON reads key and decodes it into T. ok is false on a miss.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var zero T
	data, err := c.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return out, true, nil
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON[T any](ctx context.Context, c Cache, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
