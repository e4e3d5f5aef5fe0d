// Package scope resolves a scope token into the set of record IDs a caller
// may see, and decides whether graph items and passages fall inside it.
package scope

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrUnknownScope is returned when the source has no entry for a token.
	ErrUnknownScope = errors.New("scope: unknown scope")
	// ErrScopeUnavailable is returned when the source could not be read.
	ErrScopeUnavailable = errors.New("scope: scope source unavailable")
)

// Scope is the resolved, immutable set of authorized record IDs.
type Scope struct {
	Token     string
	Records   map[string]struct{}
	Source    string
	LoadedAt  time.Time
	ExpiresAt time.Time
}

// New builds a Scope. Blank IDs are ignored. A ttl <= 0 never expires.
func New(token string, ids []string, source string, loadedAt time.Time, ttl time.Duration) *Scope {
	records := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		records[id] = struct{}{}
	}
	s := &Scope{
		Token:    token,
		Records:  records,
		Source:   source,
		LoadedAt: loadedAt,
	}
	if ttl > 0 {
		s.ExpiresAt = loadedAt.Add(ttl)
	}
	return s
}

func (s *Scope) Allows(id string) bool {
	if s == nil {
		return true
	}
	_, ok := s.Records[id]
	return ok
}

// AllowsAny reports whether at least one of ids is authorized.
func (s *Scope) AllowsAny(ids []string) bool {
	if s == nil {
		return true
	}
	for _, id := range ids {
		if _, ok := s.Records[id]; ok {
			return true
		}
	}
	return false
}

func (s *Scope) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

func (s *Scope) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// IDs returns the authorized record IDs in sorted order.
func (s *Scope) IDs() []string {
	out := make([]string, 0, len(s.Records))
	for id := range s.Records {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
