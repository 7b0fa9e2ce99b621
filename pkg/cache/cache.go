// Package cache provides a bounded in-memory TTL cache with coalescing of
// concurrent loads for the same key.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Ratio  float64 `json:"ratio"`
	Size   int     `json:"size"`
}

// Store is a TTL cache of V values keyed by string.
type Store[V any] struct {
	cache otter.Cache[string, V]
	group singleflight.Group
}

// New creates a store holding at most capacity entries, each expiring ttl
// after it was written.
func New[V any](capacity int, ttl time.Duration) (*Store[V], error) {
	c, err := otter.MustBuilder[string, V](capacity).
		Cost(func(_ string, _ V) uint32 { return 1 }).
		CollectStats().
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build: %w", err)
	}
	return &Store[V]{cache: c}, nil
}

// Key derives a stable content-addressed key for s.
func Key(prefix, s string) string {
	h := xxh3.Hash128([]byte(s))
	return fmt.Sprintf("%s:%016x%016x", prefix, h.Hi, h.Lo)
}

// Get returns the cached value for key.
func (s *Store[V]) Get(key string) (V, bool) {
	return s.cache.Get(key)
}

// Set stores value under key.
func (s *Store[V]) Set(key string, value V) {
	s.cache.Set(key, value)
}

// Delete removes key.
func (s *Store[V]) Delete(key string) {
	s.cache.Delete(key)
}

// WithCache returns the cached value for key, or runs load once for all
// concurrent callers. load reports whether its value may be cached; errors
// are never cached. The second return value is true for cache hits.
func (s *Store[V]) WithCache(key string, load func() (V, bool, error)) (V, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, true, nil
	}

	type loaded struct {
		value V
	}
	res, err, _ := s.group.Do(key, func() (any, error) {
		if v, ok := s.cache.Get(key); ok {
			return loaded{v}, nil
		}
		v, store, err := load()
		if err != nil {
			return nil, err
		}
		if store {
			s.cache.Set(key, v)
		}
		return loaded{v}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return res.(loaded).value, false, nil
}

// Stats returns hit/miss counters and the current size.
func (s *Store[V]) Stats() Stats {
	st := s.cache.Stats()
	return Stats{
		Hits:   st.Hits(),
		Misses: st.Misses(),
		Ratio:  st.Ratio(),
		Size:   s.cache.Size(),
	}
}

// Close stops background maintenance.
func (s *Store[V]) Close() {
	s.cache.Close()
}
