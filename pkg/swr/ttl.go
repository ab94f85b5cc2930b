package swr

import (
	"sync"
	"time"
)

// Common freshness windows. Static reference data changes rarely; volatile
// listings are refreshed often.
const (
	TTLStaticReference = time.Hour
	TTLVolatileListing = 5 * time.Minute
)

// TTLRegistry maps resource kinds to their freshness windows, so the TTL for
// a kind is fixed in one place rather than scattered across call sites.
type TTLRegistry struct {
	mu       sync.RWMutex
	ttls     map[string]time.Duration
	fallback time.Duration
}

// NewTTLRegistry creates a registry. fallback is used for unregistered
// kinds; zero defaults to TTLVolatileListing.
func NewTTLRegistry(fallback time.Duration) *TTLRegistry {
	if fallback <= 0 {
		fallback = TTLVolatileListing
	}
	return &TTLRegistry{
		ttls:     make(map[string]time.Duration),
		fallback: fallback,
	}
}

// Register fixes the TTL for a resource kind.
func (r *TTLRegistry) Register(kind string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ttls[kind] = ttl
}

// For returns the TTL for a resource kind, or the fallback when the kind is
// not registered.
func (r *TTLRegistry) For(kind string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ttl, ok := r.ttls[kind]; ok {
		return ttl
	}
	return r.fallback
}
