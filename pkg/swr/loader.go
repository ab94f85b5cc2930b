// Package swr provides a stale-while-revalidate loading layer between data
// consumers and a remote API: reads are served from the resource cache
// immediately, even past their freshness window, while a replacement value
// is fetched in the background.
package swr

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/illmade-knight/go-clientcache/pkg/resourcecache"
)

// FetchFunc retrieves the current remote value for one resource.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Loader wraps a resource cache with the fetch-and-store protocol shared by
// every Resource of one value type. Concurrent revalidations of the same key
// are collapsed into a single upstream call.
type Loader[T any] struct {
	store  *resourcecache.Store
	sf     singleflight.Group
	logger zerolog.Logger
}

// NewLoader creates a loader over the given cache store.
func NewLoader[T any](store *resourcecache.Store, logger zerolog.Logger) (*Loader[T], error) {
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	return &Loader[T]{
		store:  store,
		logger: logger.With().Str("component", "Loader").Logger(),
	}, nil
}

// fetchAndStore invokes the remote fetch and, on success, writes the result
// back to the cache under the given key and TTL. An empty key disables
// caching for the call. A failed cache write degrades to "no cache"; the
// fetched value is still returned.
func (l *Loader[T]) fetchAndStore(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	if key == "" {
		return fetch(ctx)
	}
	value, err, _ := l.sf.Do(key, func() (any, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := l.store.Set(ctx, key, fetched, ttl); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("Cache write after fetch failed, continuing without cache.")
		}
		return fetched, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value.(T), nil
}

// readCache returns the decoded cached value for a key, if a usable entry
// exists. Entries that no longer decode into T are dropped like any other
// corrupt entry.
func (l *Loader[T]) readCache(ctx context.Context, key string) (T, resourcecache.Snapshot, bool) {
	var value T
	if key == "" {
		return value, resourcecache.Snapshot{}, false
	}
	snap, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss.")
		return value, resourcecache.Snapshot{}, false
	}
	if !ok {
		return value, resourcecache.Snapshot{}, false
	}
	if err := snap.Decode(&value); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Cached value no longer decodes, dropping it.")
		_ = l.store.Delete(ctx, key)
		return value, resourcecache.Snapshot{}, false
	}
	return value, snap, true
}

// Invalidation names the cache keys and key prefixes a mutation makes stale.
type Invalidation struct {
	Keys     []string
	Prefixes []string
}

// Mutate runs a remote mutation and, on success, invalidates the affected
// cache keys before returning, so consumers never observe pre-mutation
// cached data after a successful write. On failure nothing is invalidated.
func (l *Loader[T]) Mutate(ctx context.Context, mutate func(ctx context.Context) (T, error), inv Invalidation) (T, error) {
	result, err := mutate(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	for _, key := range inv.Keys {
		if err := l.store.Delete(ctx, key); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("Post-mutation invalidation failed.")
		}
	}
	for _, prefix := range inv.Prefixes {
		if err := l.store.DeleteByPrefix(ctx, prefix); err != nil {
			l.logger.Warn().Err(err).Str("prefix", prefix).Msg("Post-mutation prefix invalidation failed.")
		}
	}
	return result, nil
}

// Store exposes the underlying cache store.
func (l *Loader[T]) Store() *resourcecache.Store {
	return l.store
}
