// Package resourcecache provides a byte-budgeted, TTL-stamped resource cache
// over a persistent key-value store. Entries past their TTL are returned as
// stale rather than dropped; the byte budget is enforced inline on every
// write by evicting the soonest-to-expire entries first.
package resourcecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-clientcache/pkg/kvstore"
)

const (
	// DefaultNamespace prefixes every cache key in the backing store, keeping
	// cache entries separable from other persisted state.
	DefaultNamespace = "app_cache_"
	// DefaultMaxBytes is the process-wide byte budget shared by all entries.
	DefaultMaxBytes = 10 << 20 // 10 MiB
)

// Config holds configuration for a cache Store.
type Config struct {
	// Namespace prefixes every key in the backing store. Defaults to
	// DefaultNamespace.
	Namespace string
	// MaxBytes is the byte budget for all entries combined. Defaults to
	// DefaultMaxBytes.
	MaxBytes int64
	// BytesPerChar models the backing medium's per-character storage width.
	// Defaults to 1.
	BytesPerChar int
	// Now supplies the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// entry is the persisted envelope around cached data. It is written
// wholesale on every refresh and never partially updated.
type entry struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  int64           `json:"cachedAt"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Snapshot is what a read returns: the raw cached data plus its freshness
// metadata. Stale snapshots are still returned; callers decide whether to
// trust them.
type Snapshot struct {
	Data      json.RawMessage
	CachedAt  time.Time
	ExpiresAt time.Time
	Stale     bool
}

// Decode unmarshals the snapshot's data into out.
func (s Snapshot) Decode(out any) error {
	return json.Unmarshal(s.Data, out)
}

// Store is a keyed, TTL-stamped cache over a persistent key-value store.
// All operations are safe for concurrent use; eviction runs inline with the
// write that needs the room, so budget restoration is atomic with respect to
// other cache callers.
type Store struct {
	kv     kvstore.Store
	cfg    Config
	ledger *Ledger
	logger zerolog.Logger

	// writeMu serializes eviction-then-write sequences so concurrent
	// writers cannot both pass the budget check and overshoot together.
	writeMu sync.Mutex
}

// NewStore creates a cache store over the given key-value backend.
func NewStore(kv kvstore.Store, cfg Config, logger zerolog.Logger) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store cannot be nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.BytesPerChar < 1 {
		cfg.BytesPerChar = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		kv:     kv,
		cfg:    cfg,
		ledger: NewLedger(kv, cfg.Namespace, cfg.BytesPerChar),
		logger: logger.With().Str("component", "ResourceCache").Logger(),
	}, nil
}

// Ledger exposes the store's byte ledger.
func (s *Store) Ledger() *Ledger {
	return s.ledger
}

// Get retrieves the entry for a key. The second return value reports
// presence. An entry past its TTL is returned with Stale=true, never
// silently dropped. Corrupt entries are deleted on read and reported absent.
func (s *Store) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	storageKey := s.cfg.Namespace + key
	record, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache read failed for key %q: %w", key, err)
	}

	ent, ok := decodeEntry(record)
	if !ok {
		s.logger.Warn().Str("key", key).Msg("Deleting corrupt cache entry found on read.")
		_ = s.kv.Delete(ctx, storageKey)
		return Snapshot{}, false, nil
	}

	now := s.cfg.Now()
	return Snapshot{
		Data:      ent.Data,
		CachedAt:  time.UnixMilli(ent.CachedAt),
		ExpiresAt: time.UnixMilli(ent.ExpiresAt),
		Stale:     now.UnixMilli() > ent.ExpiresAt,
	}, true, nil
}

// Set stores a value under a key with the given TTL, evicting
// soonest-to-expire entries first if the write would exceed the byte budget.
// A cache write is best-effort: storage failures are logged and returned,
// but callers are expected to treat them as soft.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	now := s.cfg.Now()
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for cache key %q: %w", key, err)
	}
	record, err := json.Marshal(entry{
		Data:      data,
		CachedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry for cache key %q: %w", key, err)
	}

	storageKey := s.cfg.Namespace + key
	newSize := s.ledger.sizeOfRecord(string(record))
	if newSize > s.cfg.MaxBytes {
		s.logger.Warn().Str("key", key).Int64("size", newSize).Msg("Value larger than the whole byte budget, skipping cache write.")
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.makeRoom(ctx, storageKey, newSize); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Eviction scan failed, attempting write anyway.")
	}

	if err := s.kv.Set(ctx, storageKey, string(record)); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Cache write failed.")
		return fmt.Errorf("cache write failed for key %q: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cache write.")
	return nil
}

// makeRoom restores the byte-budget invariant before a write of newSize
// bytes to storageKey, deleting entries in ascending expiry order until the
// write fits. Overwriting a key frees its current bytes first.
func (s *Store) makeRoom(ctx context.Context, storageKey string, newSize int64) error {
	total, err := s.ledger.TotalBytes(ctx)
	if err != nil {
		return err
	}
	// An overwrite replaces the existing record, so its bytes do not count
	// against the new write.
	if existing, err := s.kv.Get(ctx, storageKey); err == nil {
		total -= s.ledger.sizeOfRecord(existing)
	}
	need := total + newSize - s.cfg.MaxBytes
	if need <= 0 {
		return nil
	}

	type victim struct {
		key       string
		expiresAt int64
		size      int64
	}
	keys, err := s.kv.Keys(ctx, s.cfg.Namespace)
	if err != nil {
		return err
	}
	victims := make([]victim, 0, len(keys))
	for _, k := range keys {
		if k == storageKey {
			continue
		}
		record, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		ent, ok := decodeEntry(record)
		if !ok {
			// Corrupt entries are the cheapest evictions of all.
			victims = append(victims, victim{key: k, expiresAt: 0, size: s.ledger.sizeOfRecord(record)})
			continue
		}
		victims = append(victims, victim{key: k, expiresAt: ent.ExpiresAt, size: s.ledger.sizeOfRecord(record)})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].expiresAt < victims[j].expiresAt })

	var freed int64
	for _, v := range victims {
		if freed >= need {
			break
		}
		if err := s.kv.Delete(ctx, v.key); err != nil {
			s.logger.Warn().Err(err).Str("key", v.key).Msg("Failed to evict cache entry.")
			continue
		}
		freed += v.size
		s.logger.Debug().Str("key", v.key).Int64("freed", v.size).Msg("Evicted cache entry.")
	}
	return nil
}

// Delete removes a single entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, s.cfg.Namespace+key)
}

// DeleteByPrefix removes every entry whose key starts with the given prefix.
// Used by mutations that invalidate a whole cache-key family.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	keys, err := s.kv.Keys(ctx, s.cfg.Namespace+prefix)
	if err != nil {
		return fmt.Errorf("prefix scan failed for %q: %w", prefix, err)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("prefix delete failed for %q: %w", prefix, err)
		}
	}
	return nil
}

// ClearAll removes every cache-namespaced entry. Used on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.DeleteByPrefix(ctx, "")
}

// CleanExpired removes every entry whose TTL has elapsed and returns the
// number removed. Intended to run once at process start, not on a timer.
func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, s.cfg.Namespace)
	if err != nil {
		return 0, fmt.Errorf("expiry scan failed: %w", err)
	}
	nowMillis := s.cfg.Now().UnixMilli()
	removed := 0
	for _, k := range keys {
		record, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		ent, ok := decodeEntry(record)
		if ok && ent.ExpiresAt >= nowMillis {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			s.logger.Warn().Err(err).Str("key", k).Msg("Failed to remove expired cache entry.")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Cleaned expired cache entries.")
	}
	return removed, nil
}

// decodeEntry parses a persisted record, reporting ok=false for anything
// that does not look like a complete envelope.
func decodeEntry(record string) (entry, bool) {
	var ent entry
	if err := json.Unmarshal([]byte(record), &ent); err != nil {
		return entry{}, false
	}
	if ent.Data == nil || ent.CachedAt == 0 || ent.ExpiresAt == 0 {
		return entry{}, false
	}
	return ent, true
}
