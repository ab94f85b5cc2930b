package swr_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-clientcache/pkg/kvstore"
	"github.com/illmade-knight/go-clientcache/pkg/resourcecache"
	"github.com/illmade-knight/go-clientcache/pkg/swr"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLoader(t *testing.T, clock *testClock) *swr.Loader[string] {
	t.Helper()
	store, err := resourcecache.NewStore(kvstore.NewInMemoryStore(), resourcecache.Config{Now: clock.Now}, zerolog.Nop())
	require.NoError(t, err)
	loader, err := swr.NewLoader[string](store, zerolog.Nop())
	require.NoError(t, err)
	return loader
}

// waitForState polls until the predicate holds or the deadline passes.
func waitForState[T any](t *testing.T, r *swr.Resource[T], pred func(swr.State[T]) bool) swr.State[T] {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state := r.State(); pred(state) {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state predicate never satisfied, last state: %+v", r.State())
	return swr.State[T]{}
}

func TestResource_MissFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	var fetchCount atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		fetchCount.Add(1)
		return "remote-value", nil
	}

	r := loader.NewResource("widgets_all", time.Minute, fetch)
	r.Load(ctx)

	state := r.State()
	assert.Equal(t, "remote-value", state.Data)
	assert.True(t, state.HasData)
	assert.False(t, state.Loading)
	assert.False(t, state.Stale)
	assert.NoError(t, state.Err)
	assert.Equal(t, int32(1), fetchCount.Load())

	snap, ok, err := loader.Store().Get(ctx, "widgets_all")
	require.NoError(t, err)
	require.True(t, ok, "a successful fetch is written back to the cache")
	assert.False(t, snap.Stale)
}

func TestResource_FreshHitShortCircuits(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	var fetchCount atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		fetchCount.Add(1)
		return "remote-value", nil
	}

	first := loader.NewResource("widgets_all", time.Minute, fetch)
	first.Load(ctx)
	require.Equal(t, int32(1), fetchCount.Load())

	// A second consumer of the same key within the TTL never hits the remote.
	second := loader.NewResource("widgets_all", time.Minute, fetch)
	second.Load(ctx)

	state := second.State()
	assert.Equal(t, "remote-value", state.Data)
	assert.Equal(t, int32(1), fetchCount.Load(), "fresh hit must not call the remote")
}

func TestResource_StaleHitServesThenRevalidates(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	require.NoError(t, loader.Store().Set(ctx, "widgets_all", "old-value", time.Minute))
	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		<-release
		return "new-value", nil
	}

	r := loader.NewResource("widgets_all", time.Minute, fetch)
	r.Load(ctx)

	// Load returned while the fetch is still blocked: the stale value is
	// already on display and the consumer is not in a loading state.
	state := r.State()
	assert.Equal(t, "old-value", state.Data)
	assert.True(t, state.Stale)
	assert.False(t, state.Loading)

	close(release)
	state = waitForState(t, r, func(s swr.State[string]) bool { return s.Data == "new-value" })
	assert.False(t, state.Stale)
	assert.NoError(t, state.Err)
}

func TestResource_FailedRevalidationKeepsData(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	require.NoError(t, loader.Store().Set(ctx, "widgets_all", "old-value", time.Minute))
	clock.Advance(2 * time.Minute)

	fetchErr := errors.New("upstream down")
	r := loader.NewResource("widgets_all", time.Minute, func(ctx context.Context) (string, error) {
		return "", fetchErr
	})
	r.Load(ctx)

	state := waitForState(t, r, func(s swr.State[string]) bool { return s.Err != nil })
	assert.ErrorIs(t, state.Err, fetchErr)
	assert.Equal(t, "old-value", state.Data, "a failed revalidation must not blank displayed data")
	assert.True(t, state.HasData)
}

func TestResource_CloseDropsLateResults(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	require.NoError(t, loader.Store().Set(ctx, "widgets_all", "old-value", time.Minute))
	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	fetched := make(chan struct{})
	r := loader.NewResource("widgets_all", time.Minute, func(ctx context.Context) (string, error) {
		<-release
		defer close(fetched)
		return "new-value", nil
	})
	r.Load(ctx)
	require.Equal(t, "old-value", r.State().Data)

	// Consumer goes away before the revalidation lands.
	r.Close()
	close(release)
	<-fetched
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, "old-value", r.State().Data, "results arriving after Close are dropped")
}

func TestResource_ConcurrentMissesAreSingleFlight(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	var fetchCount atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		fetchCount.Add(1)
		started <- struct{}{}
		<-release
		return "shared-value", nil
	}

	first := loader.NewResource("widgets_all", time.Minute, fetch)
	second := loader.NewResource("widgets_all", time.Minute, fetch)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); first.Load(ctx) }()

	// Wait until the first fetch is in flight, then start the second load so
	// it joins the same flight instead of launching its own.
	<-started
	go func() { defer wg.Done(); second.Load(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetchCount.Load(), "concurrent loads of one key share a single upstream call")
	assert.Equal(t, "shared-value", first.State().Data)
	assert.Equal(t, "shared-value", second.State().Data)
}

func TestResource_ForcedRefetchBypassesFreshness(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	var fetchCount atomic.Int32
	r := loader.NewResource("widgets_all", time.Minute, func(ctx context.Context) (string, error) {
		fetchCount.Add(1)
		return "remote-value", nil
	})
	r.Load(ctx)
	require.Equal(t, int32(1), fetchCount.Load())

	r.Refetch(ctx, true)
	waitForState(t, r, func(s swr.State[string]) bool { return fetchCount.Load() == 2 })
}

func TestResource_UncachedCallsSkipTheStore(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	var fetchCount atomic.Int32
	r := loader.NewResource("", time.Minute, func(ctx context.Context) (string, error) {
		fetchCount.Add(1)
		return "remote-value", nil
	})
	r.Load(ctx)
	r.Load(ctx)

	assert.Equal(t, int32(2), fetchCount.Load(), "an empty key disables caching")
	total, err := loader.Store().Ledger().TotalBytes(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestResource_BindAuthVersionTriggersReload(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	var fetchCount atomic.Int32
	r := loader.NewResource("widgets_all", time.Minute, func(ctx context.Context) (string, error) {
		fetchCount.Add(1)
		return "remote-value", nil
	})
	r.Load(ctx)
	require.Equal(t, int32(1), fetchCount.Load())

	versions := make(chan uint64, 1)
	r.BindAuthVersion(ctx, versions)

	// Identity transitions clear the cache, so the reload misses and fetches.
	require.NoError(t, loader.Store().ClearAll(ctx))
	versions <- 2

	waitForState(t, r, func(s swr.State[string]) bool { return fetchCount.Load() == 2 })
}

func TestLoader_Mutate(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	loader := newTestLoader(t, clock)

	require.NoError(t, loader.Store().Set(ctx, "subjects_sem1", "a", time.Minute))
	require.NoError(t, loader.Store().Set(ctx, "subjects_sem2", "b", time.Minute))
	require.NoError(t, loader.Store().Set(ctx, "units_1", "c", time.Minute))

	t.Run("Successful mutation invalidates before returning", func(t *testing.T) {
		result, err := loader.Mutate(ctx, func(ctx context.Context) (string, error) {
			return "created", nil
		}, swr.Invalidation{Keys: []string{"units_1"}, Prefixes: []string{"subjects_"}})
		require.NoError(t, err)
		assert.Equal(t, "created", result)

		for _, key := range []string{"subjects_sem1", "subjects_sem2", "units_1"} {
			_, ok, err := loader.Store().Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "key %s should have been invalidated", key)
		}
	})

	t.Run("Failed mutation leaves the cache alone", func(t *testing.T) {
		require.NoError(t, loader.Store().Set(ctx, "units_1", "c", time.Minute))
		mutationErr := errors.New("rejected")
		_, err := loader.Mutate(ctx, func(ctx context.Context) (string, error) {
			return "", mutationErr
		}, swr.Invalidation{Keys: []string{"units_1"}})
		require.ErrorIs(t, err, mutationErr)

		_, ok, err := loader.Store().Get(ctx, "units_1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
