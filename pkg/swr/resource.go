package swr

import (
	"context"
	"sync"
	"time"
)

// State is the consumer-facing view of one resource: the last known data,
// whether a load is in flight, the last load error, and whether the data is
// past its freshness window.
type State[T any] struct {
	Data    T
	HasData bool
	Loading bool
	Stale   bool
	Err     error
}

// Resource is a stateful handle binding one cache key, TTL, and remote fetch
// to a consumer. It implements the stale-while-revalidate protocol:
//
//   - a fresh cached value short-circuits the load with no remote call;
//   - a stale cached value is surfaced immediately while a replacement is
//     fetched in the background;
//   - a miss blocks on the remote fetch.
//
// A failed revalidation surfaces the error but never blanks previously
// surfaced data. After Close, late-arriving results are dropped silently.
type Resource[T any] struct {
	loader *Loader[T]
	key    string
	ttl    time.Duration
	fetch  FetchFunc[T]

	mu      sync.Mutex
	state   State[T]
	subs    map[int]func(State[T])
	nextSub int
	closed  bool
	done    chan struct{}
}

// NewResource creates a resource handle. An empty key means "do not cache
// this call": every load goes to the remote fetch.
func (l *Loader[T]) NewResource(key string, ttl time.Duration, fetch FetchFunc[T]) *Resource[T] {
	return &Resource[T]{
		loader: l,
		key:    key,
		ttl:    ttl,
		fetch:  fetch,
		subs:   make(map[int]func(State[T])),
		done:   make(chan struct{}),
	}
}

// Load runs one invocation of the stale-while-revalidate protocol. It
// returns once data (cached or fetched) or a fetch error has been surfaced;
// a stale-hit revalidation continues in the background after Load returns.
func (r *Resource[T]) Load(ctx context.Context) {
	r.load(ctx, false)
}

// Refetch re-runs the protocol. With force=true the fresh-hit short-circuit
// is skipped and the remote is always consulted, which mutation callers use
// to guarantee post-write freshness.
func (r *Resource[T]) Refetch(ctx context.Context, force bool) {
	r.load(ctx, force)
}

func (r *Resource[T]) load(ctx context.Context, force bool) {
	cached, snap, ok := r.loader.readCache(ctx, r.key)

	if ok && !snap.Stale && !force {
		// The short-circuit: fresh data, no network call.
		r.apply(func(s *State[T]) {
			s.Data, s.HasData, s.Loading, s.Stale, s.Err = cached, true, false, false, nil
		})
		return
	}

	if ok {
		// Stale (or force with a cached value): surface what we have so the
		// consumer is never blocked, then revalidate in the background.
		r.apply(func(s *State[T]) {
			s.Data, s.HasData, s.Loading, s.Stale = cached, true, false, snap.Stale
		})
		go r.revalidate(context.WithoutCancel(ctx))
		return
	}

	// Nothing cached: the consumer waits on the fetch.
	r.apply(func(s *State[T]) { s.Loading = true })
	r.revalidate(ctx)
}

// revalidate fetches the remote value and applies the outcome. On success
// the value is cached and surfaced with any prior error cleared; on failure
// the error is surfaced and previously-displayed data is left untouched.
func (r *Resource[T]) revalidate(ctx context.Context) {
	value, err := r.loader.fetchAndStore(ctx, r.key, r.ttl, r.fetch)
	if err != nil {
		r.apply(func(s *State[T]) {
			s.Loading = false
			s.Err = err
		})
		return
	}
	r.apply(func(s *State[T]) {
		s.Data, s.HasData, s.Loading, s.Stale, s.Err = value, true, false, false, nil
	})
}

// apply mutates the state and notifies subscribers, unless the resource has
// been closed, in which case the result is dropped.
func (r *Resource[T]) apply(mutate func(*State[T])) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	mutate(&r.state)
	state := r.state
	subs := make([]func(State[T]), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// State returns the current state snapshot.
func (r *Resource[T]) State() State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers a callback invoked on every state change and returns
// an unsubscribe function. The callback runs outside the resource lock.
func (r *Resource[T]) Subscribe(fn func(State[T])) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// BindAuthVersion re-runs the load protocol whenever the watched auth
// version changes, so an identity transition uniformly invalidates the
// consumer's data. The goroutine exits when the channel closes or the
// resource is closed.
func (r *Resource[T]) BindAuthVersion(ctx context.Context, watch <-chan uint64) {
	go func() {
		for {
			select {
			case _, ok := <-watch:
				if !ok {
					return
				}
				r.load(ctx, false)
			case <-r.done:
				return
			}
		}
	}()
}

// Close detaches the resource from its consumer. In-flight fetches may
// complete, but their results are no longer applied or published.
func (r *Resource[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}
