package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-clientcache/pkg/transport"
)

const (
	// DefaultIdleTimeout is how long a session survives with no observed
	// user activity.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultPollInterval is how often the liveness poll runs while a
	// session is active.
	DefaultPollInterval = 30 * time.Second
)

// Config holds configuration for a Supervisor.
type Config struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
}

// CacheClearer is the slice of the resource cache the Supervisor needs:
// wiping cached data when a session ends.
type CacheClearer interface {
	ClearAll(ctx context.Context) error
}

// Supervisor owns the session state machine: LoggedOut or LoggedIn(kind).
// Four independent triggers can tear a session down (explicit logout, idle
// timeout, liveness-poll invalidation, response interception); all funnel
// into one idempotent teardown guarded by the active flag, so whichever
// fires first wins and the rest become no-ops.
//
// One Supervisor per process is the supported model; coordination across
// multiple processes sharing a store is out of scope.
type Supervisor struct {
	cfg      Config
	store    *Store
	api      AuthAPI
	cache    CacheClearer
	notifier Notifier
	logger   zerolog.Logger

	mu           sync.Mutex
	active       bool
	kind         Kind
	token        string
	authReady    bool
	restored     bool
	version      uint64
	watchers     []chan uint64
	cancelTimers context.CancelFunc
	resetIdle    chan struct{}
}

// NewSupervisor creates a supervisor. cache and notifier may be nil.
func NewSupervisor(
	cfg Config,
	store *Store,
	api AuthAPI,
	cache CacheClearer,
	notifier Notifier,
	logger zerolog.Logger,
) (*Supervisor, error) {
	if store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if api == nil {
		return nil, fmt.Errorf("auth API cannot be nil")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		api:      api,
		cache:    cache,
		notifier: notifier,
		logger:   logger.With().Str("component", "SessionSupervisor").Logger(),
	}, nil
}

// Token supplies the active bearer credential; it satisfies
// transport.TokenFunc so the supervisor can feed the shared client.
func (s *Supervisor) Token(_ context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// AuthReady reports whether the initial restoration attempt has completed.
func (s *Supervisor) AuthReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authReady
}

// AuthVersion returns the monotonic counter bumped on every identity
// transition. Consumers key their re-fetch effects on it.
func (s *Supervisor) AuthVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ActiveKind returns the signed-in identity kind, if any.
func (s *Supervisor) ActiveKind() (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind, s.active
}

// Watch returns a channel receiving the auth version after each identity
// transition. Deliveries coalesce: a slow reader sees only the latest.
func (s *Supervisor) Watch() <-chan uint64 {
	ch := make(chan uint64, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

// Restore attempts to resume a persisted session. It runs at most once per
// process lifetime and always ends with authReady=true and a version bump.
//
// A persisted primary token is verified against the remote "who am I": a
// network failure keeps the token for a later attempt, any other failure
// clears it. A persisted secondary token restores directly from its profile
// snapshot with no network call.
func (s *Supervisor) Restore(ctx context.Context) error {
	s.mu.Lock()
	if s.restored {
		s.mu.Unlock()
		return nil
	}
	s.restored = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.authReady = true
		s.bumpLocked()
		s.mu.Unlock()
	}()

	primaryToken, err := s.store.Token(ctx, KindPrimary)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read persisted primary token.")
	}
	if primaryToken != "" {
		// The who-am-I call needs the candidate token on the wire.
		s.mu.Lock()
		s.token = primaryToken
		s.mu.Unlock()

		_, err := s.api.WhoAmI(ctx)
		switch {
		case err == nil:
			s.beginSession(KindPrimary, primaryToken)
			s.logger.Info().Msg("Restored primary session.")
			return nil
		case transport.IsNetworkError(err):
			// Could be transient: keep the persisted token, stay logged out.
			s.mu.Lock()
			s.token = ""
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("Session restore hit a network error, keeping token for next start.")
			return nil
		default:
			s.mu.Lock()
			s.token = ""
			s.mu.Unlock()
			if err := s.store.SetToken(ctx, KindPrimary, ""); err != nil {
				s.logger.Warn().Err(err).Msg("Could not clear rejected primary token.")
			}
			s.logger.Info().Msg("Persisted primary token was rejected, cleared.")
			return nil
		}
	}

	secondaryToken, err := s.store.Token(ctx, KindSecondary)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read persisted secondary token.")
	}
	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read persisted secondary snapshot.")
	}
	if secondaryToken != "" && snapshot != nil {
		s.beginSession(KindSecondary, secondaryToken)
		s.logger.Info().Msg("Restored secondary session from snapshot.")
	}
	return nil
}

// Login authenticates an identity kind. On success the other kind's
// credentials are cleared within the same transition, the session becomes
// active with fresh timers, and the auth version is bumped exactly once.
// On failure the current state is untouched and the error is returned.
func (s *Supervisor) Login(ctx context.Context, kind Kind, creds Credentials) error {
	if kind != KindPrimary && kind != KindSecondary {
		return fmt.Errorf("unknown identity kind %q", kind)
	}
	result, err := s.api.Login(ctx, kind, creds)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	other := KindPrimary
	if kind == KindPrimary {
		other = KindSecondary
	}
	if err := s.store.SetToken(ctx, other, ""); err != nil {
		s.logger.Warn().Err(err).Msg("Could not clear the other identity's token.")
	}
	var snapshot []byte
	if kind == KindSecondary {
		snapshot = result.Profile
	}
	if err := s.store.SetSnapshot(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Msg("Could not update the secondary snapshot.")
	}
	// A failed token write degrades to an in-memory session; the login
	// itself still succeeds.
	if err := s.store.SetToken(ctx, kind, result.Token); err != nil {
		s.logger.Warn().Err(err).Msg("Could not persist token, session will not survive restart.")
	}

	s.beginSession(kind, result.Token)
	s.mu.Lock()
	s.bumpLocked()
	s.mu.Unlock()
	s.logger.Info().Str("kind", string(kind)).Msg("Logged in.")
	return nil
}

// Logout ends the session at the user's request.
func (s *Supervisor) Logout(ctx context.Context) {
	s.endSession(ctx, ReasonExplicit)
}

// Activity reports a user-activity event, resetting the idle timer. It is a
// no-op while logged out.
func (s *Supervisor) Activity() {
	s.mu.Lock()
	reset := s.resetIdle
	active := s.active
	s.mu.Unlock()
	if !active || reset == nil {
		return
	}
	select {
	case reset <- struct{}{}:
	default:
	}
}

// Interceptor returns the response observer to register on the shared
// transport client. Any response carrying the session-invalidated signal
// triggers the same teardown path as the liveness poll, giving
// near-real-time cross-device logout from whichever call fires first.
func (s *Supervisor) Interceptor() transport.ResponseInterceptor {
	return func(ctx context.Context, outcome transport.ResponseOutcome) {
		if outcome.Err == nil || outcome.Err.Code != transport.CodeSessionInvalidated {
			return
		}
		// Off the caller's goroutine: teardown makes its own network call.
		go s.endSession(context.WithoutCancel(ctx), ReasonInvalidated)
	}
}

// beginSession installs the identity and starts the idle and poll timers,
// destroying any timers from a previous session first.
func (s *Supervisor) beginSession(kind Kind, token string) {
	s.mu.Lock()
	if s.cancelTimers != nil {
		s.cancelTimers()
	}
	timerCtx, cancel := context.WithCancel(context.Background())
	s.cancelTimers = cancel
	s.resetIdle = make(chan struct{}, 1)
	s.active = true
	s.kind = kind
	s.token = token
	s.authReady = true
	reset := s.resetIdle
	s.mu.Unlock()

	go s.idleLoop(timerCtx, reset)
	go s.pollLoop(timerCtx)
}

// endSession is the single teardown routine shared by all triggers. The
// active flag makes it idempotent: the first caller wins, later callers
// return immediately.
func (s *Supervisor) endSession(ctx context.Context, reason Reason) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	kind := s.kind
	s.kind = ""
	cancel := s.cancelTimers
	s.cancelTimers = nil
	s.resetIdle = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Best-effort server logout while the in-memory token is still usable.
	if err := s.api.Logout(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Best-effort server logout failed, ignoring.")
	}

	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	if err := s.store.SetToken(ctx, KindPrimary, ""); err != nil {
		s.logger.Warn().Err(err).Msg("Could not clear primary token.")
	}
	if err := s.store.SetToken(ctx, KindSecondary, ""); err != nil {
		s.logger.Warn().Err(err).Msg("Could not clear secondary token.")
	}
	if err := s.store.SetSnapshot(ctx, nil); err != nil {
		s.logger.Warn().Err(err).Msg("Could not clear secondary snapshot.")
	}
	if s.cache != nil {
		if err := s.cache.ClearAll(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Could not clear resource cache on logout.")
		}
	}

	s.mu.Lock()
	s.bumpLocked()
	s.mu.Unlock()

	s.logger.Info().Str("kind", string(kind)).Str("reason", string(reason)).Msg("Logged out.")
	if reason != ReasonExplicit && s.notifier != nil {
		s.notifier.SessionEnded(kind, reason)
	}
}

// idleLoop logs the session out after IdleTimeout with no activity. Each
// Activity event rearms the timer.
func (s *Supervisor) idleLoop(ctx context.Context, reset <-chan struct{}) {
	timer := time.NewTimer(s.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.IdleTimeout)
		case <-timer.C:
			s.logger.Info().Msg("Idle timeout elapsed.")
			s.endSession(context.Background(), ReasonIdle)
			return
		}
	}
}

// pollLoop issues the liveness call every PollInterval. Only the explicit
// invalidation signal ends the session; connectivity flakiness never logs
// the user out.
func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.api.Ping(ctx)
			if err == nil {
				continue
			}
			if transport.IsSessionInvalidated(err) {
				s.logger.Info().Msg("Liveness poll reported the session invalidated.")
				s.endSession(context.Background(), ReasonInvalidated)
				return
			}
			s.logger.Debug().Err(err).Msg("Liveness poll failed, ignoring.")
		}
	}
}

// bumpLocked increments the auth version and fans it out to watchers.
// Callers must hold s.mu.
func (s *Supervisor) bumpLocked() {
	s.version++
	for _, ch := range s.watchers {
		// Coalesce: replace an unread older version with the latest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.version:
		default:
		}
	}
}
