package session_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-clientcache/pkg/kvstore"
	"github.com/illmade-knight/go-clientcache/pkg/resourcecache"
	"github.com/illmade-knight/go-clientcache/pkg/session"
	"github.com/illmade-knight/go-clientcache/pkg/swr"
	"github.com/illmade-knight/go-clientcache/pkg/transport"
)

// TestSessionLifecycle_EndToEnd wires the real pieces together: the shared
// transport client, the HTTP auth API, the resource cache, and the
// supervisor with its interceptor. It then walks the cross-device
// invalidation path: login, load data through the cache, invalidate the
// session server-side, and observe a data call tearing everything down.
func TestSessionLifecycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	server := newFakeAuthServer(t)
	logger := zerolog.Nop()

	kv := kvstore.NewInMemoryStore()
	sessionStore, err := session.NewStore(kv, logger)
	require.NoError(t, err)
	cacheStore, err := resourcecache.NewStore(kv, resourcecache.Config{}, logger)
	require.NoError(t, err)

	// The client's token source reads the supervisor, which is constructed
	// afterwards; the indirection breaks the construction cycle.
	var supervisor *session.Supervisor
	client, err := transport.NewClient(transport.Config{BaseURL: server.server.URL}, func(ctx context.Context) string {
		return supervisor.Token(ctx)
	}, logger)
	require.NoError(t, err)

	api, err := session.NewHTTPAuthAPI(client, session.APIConfig{})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	supervisor, err = session.NewSupervisor(
		session.Config{IdleTimeout: time.Hour, PollInterval: time.Hour},
		sessionStore, api, cacheStore, notifier, logger,
	)
	require.NoError(t, err)
	client.AddResponseInterceptor(supervisor.Interceptor())
	t.Cleanup(func() { supervisor.Logout(context.Background()) })

	// Login and pull a resource through the SWR layer.
	require.NoError(t, supervisor.Login(ctx, session.KindPrimary, session.Credentials{Identifier: "t", Secret: "p"}))

	loader, err := swr.NewLoader[[]string](cacheStore, logger)
	require.NoError(t, err)
	widgets := loader.NewResource("widgets_all", time.Minute, func(ctx context.Context) ([]string, error) {
		var out []string
		if err := client.DoJSON(ctx, http.MethodGet, "/widgets", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	widgets.BindAuthVersion(ctx, supervisor.Watch())
	widgets.Load(ctx)
	require.Equal(t, []string{"W1", "W2"}, widgets.State().Data)

	_, ok, err := cacheStore.Get(ctx, "widgets_all")
	require.NoError(t, err)
	require.True(t, ok)

	// The same identity signs in elsewhere; the next data call carries the
	// invalidation signal and the interceptor tears the session down.
	server.invalidate()
	widgets.Refetch(ctx, true)

	waitFor(t, func() bool {
		_, active := supervisor.ActiveKind()
		return !active
	}, "interceptor never ended the session")

	waitFor(t, func() bool {
		_, ok, err := cacheStore.Get(ctx, "widgets_all")
		return err == nil && !ok
	}, "cache was not cleared on logout")

	assert.Equal(t, []session.Reason{session.ReasonInvalidated}, notifier.reasons())
	assert.Empty(t, supervisor.Token(ctx))

	token, err := sessionStore.Token(ctx, session.KindPrimary)
	require.NoError(t, err)
	assert.Empty(t, token, "persisted credentials are cleared on invalidation")
}
