package deltaserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-deltasync/deltasync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	service *Service
	jwtAuth *JWTAuth
	server  *httptest.Server
	logger  *slog.Logger
}

func newTestEnv(t *testing.T, mutate func(*ServiceConfig), wrap func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultServiceConfig("users", "groups")
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(cfg, logger)
	require.NoError(t, err)

	jwtAuth := NewJWTAuth("integration-secret")
	handler := NewHTTPHandlers(svc, jwtAuth, logger).Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnv{service: svc, jwtAuth: jwtAuth, server: server, logger: logger}
}

func (e *testEnv) fetcher(t *testing.T, collection string, pageSize int) *deltasync.HTTPFetcher {
	t.Helper()
	token, err := e.jwtAuth.GenerateToken("adelev@contoso.test", "Adele Vance", time.Hour)
	require.NoError(t, err)
	f := deltasync.NewHTTPFetcher(e.server.URL+"/"+collection+"/delta", func(ctx context.Context) (string, error) {
		return token, nil
	}, e.logger)
	f.PageSize = pageSize
	return f
}

func (e *testEnv) syncer(t *testing.T, collection string, pageSize int, projection *deltasync.Projection, store deltasync.CursorStore) *deltasync.Syncer {
	t.Helper()
	cfg := deltasync.DefaultConfig(collection)
	cfg.Retry.Backoff = deltasync.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	cfg.Poll = deltasync.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
	s, err := deltasync.NewSyncer(e.fetcher(t, collection, pageSize), store, projection, cfg, e.logger)
	require.NoError(t, err)
	return s
}

func (e *testEnv) seed(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := e.service.Put(context.Background(), "users", name, map[string]any{
			"displayName":       name,
			"userPrincipalName": name + "@contoso.test",
			"jobTitle":          "Engineer",
			"settings":          map[string]any{"theme": "dark", "lang": "Japanese"},
		})
		require.NoError(t, err)
	}
}

func TestEndToEnd_DeltaFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	env.seed(t, "adele", "bob", "carol", "dan", "erin")

	projection := deltasync.NewProjection("displayName", "userPrincipalName")
	store := deltasync.NewMemoryCursorStore("")
	s := env.syncer(t, "users", 2, projection, store)

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, []string{"adele", "bob", "carol", "dan", "erin"}, projection.IDs())

	adele, _ := projection.Get("adele")
	assert.Equal(t, map[string]any{"displayName": "adele", "userPrincipalName": "adele@contoso.test"}, adele)

	// nothing changed yet
	cfgNoWait := deltasync.DefaultConfig("users")
	cfgNoWait.PollMaxAttempts = 2
	cfgNoWait.Poll = deltasync.Backoff{Min: time.Millisecond}
	poller, err := deltasync.NewSyncer(env.fetcher(t, "users", 2), store, projection, cfgNoWait, env.logger)
	require.NoError(t, err)
	_, err = poller.WaitForChanges(ctx)
	require.ErrorIs(t, err, deltasync.ErrNoChanges)

	created, err := env.service.Create(ctx, "users", map[string]any{
		"displayName":       "Delta Demo User",
		"userPrincipalName": "demo@contoso.test",
	})
	require.NoError(t, err)

	res, err = s.WaitForChanges(ctx)
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, 1, res.Applied)
	demo, ok := projection.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "Delta Demo User", demo["displayName"])

	require.NoError(t, env.service.Delete(ctx, "users", created.ID))
	res, err = s.WaitForChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	_, ok = projection.Get(created.ID)
	assert.False(t, ok)
	assert.Equal(t, 5, projection.Len())
}

func TestEndToEnd_SnapshotMatchesServerAfterConvergence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	env.seed(t, "a", "b", "c", "d")

	projection := deltasync.NewProjection()
	s := env.syncer(t, "users", 3, projection, deltasync.NewMemoryCursorStore(""))
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	_, err = env.service.Update(ctx, "users", "b", map[string]any{"jobTitle": "Manager"})
	require.NoError(t, err)
	require.NoError(t, env.service.Delete(ctx, "users", "c"))
	_, err = env.service.Put(ctx, "users", "e", map[string]any{"displayName": "e"})
	require.NoError(t, err)

	_, err = s.Sync(ctx)
	require.NoError(t, err)

	fresh := deltasync.NewProjection()
	_, err = env.syncer(t, "users", 3, fresh, deltasync.NewMemoryCursorStore("")).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.Snapshot(), projection.Snapshot())
	assert.Equal(t, []string{"a", "b", "d", "e"}, projection.IDs())

	b, _ := projection.Get("b")
	assert.Equal(t, "Manager", b["jobTitle"])
	settings, ok := b["settings"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dark", settings["theme"])
}

func TestEndToEnd_ExpiredCursorTriggersResync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	env.seed(t, "a", "b", "c")

	projection := deltasync.NewProjection()
	store := deltasync.NewMemoryCursorStore("")
	s := env.syncer(t, "users", 2, projection, store)
	_, err := s.Sync(ctx)
	require.NoError(t, err)
	oldCursor, _ := store.Get(ctx)

	env.service.ExpireTokens()
	require.NoError(t, env.service.Delete(ctx, "users", "b"))

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Resynced)
	assert.True(t, res.Full)
	assert.Equal(t, []string{"a", "c"}, projection.IDs())

	newCursor, _ := store.Get(ctx)
	assert.NotEqual(t, oldCursor, newCursor)
	assert.Equal(t, deltasync.StateSettled, s.State())
}

func TestEndToEnd_ReplicationLag(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(cfg *ServiceConfig) {
		cfg.VisibilityDelay = 60 * time.Millisecond
	}, nil)

	projection := deltasync.NewProjection()
	s := env.syncer(t, "users", 10, projection, deltasync.NewMemoryCursorStore(""))
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	_, err = env.service.Put(ctx, "users", "late", map[string]any{"displayName": "Late Arrival"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := s.WaitForChanges(waitCtx)
	require.NoError(t, err)
	assert.Greater(t, res.Polls, 1)
	assert.Equal(t, []string{"late"}, projection.IDs())
}

func TestEndToEnd_TransientFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, nil, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch calls.Add(1) {
			case 1:
				w.Header().Set("Retry-After", "0")
				writeError(w, slog.Default(), http.StatusTooManyRequests, deltasync.CodeThrottled, "slow down")
			case 2:
				writeError(w, slog.Default(), http.StatusServiceUnavailable, "serviceNotAvailable", "try later")
			default:
				next.ServeHTTP(w, r)
			}
		})
	})
	env.seed(t, "a")

	projection := deltasync.NewProjection()
	s := env.syncer(t, "users", 10, projection, deltasync.NewMemoryCursorStore(""))
	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"a"}, projection.IDs())
}

func TestEndToEnd_UnauthorizedIsFatal(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	f := deltasync.NewHTTPFetcher(env.server.URL+"/users/delta", func(ctx context.Context) (string, error) {
		return "not-a-token", nil
	}, env.logger)
	s, err := deltasync.NewSyncer(f, deltasync.NewMemoryCursorStore(""), deltasync.NewProjection(), deltasync.DefaultConfig("users"), env.logger)
	require.NoError(t, err)

	_, err = s.Sync(context.Background())
	var remoteErr *deltasync.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusUnauthorized, remoteErr.StatusCode)
	assert.Equal(t, deltasync.CodeUnauthenticated, remoteErr.Code)
}

func TestEndToEnd_UnknownCollection(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, err := env.fetcher(t, "devices", 0).Fetch(context.Background(), deltasync.InitialRequest(nil))
	var remoteErr *deltasync.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
	assert.Equal(t, deltasync.CodeNotFound, remoteErr.Code)
}

func TestEndToEnd_CollectionsSyncIndependently(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	env.seed(t, "a", "b")
	_, err := env.service.Put(ctx, "groups", "sales", map[string]any{"displayName": "Sales"})
	require.NoError(t, err)

	users := deltasync.NewProjection()
	groups := deltasync.NewProjection()
	results, err := deltasync.SyncAll(ctx,
		env.syncer(t, "users", 1, users, deltasync.NewMemoryCursorStore("")),
		env.syncer(t, "groups", 1, groups, deltasync.NewMemoryCursorStore("")),
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, users.IDs())
	assert.Equal(t, []string{"sales"}, groups.IDs())
	assert.NotEqual(t, results[0].Cursor, results[1].Cursor)
}
