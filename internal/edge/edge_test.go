package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository/memory"
)

func TestSubDomain(t *testing.T) {
	cases := []struct {
		host string
		want string
		err  bool
	}{
		{host: "brave-otter-river.localhost:8000", want: "brave-otter-river"},
		{host: "Demo.Example.COM", want: "demo"},
		{host: "demo.example.com.", want: "demo"},
		{host: "localhost", err: true},
		{host: "localhost:8000", err: true},
		{host: "", err: true},
		{host: "127.0.0.1:8000", err: true},
		{host: "[::1]:8000", err: true},
	}
	for _, tc := range cases {
		got, err := SubDomain(tc.host)
		if tc.err {
			assert.ErrorIs(t, err, ErrNoSubdomain, tc.host)
			continue
		}
		require.NoError(t, err, tc.host)
		assert.Equal(t, tc.want, got, tc.host)
	}
}

func TestRewritePath(t *testing.T) {
	assert.Equal(t, "/index.html", RewritePath("/"))
	assert.Equal(t, "/index.html", RewritePath("/dashboard/settings"))
	assert.Equal(t, "/assets/app.js", RewritePath("/assets/app.js"))
	assert.Equal(t, "/favicon.ico", RewritePath("/favicon.ico"))
}

func TestCacheSingleFillAndInvalidate(t *testing.T) {
	cache := NewCache(time.Minute, time.Second)
	var fills atomic.Int32
	release := make(chan struct{})
	fill := func(context.Context) (Target, error) {
		fills.Add(1)
		<-release
		return Target{DeploymentID: "d1"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := cache.Get(context.Background(), "demo", fill)
			assert.NoError(t, err)
			assert.Equal(t, "d1", got.DeploymentID)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), fills.Load())

	_, hit, _ := cache.Get(context.Background(), "demo", fill)
	assert.True(t, hit)

	cache.Invalidate("demo")
	got, hit, err := cache.Get(context.Background(), "demo", func(context.Context) (Target, error) {
		return Target{DeploymentID: "d2"}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "d2", got.DeploymentID)
}

func TestCacheDoesNotStoreTransientErrors(t *testing.T) {
	cache := NewCache(time.Minute, time.Minute)
	boom := errors.New("db down")
	_, _, err := cache.Get(context.Background(), "k", func(context.Context) (Target, error) { return Target{}, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.Len())

	_, _, err = cache.Get(context.Background(), "k", func(context.Context) (Target, error) { return Target{}, ErrNoReadyDeployment })
	assert.ErrorIs(t, err, ErrNoReadyDeployment)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheExpiry(t *testing.T) {
	cache := NewCache(time.Second, time.Second)
	now := time.Now()
	cache.now = func() time.Time { return now }
	_, _, _ = cache.Get(context.Background(), "k", func(context.Context) (Target, error) { return Target{DeploymentID: "a"}, nil })
	now = now.Add(2 * time.Second)
	cache.Sweep()
	assert.Zero(t, cache.Len())
}

func TestCacheInvalidateAllDiscardsEntriesAndInFlightFills(t *testing.T) {
	cache := NewCache(time.Minute, time.Minute)
	ctx := context.Background()
	_, _, _ = cache.Get(ctx, "a", func(context.Context) (Target, error) { return Target{DeploymentID: "a1"}, nil })

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = cache.Get(ctx, "b", func(context.Context) (Target, error) {
			close(started)
			<-release
			return Target{DeploymentID: "b-stale"}, nil
		})
	}()
	<-started
	cache.InvalidateAll()
	close(release)
	<-done

	assert.Zero(t, cache.Len(), "a fill that began before the flush must not be stored")
	got, hit, err := cache.Get(ctx, "b", func(context.Context) (Target, error) { return Target{DeploymentID: "b2"}, nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "b2", got.DeploymentID)
}

func TestCacheSweepPrunesGenerations(t *testing.T) {
	cache := NewCache(time.Second, time.Second)
	now := time.Now()
	cache.now = func() time.Time { return now }
	for i := 0; i < 50; i++ {
		cache.Invalidate(fmt.Sprintf("site-%d", i))
	}
	_, _, _ = cache.Get(context.Background(), "live", func(context.Context) (Target, error) { return Target{DeploymentID: "d"}, nil })
	cache.Invalidate("live")
	_, _, _ = cache.Get(context.Background(), "live", func(context.Context) (Target, error) { return Target{DeploymentID: "d"}, nil })

	cache.Sweep()
	gens := 0
	for i := range cache.shards {
		gens += len(cache.shards[i].gens)
	}
	assert.Equal(t, 1, gens, "only the key with a cached entry keeps its generation")

	now = now.Add(2 * time.Second)
	cache.Sweep()
	gens = 0
	for i := range cache.shards {
		gens += len(cache.shards[i].gens)
	}
	assert.Zero(t, gens)
}

type originRequest struct {
	method string
	path   string
	host   string
	query  string
	header string
	body   string
}

type fixture struct {
	repo    *memory.Repository
	router  *Router
	cache   *Cache
	origin  *httptest.Server
	mu      sync.Mutex
	seen    []originRequest
	project domain.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: memory.New()}
	f.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.seen = append(f.seen, originRequest{
			method: r.Method, path: r.URL.Path, host: r.Host, query: r.URL.RawQuery,
			header: r.Header.Get("X-Custom"), body: string(body),
		})
		f.mu.Unlock()
		_, _ = io.WriteString(w, "artifact:"+r.URL.Path)
	}))
	t.Cleanup(f.origin.Close)

	f.project = domain.Project{ID: "p1", Name: "demo", GitURL: "https://github.com/acme/demo", SubDomain: "brave-otter-river", CreatedAt: time.Now()}
	require.NoError(t, f.repo.CreateProject(context.Background(), &f.project))

	f.cache = NewCache(time.Minute, time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router, err := NewRouter(NewResolver(f.repo, f.cache, time.Second), Config{ArtifactBase: f.origin.URL + "/__outputs"}, logger, nil)
	require.NoError(t, err)
	f.router = router
	return f
}

func (f *fixture) addDeployment(t *testing.T, id string, status domain.DeploymentStatus, created time.Time) {
	t.Helper()
	d := domain.Deployment{ID: id, ProjectID: f.project.ID, Status: domain.DeploymentQueued, CreatedAt: created}
	require.NoError(t, f.repo.CreateDeployment(context.Background(), &d))
	path := map[domain.DeploymentStatus][]domain.DeploymentStatus{
		domain.DeploymentBuilding: {domain.DeploymentBuilding},
		domain.DeploymentReady:    {domain.DeploymentBuilding, domain.DeploymentReady},
		domain.DeploymentFailed:   {domain.DeploymentBuilding, domain.DeploymentFailed},
	}
	for _, next := range path[status] {
		_, err := f.repo.TransitionDeployment(context.Background(), domain.DeploymentStatusUpdate{DeploymentID: id, Status: next})
		require.NoError(t, err)
	}
}

func (f *fixture) do(method, host, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Host = host
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) lastSeen(t *testing.T) originRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.seen)
	return f.seen[len(f.seen)-1]
}

func TestRouterRoutingErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "localhost:8000", "/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "unknown-slug-here.localhost", "/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "project not found")

	f.addDeployment(t, "queued", domain.DeploymentQueued, time.Now())
	f.addDeployment(t, "failed", domain.DeploymentFailed, time.Now())
	rec = f.do(http.MethodGet, "brave-otter-river.localhost", "/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no ready deployment")
	assert.Empty(t, f.seen)
}

func TestRouterProxiesToReadyDeployment(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	f.addDeployment(t, "old-ready", domain.DeploymentReady, base)
	f.addDeployment(t, "new-ready", domain.DeploymentReady, base.Add(time.Second))
	f.addDeployment(t, "newest-building", domain.DeploymentBuilding, base.Add(2*time.Second))

	rec := f.do(http.MethodGet, "brave-otter-river.localhost:8000", "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	seen := f.lastSeen(t)
	assert.Equal(t, "/__outputs/new-ready/index.html", seen.path)
	assert.Equal(t, strings.TrimPrefix(f.origin.URL, "http://"), seen.host)

	rec = f.do(http.MethodGet, "brave-otter-river.localhost", "/about/team", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/__outputs/new-ready/index.html", f.lastSeen(t).path)

	rec = f.do(http.MethodPost, "brave-otter-river.localhost", "/assets/app.js?v=2", "payload")
	require.Equal(t, http.StatusOK, rec.Code)
	seen = f.lastSeen(t)
	assert.Equal(t, "/__outputs/new-ready/assets/app.js", seen.path)
	assert.Equal(t, "v=2", seen.query)
	assert.Equal(t, http.MethodPost, seen.method)
	assert.Equal(t, "kept", seen.header)
	assert.Equal(t, "payload", seen.body)
}

func TestRouterInvalidationShowsNewReadyDeployment(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	f.addDeployment(t, "v1", domain.DeploymentReady, base)

	f.do(http.MethodGet, "brave-otter-river.localhost", "/", "")
	assert.Equal(t, "/__outputs/v1/index.html", f.lastSeen(t).path)

	f.addDeployment(t, "v2", domain.DeploymentReady, base.Add(time.Second))
	f.do(http.MethodGet, "brave-otter-river.localhost", "/", "")
	assert.Equal(t, "/__outputs/v1/index.html", f.lastSeen(t).path, "cached target until invalidated")

	f.router.resolver.Invalidate(f.project.SubDomain)
	f.do(http.MethodGet, "brave-otter-river.localhost", "/", "")
	assert.Equal(t, "/__outputs/v2/index.html", f.lastSeen(t).path)
}

func TestRouterOriginUnreachable(t *testing.T) {
	repo := memory.New()
	p := domain.Project{ID: "p1", SubDomain: "demo"}
	require.NoError(t, repo.CreateProject(context.Background(), &p))
	d := domain.Deployment{ID: "d1", ProjectID: "p1", Status: domain.DeploymentQueued, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateDeployment(context.Background(), &d))
	for _, s := range []domain.DeploymentStatus{domain.DeploymentBuilding, domain.DeploymentReady} {
		_, err := repo.TransitionDeployment(context.Background(), domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: s})
		require.NoError(t, err)
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router, err := NewRouter(NewResolver(repo, nil, time.Second), Config{ArtifactBase: deadURL, DialTimeout: time.Second}, logger, NewMetrics(nil))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "demo.localhost"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNewRouterRejectsBadBase(t *testing.T) {
	_, err := NewRouter(NewResolver(memory.New(), nil, 0), Config{ArtifactBase: "not a url"}, slog.Default(), nil)
	assert.Error(t, err)
}
