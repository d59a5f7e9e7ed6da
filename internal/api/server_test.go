package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/cache"
	"github.com/heatlink/fetchengine/internal/config"
	"github.com/heatlink/fetchengine/internal/engine"
	"github.com/heatlink/fetchengine/internal/httpclient"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/proxy"
	"github.com/heatlink/fetchengine/internal/stats"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

type stubAdapter struct {
	desc  model.SourceDescriptor
	items []model.NewsItem
	err   error
}

func (s *stubAdapter) Metadata() model.SourceDescriptor { return s.desc }

func (s *stubAdapter) Fetch(_ context.Context, _ *http.Client) ([]model.NewsItem, error) {
	return s.items, s.err
}

func testDescriptor(id string) model.SourceDescriptor {
	return model.SourceDescriptor{
		SourceID:         id,
		Name:             "Demo Source",
		HomeURL:          "https://example.com/feed",
		Type:             model.SourceTypeAPI,
		UpdateIntervalMS: 60_000,
		CacheTTLMS:       30_000,
	}
}

func newTestServer(t *testing.T) (*Server, *engine.Engine, *proxy.Pool) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}

	c := cache.New(clk, nil, zap.NewNop())
	registry := adapter.NewRegistry(nil)
	registry.RegisterType(model.SourceTypeAPI, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		return &stubAdapter{desc: desc, items: []model.NewsItem{{ID: "item-1"}}}, nil
	})
	clients := httpclient.New(httpclient.Config{}, nil, nil, zap.NewNop())
	collector := stats.New(nil, stats.Config{}, zap.NewNop())
	pool := proxy.New(nil, clk, zap.NewNop())

	eng := engine.New(c, registry, clients, collector, pool, nil, nil, clk, engine.Config{}, zap.NewNop())
	srv := NewServer(eng, pool, collector, config.Config{}, zap.NewNop())
	return srv, eng, pool
}

func TestServerListSourcesEmpty(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sources/", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sources":[]`)
}

func TestServerRegisterAndGetSource(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	body := []byte(`{"source_id":"demo","name":"Demo","home_url":"https://example.com","type":"api","update_interval_ms":60000,"cache_ttl_ms":30000}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/sources/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sources/demo", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Demo")
}

func TestServerRegisterSourceRejectsInvalidDescriptor(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	body := []byte(`{"source_id":"demo","type":"api","update_interval_ms":1000,"cache_ttl_ms":1000}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/sources/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerGetSourceNotFound(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sources/missing", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerDeregisterSource(t *testing.T) {
	t.Parallel()

	srv, eng, _ := newTestServer(t)
	eng.RegisterSource(testDescriptor("demo"))

	req := httptest.NewRequest(http.MethodDelete, "/v1/sources/demo", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := eng.Source("demo")
	require.False(t, ok)
}

func TestServerRefreshSourceRunsFetch(t *testing.T) {
	t.Parallel()

	srv, eng, _ := newTestServer(t)
	eng.RegisterSource(testDescriptor("demo"))

	req := httptest.NewRequest(http.MethodPost, "/v1/sources/demo/refresh", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "item-1")
}

func TestServerRefreshUnknownSourceReturns404(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sources/missing/refresh", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerUpsertAndListProxies(t *testing.T) {
	t.Parallel()

	srv, _, pool := newTestServer(t)
	body := []byte(`{"proxy_id":"p1","host":"proxy.local","port":8080,"protocol":"http"}`)

	req := httptest.NewRequest(http.MethodPut, "/v1/proxies/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pool.List(), 1)

	req = httptest.NewRequest(http.MethodGet, "/v1/proxies/", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "p1")
}

func TestServerRemoveProxy(t *testing.T) {
	t.Parallel()

	srv, _, pool := newTestServer(t)
	pool.Upsert(model.ProxyConfig{ProxyID: "p1"})

	req := httptest.NewRequest(http.MethodDelete, "/v1/proxies/p1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, pool.List())
}

func TestServerAuthRejectsMissingAPIKey(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := cache.New(clk, nil, zap.NewNop())
	registry := adapter.NewRegistry(nil)
	clients := httpclient.New(httpclient.Config{}, nil, nil, zap.NewNop())
	collector := stats.New(nil, stats.Config{}, zap.NewNop())
	eng := engine.New(c, registry, clients, collector, nil, nil, nil, clk, engine.Config{}, zap.NewNop())
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	srv := NewServer(eng, nil, collector, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/sources/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServerHealthzAndReadyz(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
