package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/cache"
	"github.com/heatlink/fetchengine/internal/httpclient"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/scheduler"
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
	mu    sync.Mutex
	items []model.NewsItem
	err   error
	calls int32
	block chan struct{} // if non-nil, Fetch waits for a send before returning
}

func (s *stubAdapter) Metadata() model.SourceDescriptor { return s.desc }

func (s *stubAdapter) Fetch(ctx context.Context, _ *http.Client) ([]model.NewsItem, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, s.err
}

func (s *stubAdapter) callCount() int32 { return atomic.LoadInt32(&s.calls) }

type fakeEmitter struct {
	mu    sync.Mutex
	calls [][]model.NewsItem
}

func (f *fakeEmitter) Emit(_ context.Context, items []model.NewsItem, _ model.CallType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, items)
	return nil
}

func (f *fakeEmitter) emitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu       sync.Mutex
	outcomes []scheduler.Outcome
}

func (f *fakeNotifier) NotifyOutcome(_ string, outcome scheduler.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeNotifier) last() (scheduler.Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return scheduler.Outcome{}, false
	}
	return f.outcomes[len(f.outcomes)-1], true
}

func newTestEngine(t *testing.T, ad *stubAdapter, emitter Emitter, notifier SchedulerNotifier) (*Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}

	c := cache.New(clk, nil, zap.NewNop())
	registry := adapter.NewRegistry(nil)
	registry.RegisterType(model.SourceTypeAPI, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		ad.desc = desc
		return ad, nil
	})
	clients := httpclient.New(httpclient.Config{}, nil, nil, zap.NewNop())
	collector := stats.New(nil, stats.Config{}, zap.NewNop())

	e := New(c, registry, clients, collector, nil, emitter, notifier, clk, Config{}, zap.NewNop())
	return e, clk
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

func TestGetNewsUnknownSourceErrors(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, &stubAdapter{}, nil, nil)
	_, _, err := e.GetNews(context.Background(), "missing", GetNewsOptions{})
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.ErrorKindUnknownSource, kind)
}

func TestGetNewsColdFetchCommitsAndEmits(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}}
	emitter := &fakeEmitter{}
	notifier := &fakeNotifier{}
	e, _ := newTestEngine(t, ad, emitter, notifier)
	e.RegisterSource(testDescriptor("demo"))

	items, meta, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.NoError(t, err)
	require.False(t, meta.CacheHit)
	require.Len(t, items, 1)
	require.Equal(t, "demo", items[0].SourceID)
	require.Equal(t, 1, emitter.emitCount())

	outcome, ok := notifier.last()
	require.True(t, ok)
	require.True(t, outcome.Success)
	require.Equal(t, 1, outcome.UnseenCount)
}

func TestGetNewsSecondCallIsCacheHit(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}}
	e, _ := newTestEngine(t, ad, nil, nil)
	e.RegisterSource(testDescriptor("demo"))

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.NoError(t, err)

	_, meta, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.NoError(t, err)
	require.True(t, meta.CacheHit)
	require.Equal(t, int32(1), ad.callCount())
}

func TestGetNewsForceRefreshBypassesCache(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}}
	e, _ := newTestEngine(t, ad, nil, nil)
	e.RegisterSource(testDescriptor("demo"))

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.NoError(t, err)

	_, meta, err := e.GetNews(context.Background(), "demo", GetNewsOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.False(t, meta.CacheHit)
	require.Equal(t, int32(2), ad.callCount())
}

func TestGetNewsFailureWithEmptyCacheReturnsError(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{err: errors.New("boom")}
	notifier := &fakeNotifier{}
	e, _ := newTestEngine(t, ad, nil, notifier)
	e.RegisterSource(testDescriptor("demo"))

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.Error(t, err)

	outcome, ok := notifier.last()
	require.True(t, ok)
	require.False(t, outcome.Success)
}

func TestGetNewsFailureWithExistingCacheAppliesProtection(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}}
	e, _ := newTestEngine(t, ad, nil, nil)
	e.RegisterSource(testDescriptor("demo"))

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.NoError(t, err)

	ad.mu.Lock()
	ad.items = nil
	ad.err = errors.New("transient")
	ad.mu.Unlock()

	items, meta, err := e.GetNews(context.Background(), "demo", GetNewsOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.True(t, meta.ProtectionApplied)
	require.Len(t, items, 1)
	require.NotNil(t, meta.ErrorKind)
	require.Equal(t, model.ErrorKindNetwork, *meta.ErrorKind)
}

func TestGetNewsShrinkProtectionRecordsCacheUsed(t *testing.T) {
	t.Parallel()

	items := make([]model.NewsItem, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, model.NewsItem{Title: "item", URL: "https://example.com/" + string(rune('a'+i))})
	}
	ad := &stubAdapter{items: items}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := cache.New(clk, nil, zap.NewNop())
	registry := adapter.NewRegistry(nil)
	registry.RegisterType(model.SourceTypeAPI, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		ad.desc = desc
		return ad, nil
	})
	clients := httpclient.New(httpclient.Config{}, nil, nil, zap.NewNop())
	collector := stats.New(nil, stats.Config{}, zap.NewNop())
	e := New(c, registry, clients, collector, nil, nil, nil, clk, Config{}, zap.NewNop())
	e.RegisterSource(testDescriptor("demo"))

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.NoError(t, err)

	ad.mu.Lock()
	ad.items = []model.NewsItem{{Title: "new", URL: "https://example.com/new"}}
	ad.mu.Unlock()

	resultItems, meta, err := e.GetNews(context.Background(), "demo", GetNewsOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.True(t, meta.ProtectionApplied)
	require.Len(t, resultItems, 10)

	recent := collector.Recent("demo")
	require.NotEmpty(t, recent)
	last := recent[len(recent)-1]
	require.True(t, last.Success)
	require.True(t, last.CacheUsed)
}

func TestGetNewsPreservesAdapterErrorKind(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{err: model.NewEngineError(model.ErrorKindRateLimited, "demo", errors.New("429"))}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := cache.New(clk, nil, zap.NewNop())
	registry := adapter.NewRegistry(nil)
	registry.RegisterType(model.SourceTypeAPI, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		ad.desc = desc
		return ad, nil
	})
	clients := httpclient.New(httpclient.Config{}, nil, nil, zap.NewNop())
	collector := stats.New(nil, stats.Config{}, zap.NewNop())
	e := New(c, registry, clients, collector, nil, nil, nil, clk, Config{}, zap.NewNop())
	e.RegisterSource(testDescriptor("demo"))

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.ErrorKindRateLimited, kind)

	recent := collector.Recent("demo")
	require.NotEmpty(t, recent)
	last := recent[len(recent)-1]
	require.NotNil(t, last.ErrorKind)
	require.Equal(t, model.ErrorKindRateLimited, *last.ErrorKind)
}

func TestFetchSourceReturnsOutcome(t *testing.T) {
	t.Parallel()

	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}}
	e, _ := newTestEngine(t, ad, nil, nil)
	e.RegisterSource(testDescriptor("demo"))

	outcome, err := e.FetchSource(context.Background(), "demo", model.CallTypeInternal)
	require.NoError(t, err)
	require.True(t, outcome.Success)
}

func TestConcurrentGetNewsCoalesceIntoOneFetch(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}, block: block}
	e, _ := newTestEngine(t, ad, nil, nil)
	e.RegisterSource(testDescriptor("demo"))

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{})
			results[i] = err
		}(i)
	}

	require.Eventually(t, func() bool { return e.InFlight("demo") }, time.Second, time.Millisecond)
	close(block)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), ad.callCount())
}

func TestInFlightFalseWhenNoFetchRunning(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, &stubAdapter{}, nil, nil)
	require.False(t, e.InFlight("demo"))
}

func TestShutdownDrainsInFlightFetch(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	ad := &stubAdapter{items: []model.NewsItem{{Title: "A", URL: "https://example.com/a"}}, block: block}
	e, _ := newTestEngine(t, ad, nil, nil)
	e.RegisterSource(testDescriptor("demo"))

	go func() {
		_, _, _ = e.GetNews(context.Background(), "demo", GetNewsOptions{})
	}()
	require.Eventually(t, func() bool { return e.InFlight("demo") }, time.Second, time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- e.Shutdown(context.Background())
	}()
	close(block)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after in-flight fetch finished")
	}

	_, _, err := e.GetNews(context.Background(), "demo", GetNewsOptions{ForceRefresh: true})
	require.Error(t, err)
}
