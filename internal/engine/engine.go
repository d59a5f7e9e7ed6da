// Package engine implements the fetch engine: GetNews and FetchSource,
// the two operations that turn a source descriptor into committed,
// emitted news items, coordinated so at most one fetch per source is ever
// in flight.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/cache"
	"github.com/heatlink/fetchengine/internal/clock"
	"github.com/heatlink/fetchengine/internal/httpclient"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/proxy"
	"github.com/heatlink/fetchengine/internal/scheduler"
	"github.com/heatlink/fetchengine/internal/stats"
)

// DefaultFetchDeadline bounds a single leader fetch, absent a tighter
// caller deadline.
const DefaultFetchDeadline = 60 * time.Second

// DefaultMaxItemsPerSource caps how many items a single fetch commits.
const DefaultMaxItemsPerSource = 500

// Emitter publishes committed items downstream. The memory and Pub/Sub
// sinks both implement this.
type Emitter interface {
	Emit(ctx context.Context, items []model.NewsItem, callType model.CallType) error
}

// SchedulerNotifier is the narrow surface the engine needs back from the
// Adaptive Scheduler to recompute next_due_at after a leader fetch.
type SchedulerNotifier interface {
	NotifyOutcome(sourceID string, outcome scheduler.Outcome)
}

// Config carries the tunables GetNews/FetchSource need beyond what a
// SourceDescriptor provides.
type Config struct {
	FetchDeadline     time.Duration
	MaxItemsPerSource int
}

func (c *Config) defaults() {
	if c.FetchDeadline <= 0 {
		c.FetchDeadline = DefaultFetchDeadline
	}
	if c.MaxItemsPerSource <= 0 {
		c.MaxItemsPerSource = DefaultMaxItemsPerSource
	}
}

// Meta is the side-channel GetNews returns alongside items.
type Meta struct {
	CacheHit          bool
	ProtectionApplied bool
	AgeMS             int64
	// ErrorKind is set when ProtectionApplied is true because the leader
	// fetch that produced these items failed (S4): the caller still gets
	// its items, but observability needs to see what went wrong underneath.
	// Nil on a clean cache hit or a successful commit.
	ErrorKind *model.ErrorKind
}

// GetNewsOptions customizes a single GetNews call.
type GetNewsOptions struct {
	ForceRefresh bool
	Deadline     time.Time
	CallType     model.CallType
}

// Engine ties the cache, adapter registry, HTTP client factory, proxy
// pool, stats collector, and downstream emitter into the two public fetch
// operations.
type Engine struct {
	mu          sync.RWMutex
	descriptors map[string]model.SourceDescriptor

	cache     *cache.Cache
	registry  *adapter.Registry
	clients   *httpclient.Factory
	collector *stats.Collector
	proxyPool *proxy.Pool
	emitter   Emitter
	sched     SchedulerNotifier

	clk    clock.Clock
	cfg    Config
	logger *zap.Logger

	guard        *guard
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	baseCtx      context.Context
	baseCancel   context.CancelFunc
}

// New builds an Engine. emitter and sched may be nil (emission/scheduling
// simply skipped); proxyPool may be nil when no proxy is configured.
func New(
	c *cache.Cache,
	registry *adapter.Registry,
	clients *httpclient.Factory,
	collector *stats.Collector,
	proxyPool *proxy.Pool,
	emitter Emitter,
	sched SchedulerNotifier,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		descriptors: make(map[string]model.SourceDescriptor),
		cache:       c,
		registry:    registry,
		clients:     clients,
		collector:   collector,
		proxyPool:   proxyPool,
		emitter:     emitter,
		sched:       sched,
		clk:         clk,
		cfg:         cfg,
		logger:      logger,
		guard:       newGuard(),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
	}
}

// RegisterSource stores desc under its canonical source_id, superseding
// any previous descriptor for the same source.
func (e *Engine) RegisterSource(desc model.SourceDescriptor) {
	canonical := model.CanonicalSourceID(desc.SourceID)
	desc.SourceID = canonical
	e.mu.Lock()
	e.descriptors[canonical] = desc
	e.mu.Unlock()
}

func (e *Engine) descriptorFor(canonical string) (model.SourceDescriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.descriptors[canonical]
	return d, ok
}

// DeregisterSource removes a source's descriptor. A deregistered source
// returns ErrorKindUnknownSource from GetNews/FetchSource until registered
// again; it does not cancel a fetch already in flight.
func (e *Engine) DeregisterSource(sourceID string) {
	canonical := model.CanonicalSourceID(sourceID)
	e.mu.Lock()
	delete(e.descriptors, canonical)
	e.mu.Unlock()
}

// Source returns the registered descriptor for sourceID.
func (e *Engine) Source(sourceID string) (model.SourceDescriptor, bool) {
	return e.descriptorFor(model.CanonicalSourceID(sourceID))
}

// SetScheduler wires the Adaptive Scheduler in after construction, since
// the scheduler itself is built from a reference to this Engine. Safe to
// call once before the engine starts serving fetches.
func (e *Engine) SetScheduler(sched SchedulerNotifier) {
	e.mu.Lock()
	e.sched = sched
	e.mu.Unlock()
}

// Sources returns every registered descriptor, in no particular order.
func (e *Engine) Sources() []model.SourceDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.SourceDescriptor, 0, len(e.descriptors))
	for _, d := range e.descriptors {
		out = append(out, d)
	}
	return out
}

// InFlight reports whether sourceID currently has a leader fetch running,
// satisfying scheduler.Engine.
func (e *Engine) InFlight(sourceID string) bool {
	return e.guard.InFlight(model.CanonicalSourceID(sourceID))
}

// GetNews implements the §4.7 algorithm: a cache-valid read short-circuits
// everything else; otherwise a single-flight leader performs the fetch and
// every waiter — leader included — observes the same committed result.
func (e *Engine) GetNews(ctx context.Context, sourceID string, opts GetNewsOptions) ([]model.NewsItem, Meta, error) {
	canonical := model.CanonicalSourceID(sourceID)
	desc, ok := e.descriptorFor(canonical)
	if !ok {
		return nil, Meta{}, model.NewEngineError(model.ErrorKindUnknownSource, canonical, nil)
	}

	if !opts.ForceRefresh {
		if items, age, valid := e.cache.Lookup(ctx, canonical, desc.CacheTTL()); valid {
			return items, Meta{CacheHit: true, AgeMS: age.Milliseconds()}, nil
		}
	}

	if e.shuttingDown.Load() {
		return nil, Meta{}, model.NewEngineError(model.ErrorKindCanceled, canonical, errors.New("engine is shutting down"))
	}

	callType := opts.CallType
	if callType == "" {
		callType = model.CallTypeExternal
	}

	leaderCtx, cancel := e.leaderContext(opts.Deadline)
	defer cancel()

	resultCh := e.guard.DoChan(canonical, func() (any, error) {
		return e.leaderFetch(leaderCtx, canonical, desc, callType)
	})

	waitCtx := ctx
	if !opts.Deadline.IsZero() {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithDeadline(ctx, opts.Deadline)
		defer waitCancel()
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, Meta{}, res.Err
		}
		lr, _ := res.Val.(leaderResult)
		return lr.items, lr.meta, nil
	case <-waitCtx.Done():
		items, age, _ := e.cache.Lookup(ctx, canonical, desc.CacheTTL())
		if len(items) > 0 {
			return items, Meta{CacheHit: true, AgeMS: age.Milliseconds()}, nil
		}
		return nil, Meta{}, model.NewEngineError(model.ErrorKindInFlightTimeout, canonical, waitCtx.Err())
	}
}

// FetchSource is the scheduler-facing entrypoint: it runs (or joins) a
// leader fetch and returns only the outcome the backoff formula needs.
// Items are still committed to cache and emitted, same as GetNews.
func (e *Engine) FetchSource(ctx context.Context, sourceID string, callType model.CallType) (scheduler.Outcome, error) {
	canonical := model.CanonicalSourceID(sourceID)
	desc, ok := e.descriptorFor(canonical)
	if !ok {
		return scheduler.Outcome{}, model.NewEngineError(model.ErrorKindUnknownSource, canonical, nil)
	}
	if e.shuttingDown.Load() {
		return scheduler.Outcome{}, model.NewEngineError(model.ErrorKindCanceled, canonical, errors.New("engine is shutting down"))
	}

	leaderCtx, cancel := e.leaderContext(time.Time{})
	defer cancel()

	resultCh := e.guard.DoChan(canonical, func() (any, error) {
		return e.leaderFetch(leaderCtx, canonical, desc, callType)
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return scheduler.Outcome{}, res.Err
		}
		lr, _ := res.Val.(leaderResult)
		return lr.outcome, nil
	case <-ctx.Done():
		return scheduler.Outcome{}, ctx.Err()
	}
}

// leaderContext derives a fetch-bound context from the engine's long-lived
// base context (not the caller's), so a canceled external caller never
// cancels a fetch other callers are still coalesced on.
func (e *Engine) leaderContext(callerDeadline time.Time) (context.Context, context.CancelFunc) {
	maxAllowed := time.Now().Add(e.cfg.FetchDeadline)
	deadline := maxAllowed
	if !callerDeadline.IsZero() && callerDeadline.Before(maxAllowed) {
		deadline = callerDeadline
	}
	return context.WithDeadline(e.baseCtx, deadline)
}

// Shutdown stops accepting new fetches and waits for in-flight leader
// fetches to drain, up to ctx's own deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shuttingDown.Store(true)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.baseCancel()
		return nil
	case <-ctx.Done():
		e.baseCancel()
		return ctx.Err()
	}
}
