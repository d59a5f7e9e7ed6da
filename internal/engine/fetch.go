package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/cache"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/scheduler"
)

// leaderResult is what a leader execution hands back through the
// single-flight guard to every coalesced caller.
type leaderResult struct {
	items   []model.NewsItem
	outcome scheduler.Outcome
	meta    Meta
}

// leaderFetch runs steps 4-10 of the GetNews algorithm: build the adapter
// and client, gate and fetch, normalize, commit through the cache
// protection policy, record stats, notify the scheduler, and emit. It
// executes at most once per coalesced batch of callers.
func (e *Engine) leaderFetch(ctx context.Context, sourceID string, desc model.SourceDescriptor, callType model.CallType) (any, error) {
	e.wg.Add(1)
	defer e.wg.Done()

	start := e.clk.Now()

	rawItems, attempts, fetchErr := e.runAdapterWithRetry(ctx, sourceID, desc)
	duration := e.clk.Now().Sub(start)

	if e.proxyPool != nil {
		for _, a := range attempts {
			e.proxyPool.ReportOutcome(a.proxy.ProxyID, a.err == nil, float64(duration.Milliseconds()))
		}
	}

	normalized := normalizeItems(rawItems, sourceID, desc.Name, e.cfg.MaxItemsPerSource)
	unseen := e.cache.UnseenCount(sourceID, normalized)

	committed := e.cache.Update(ctx, sourceID, normalized, cache.UpdateOutcome{Success: fetchErr == nil}, desc.EffectiveShrinkThreshold(), desc.CacheTTL())
	protectionApplied := protectionWasApplied(fetchErr, len(normalized), len(committed))

	if e.collector != nil {
		e.collector.Record(buildStatsOutcome(sourceID, start, duration, fetchErr, len(committed), protectionApplied, callType))
	}

	outcome := scheduler.Outcome{Success: fetchErr == nil, DurationMS: duration.Milliseconds(), UnseenCount: unseen}
	if e.sched != nil {
		e.sched.NotifyOutcome(sourceID, outcome)
	}

	if len(committed) > 0 && e.emitter != nil {
		if emitErr := e.emitter.Emit(ctx, committed, callType); emitErr != nil {
			e.logger.Warn("engine: emit failed", zap.String("source_id", sourceID), zap.Error(emitErr))
		}
	}

	meta := Meta{ProtectionApplied: protectionApplied, AgeMS: 0}
	if fetchErr != nil && len(committed) > 0 {
		if kind, ok := model.KindOf(fetchErr); ok {
			meta.ErrorKind = &kind
		}
	}

	result := leaderResult{items: committed, outcome: outcome, meta: meta}
	if fetchErr != nil && len(committed) == 0 {
		return result, fetchErr
	}
	return result, nil
}

// proxyAttempt records one proxy's outcome within a single leader fetch, so
// every attempt — not just the last — can be reported to the proxy pool's
// health state machine.
type proxyAttempt struct {
	proxy model.ProxyConfig
	err   error
}

// runAdapterWithRetry runs runAdapter once and, per §7's one exception to
// the no-retry rule, retries exactly once through the next proxy in the
// ordered pool when the first attempt was made through a proxy and failed
// with a network error. It returns every proxy attempt made so the caller
// can feed each one's outcome to the health state machine, win or lose.
func (e *Engine) runAdapterWithRetry(ctx context.Context, sourceID string, desc model.SourceDescriptor) ([]model.NewsItem, []proxyAttempt, error) {
	items, selectedProxy, err := e.runAdapter(ctx, sourceID, desc, nil)
	if selectedProxy == nil {
		return items, nil, err
	}
	attempts := []proxyAttempt{{proxy: *selectedProxy, err: err}}

	if err == nil || e.proxyPool == nil {
		return items, attempts, err
	}
	kind, ok := model.KindOf(err)
	if !ok || kind != model.ErrorKindNetwork {
		return items, attempts, err
	}

	next, ok := e.proxyPool.Next(selectedProxy.Group, selectedProxy.ProxyID)
	if !ok {
		return items, attempts, err
	}

	retryItems, retryProxy, retryErr := e.runAdapter(ctx, sourceID, desc, &next)
	if retryProxy != nil {
		attempts = append(attempts, proxyAttempt{proxy: *retryProxy, err: retryErr})
	}
	return retryItems, attempts, retryErr
}

// runAdapter builds the adapter and an HTTP client for desc, gates the
// request, and invokes Fetch. forceProxy, when non-nil, bypasses pool
// selection and routes through that exact proxy instead — used for the
// single failover retry. Any failure along the way is classified into an
// *model.EngineError so callers downstream only ever see the taxonomy.
func (e *Engine) runAdapter(ctx context.Context, sourceID string, desc model.SourceDescriptor, forceProxy *model.ProxyConfig) ([]model.NewsItem, *model.ProxyConfig, error) {
	ad, err := e.registry.Build(desc)
	if err != nil {
		return nil, nil, model.NewEngineError(model.ErrorKindAdapterInternal, sourceID, err)
	}

	client, selectedProxy, err := e.selectClient(desc, forceProxy)
	if err != nil {
		return nil, nil, model.NewEngineError(model.ErrorKindProxyUnavailable, sourceID, err)
	}

	if err := e.clients.Gate(ctx, desc, desc.HomeURL); err != nil {
		return nil, selectedProxy, model.NewEngineError(model.ErrorKindRateLimited, sourceID, err)
	}

	items, err := ad.Fetch(ctx, client)
	if err != nil {
		return nil, selectedProxy, model.NewEngineError(classifyFetchErr(ctx, err), sourceID, err)
	}
	return items, selectedProxy, nil
}

func (e *Engine) selectClient(desc model.SourceDescriptor, forceProxy *model.ProxyConfig) (*http.Client, *model.ProxyConfig, error) {
	if forceProxy != nil {
		client, err := e.clients.ClientWithProxy(desc, *forceProxy)
		return client, forceProxy, err
	}
	return e.clients.Client(desc)
}

// buildStatsOutcome assembles the StatsOutcome record for one leader fetch.
// protectionApplied is CacheUsed's source of truth: protection only ever
// returns existing items, whether the fetch that triggered it failed or
// merely looked too thin/empty to trust (§4.7 step 7).
func buildStatsOutcome(sourceID string, start time.Time, duration time.Duration, fetchErr error, committedCount int, protectionApplied bool, callType model.CallType) model.StatsOutcome {
	outcome := model.StatsOutcome{
		SourceID:    sourceID,
		StartedAt:   start,
		DurationMS:  duration.Milliseconds(),
		Success:     fetchErr == nil,
		ItemCount:   committedCount,
		CacheUsed:   protectionApplied,
		APICallType: callType,
	}
	if fetchErr != nil {
		if kind, ok := model.KindOf(fetchErr); ok {
			outcome.ErrorKind = &kind
		}
		outcome.ErrorMessage = model.TruncatedErrorMessage(fetchErr.Error())
	}
	return outcome
}

// classifyFetchErr maps a raw adapter error onto the error taxonomy. An
// adapter that already returned a typed *model.EngineError (rate_limited,
// parse, ...) keeps its kind; only an untyped error falls back to the
// context's own signal (deadline/cancel) and finally the generic network
// bucket.
func classifyFetchErr(ctx context.Context, err error) model.ErrorKind {
	if kind, ok := model.KindOf(err); ok {
		return kind
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.ErrorKindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return model.ErrorKindCanceled
	default:
		return model.ErrorKindNetwork
	}
}

// protectionWasApplied infers whether the cache's protection policy kept
// stale data instead of committing the raw fetch result. Cache.Update does
// not expose this directly, so it is derived from the shapes the policy
// can produce: a failed fetch that still yields committed items, or a
// successful fetch whose committed count differs from what was fetched.
func protectionWasApplied(fetchErr error, fetchedCount, committedCount int) bool {
	if fetchErr != nil {
		return committedCount > 0
	}
	return fetchedCount != committedCount
}

// normalizeItems enforces the NewsItem invariants on every item and caps
// the result at maxItems (§5 resource budget).
func normalizeItems(items []model.NewsItem, sourceID, sourceName string, maxItems int) []model.NewsItem {
	out := make([]model.NewsItem, 0, len(items))
	for i := range items {
		it := items[i]
		it.Normalize(sourceID, sourceName)
		out = append(out, it)
	}
	if maxItems > 0 && len(out) > maxItems {
		out = out[:maxItems]
	}
	return out
}
