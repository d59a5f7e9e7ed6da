package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/clock"
	"github.com/heatlink/fetchengine/internal/model"
)

// healthCheckDeadline bounds each probe per §4.2.
const healthCheckDeadline = 5 * time.Second

// Pool is the ordered proxy set with domain-required matching, selection,
// and health tracking.
type Pool struct {
	mu              sync.RWMutex
	proxies         map[string]*model.ProxyConfig
	requiredDomains *domainPatternSet
	clk             clock.Clock
	logger          *zap.Logger
	httpClient      *http.Client
}

// New constructs a Pool. requiredDomainPatterns are suffix patterns that
// force proxy use regardless of per-source policy (subject to override by
// SourceDescriptor.ProxyPolicy).
func New(requiredDomainPatterns []string, clk clock.Clock, logger *zap.Logger) *Pool {
	return &Pool{
		proxies:         make(map[string]*model.ProxyConfig),
		requiredDomains: newDomainPatternSet(requiredDomainPatterns),
		clk:             clk,
		logger:          logger,
		httpClient:      &http.Client{Timeout: healthCheckDeadline},
	}
}

// Upsert adds or replaces a proxy entry.
func (p *Pool) Upsert(cfg model.ProxyConfig) {
	if cfg.Status == "" {
		cfg.Status = model.ProxyStatusUnknown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies[cfg.ProxyID] = &cfg
}

// Remove deletes a proxy entry.
func (p *Pool) Remove(proxyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.proxies, proxyID)
}

// List returns a snapshot of all proxies, ordered within their groups.
func (p *Pool) List() []model.ProxyConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.ProxyConfig, 0, len(p.proxies))
	for _, v := range p.proxies {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Requires reports whether host is in the must-use-a-proxy domain list,
// independent of any source's proxy_policy override.
func (p *Pool) Requires(host string) bool {
	return p.requiredDomains.Matches(host)
}

// NeedsProxy resolves whether a fetch to rawURL should use a proxy, given
// the source's policy (§4.2).
func NeedsProxy(pool *Pool, policy model.ProxyPolicy, rawURL string) bool {
	switch policy {
	case model.ProxyPolicyAlways:
		return true
	case model.ProxyPolicyNever:
		return false
	default:
		u, err := url.Parse(rawURL)
		if err != nil {
			return false
		}
		return pool.Requires(u.Hostname())
	}
}

// Select returns the first usable proxy for group (empty string means the
// pool-wide ordering), skipping dead proxies. ok is false when none are
// available.
func (p *Pool) Select(group string) (model.ProxyConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []model.ProxyConfig
	for _, v := range p.proxies {
		if group != "" && v.Group != group {
			continue
		}
		candidates = append(candidates, *v)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })
	for _, c := range candidates {
		if c.Status != model.ProxyStatusDead {
			return c, true
		}
	}
	return model.ProxyConfig{}, false
}

// Next returns the next usable proxy after excludeProxyID in the same
// group, for the single-retry-with-next-proxy rule in §7.
func (p *Pool) Next(group, excludeProxyID string) (model.ProxyConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []model.ProxyConfig
	for _, v := range p.proxies {
		if group != "" && v.Group != group {
			continue
		}
		if v.ProxyID == excludeProxyID {
			continue
		}
		candidates = append(candidates, *v)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })
	for _, c := range candidates {
		if c.Status != model.ProxyStatusDead {
			return c, true
		}
	}
	return model.ProxyConfig{}, false
}

// ReportOutcome feeds a fetch-time result into the health state machine for
// proxyID, per §4.2's "fetch-time outcomes also feed this state machine".
func (p *Pool) ReportOutcome(proxyID string, success bool, latencyMS float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.proxies[proxyID]
	if !ok {
		return
	}
	now := p.clk.Now()
	if success {
		applySuccess(cfg, latencyMS, now)
	} else {
		applyFailure(cfg, now)
	}
}

// Sweep probes every proxy's health_check_url once and updates its state.
// It is meant to be called on a ticker by the caller (e.g. every 30s).
func (p *Pool) Sweep(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.proxies))
	for id := range p.proxies {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		p.probeOne(ctx, id)
	}
}

func (p *Pool) probeOne(ctx context.Context, proxyID string) {
	p.mu.RLock()
	cfg, ok := p.proxies[proxyID]
	var snapshot model.ProxyConfig
	if ok {
		snapshot = *cfg
	}
	p.mu.RUnlock()
	if !ok {
		return
	}

	now := p.clk.Now()
	if snapshot.Status == model.ProxyStatusDead && now.Sub(snapshot.LastCheckAt) < deadCooldown {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthCheckDeadline)
	defer cancel()

	start := time.Now()
	success := false
	if snapshot.HealthCheckURL != "" {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, snapshot.HealthCheckURL, nil)
		if err == nil {
			resp, err := p.httpClient.Do(req)
			if err == nil {
				success = resp.StatusCode < 500
				_ = resp.Body.Close()
			}
		}
	}
	latencyMS := float64(time.Since(start).Milliseconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok = p.proxies[proxyID]
	if !ok {
		return
	}
	maybeRevive(cfg, p.clk.Now())
	if success {
		applySuccess(cfg, latencyMS, p.clk.Now())
	} else {
		applyFailure(cfg, p.clk.Now())
	}
	p.logger.Debug("proxy health probe",
		zap.String("proxy_id", proxyID),
		zap.Bool("success", success),
		zap.String("status", string(cfg.Status)),
		zap.Float64("latency_ms", latencyMS),
	)
}
