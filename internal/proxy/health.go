package proxy

import (
	"time"

	"github.com/heatlink/fetchengine/internal/model"
)

// healthEWMAAlpha is the smoothing factor for latency EWMA (§4.2).
const healthEWMAAlpha = 0.25

// deadCooldown is how long a dead proxy waits before returning to unknown
// for re-probing.
const deadCooldown = 10 * time.Minute

// applySuccess updates a proxy's health state after a successful probe or
// fetch-time outcome.
func applySuccess(p *model.ProxyConfig, latencyMS float64, now time.Time) {
	p.ConsecutiveFailures = 0
	if p.Status == model.ProxyStatusUnknown || p.Status == model.ProxyStatusDegraded {
		p.Status = model.ProxyStatusHealthy
	}
	if p.LatencyMSEWMA == 0 {
		p.LatencyMSEWMA = latencyMS
	} else {
		p.LatencyMSEWMA = healthEWMAAlpha*latencyMS + (1-healthEWMAAlpha)*p.LatencyMSEWMA
	}
	p.LastCheckAt = now
}

// applyFailure updates a proxy's health state after a failed probe or
// fetch-time outcome.
func applyFailure(p *model.ProxyConfig, now time.Time) {
	p.ConsecutiveFailures++
	switch {
	case p.ConsecutiveFailures >= 5:
		p.Status = model.ProxyStatusDead
	case p.ConsecutiveFailures >= 1:
		p.Status = model.ProxyStatusDegraded
	}
	p.LastCheckAt = now
}

// maybeRevive moves a long-dead proxy back to unknown so the health sweep
// re-probes it.
func maybeRevive(p *model.ProxyConfig, now time.Time) {
	if p.Status == model.ProxyStatusDead && now.Sub(p.LastCheckAt) >= deadCooldown {
		p.Status = model.ProxyStatusUnknown
	}
}
