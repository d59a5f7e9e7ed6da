// Package blocklist tracks hosts that repeatedly answer direct (proxy-free)
// requests with 403/429 and temporarily blocks them independent of proxy
// health, plus a static pattern blocklist for hosts excluded by
// configuration.
package blocklist

import (
	"strings"
	"sync"
	"time"

	"github.com/heatlink/fetchengine/internal/clock"
)

// Defaults for the threshold blocker.
const (
	DefaultThreshold     = 3
	DefaultBlockDuration = 15 * time.Minute
)

// Config tunes the threshold blocker.
type Config struct {
	Threshold     int
	BlockDuration time.Duration
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
}

type hostState struct {
	count        int
	blockedUntil time.Time
}

// Threshold blocks a host once it has answered MarkForbidden calls
// Config.Threshold times, for Config.BlockDuration, then lets it try again.
type Threshold struct {
	mu      sync.Mutex
	clk     clock.Clock
	cfg     Config
	entries map[string]*hostState
}

// New builds a Threshold blocker.
func New(clk clock.Clock, cfg Config) *Threshold {
	cfg.defaults()
	return &Threshold{clk: clk, cfg: cfg, entries: make(map[string]*hostState)}
}

// IsBlocked reports whether host is within its current temporary block
// window. An expired block is cleared as a side effect.
func (t *Threshold) IsBlocked(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[host]
	if !ok || st.blockedUntil.IsZero() {
		return false
	}
	if t.clk.Now().After(st.blockedUntil) {
		delete(t.entries, host)
		return false
	}
	return true
}

// MarkForbidden records a 403/429 response for host, blocking it once the
// threshold is reached. Returns true if host is blocked as of this call.
func (t *Threshold) MarkForbidden(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.entries[host]
	if !ok {
		st = &hostState{}
		t.entries[host] = st
	}
	now := t.clk.Now()
	if !st.blockedUntil.IsZero() && now.Before(st.blockedUntil) {
		return true
	}
	st.count++
	if st.count >= t.cfg.Threshold {
		st.blockedUntil = now.Add(t.cfg.BlockDuration)
		return true
	}
	return false
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
