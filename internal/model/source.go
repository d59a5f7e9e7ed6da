package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies which adapter shape a descriptor's config must
// satisfy.
type SourceType string

// Supported source types.
const (
	SourceTypeAPI SourceType = "api"
	SourceTypeWeb SourceType = "web"
	SourceTypeRSS SourceType = "rss"
)

// ProxyPolicy controls whether the proxy pool is consulted for a source.
type ProxyPolicy string

// Proxy policy values.
const (
	ProxyPolicyNever      ProxyPolicy = "never"
	ProxyPolicyIfRequired ProxyPolicy = "if-required"
	ProxyPolicyAlways     ProxyPolicy = "always"
)

// SourceDescriptor is the static per-source configuration record.
type SourceDescriptor struct {
	SourceID              string         `json:"source_id" mapstructure:"source_id"`
	Name                  string         `json:"name" mapstructure:"name"`
	HomeURL               string         `json:"home_url" mapstructure:"home_url"`
	Type                  SourceType     `json:"type" mapstructure:"type"`
	Category              string         `json:"category" mapstructure:"category"`
	Country               string         `json:"country" mapstructure:"country"`
	Language              string         `json:"language" mapstructure:"language"`
	Priority              int            `json:"priority" mapstructure:"priority"`
	Config                map[string]any `json:"config" mapstructure:"config"`
	UpdateIntervalMS      int64          `json:"update_interval_ms" mapstructure:"update_interval_ms"`
	CacheTTLMS            int64          `json:"cache_ttl_ms" mapstructure:"cache_ttl_ms"`
	AdaptiveEnabled       bool           `json:"adaptive_enabled" mapstructure:"adaptive_enabled"`
	ProxyPolicy           ProxyPolicy    `json:"proxy_policy" mapstructure:"proxy_policy"`
	ProxyGroup            string         `json:"proxy_group,omitempty" mapstructure:"proxy_group"`
	AllowFallbackDirect   bool           `json:"allow_fallback_direct" mapstructure:"allow_fallback_direct"`
	RespectRobots         bool           `json:"respect_robots" mapstructure:"respect_robots"`
	InsecureSkipTLSVerify bool           `json:"insecure_skip_tls_verify" mapstructure:"insecure_skip_tls_verify"`
	ShrinkThreshold       float64        `json:"shrink_threshold" mapstructure:"shrink_threshold"`
}

// UpdateInterval and CacheTTL convert the millisecond fields to time.Duration
// for call sites that prefer the typed form.
func (d SourceDescriptor) UpdateInterval() time.Duration {
	return time.Duration(d.UpdateIntervalMS) * time.Millisecond
}

// CacheTTL returns the descriptor's cache TTL as a time.Duration.
func (d SourceDescriptor) CacheTTL() time.Duration {
	return time.Duration(d.CacheTTLMS) * time.Millisecond
}

// EffectiveShrinkThreshold returns the configured shrink-protection ratio,
// defaulting to 0.30 when unset.
func (d SourceDescriptor) EffectiveShrinkThreshold() float64 {
	if d.ShrinkThreshold <= 0 {
		return 0.30
	}
	return d.ShrinkThreshold
}

// Validate enforces the descriptor's cross-field constraints.
func (d SourceDescriptor) Validate() error {
	if d.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	switch d.Type {
	case SourceTypeAPI, SourceTypeWeb, SourceTypeRSS:
	default:
		return fmt.Errorf("source %s: unsupported type %q", d.SourceID, d.Type)
	}
	if d.UpdateIntervalMS < 60_000 {
		return fmt.Errorf("source %s: update_interval_ms must be >= 60000, got %d", d.SourceID, d.UpdateIntervalMS)
	}
	if d.CacheTTLMS < 30_000 {
		return fmt.Errorf("source %s: cache_ttl_ms must be >= 30000, got %d", d.SourceID, d.CacheTTLMS)
	}
	if d.CacheTTLMS > d.UpdateIntervalMS*2 {
		return fmt.Errorf("source %s: cache_ttl_ms must be <= 2x update_interval_ms", d.SourceID)
	}
	switch d.ProxyPolicy {
	case ProxyPolicyNever, ProxyPolicyIfRequired, ProxyPolicyAlways, "":
	default:
		return fmt.Errorf("source %s: unsupported proxy_policy %q", d.SourceID, d.ProxyPolicy)
	}
	return nil
}

// CanonicalSourceID rewrites underscore-separated synonyms to the engine's
// hyphen-canonical form and lowercases the result. This is applied on
// registration, lookup, and every recorded outcome so that cache keys,
// stats keys, and emitter calls never fork between the two spellings.
func CanonicalSourceID(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(lower, "_", "-")
}
