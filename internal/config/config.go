// Package config loads and validates fetch engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/heatlink/fetchengine/internal/model"
)

// Config captures every configuration knob the engine reads once at
// startup (§6.6); everything else is per-source via model.SourceDescriptor.
type Config struct {
	Server    ServerConfig                     `mapstructure:"server"`
	Auth      AuthConfig                       `mapstructure:"auth"`
	HTTP      HTTPConfig                       `mapstructure:"http"`
	Headless  HeadlessConfig                   `mapstructure:"headless"`
	Scheduler SchedulerConfig                  `mapstructure:"scheduler"`
	Engine    EngineConfig                     `mapstructure:"engine"`
	Cache     CacheConfig                      `mapstructure:"cache"`
	Redis     RedisConfig                      `mapstructure:"redis"`
	DB        DBConfig                         `mapstructure:"db"`
	PubSub    PubSubConfig                     `mapstructure:"pubsub"`
	RateLimit RateLimitConfig                  `mapstructure:"rate_limit"`
	Proxy     ProxyConfig                      `mapstructure:"proxy"`
	Blocklist BlocklistConfig                  `mapstructure:"blocklist"`
	Stats     StatsConfig                      `mapstructure:"stats"`
	Logging   LoggingConfig                    `mapstructure:"logging"`
	Sources   map[string]model.SourceDescriptor `mapstructure:"sources"`
}

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines control-plane authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures the per-fetch HTTP client factory.
type HTTPConfig struct {
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int    `mapstructure:"read_timeout_seconds"`
	UserAgent             string `mapstructure:"user_agent"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// SchedulerConfig tunes the adaptive scheduler's tick cadence and dispatch
// concurrency.
type SchedulerConfig struct {
	TickSeconds   int `mapstructure:"tick_seconds"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// EngineConfig tunes the fetch engine's per-fetch bounds.
type EngineConfig struct {
	FetchDeadlineSeconds int `mapstructure:"fetch_deadline_seconds"`
	MaxItemsPerSource    int `mapstructure:"max_items_per_source"`
}

// CacheConfig carries the §6.6 defaults applied to a source descriptor
// loaded from the sources file without its own update_interval_ms or
// cache_ttl_ms.
type CacheConfig struct {
	DefaultUpdateIntervalMS int64 `mapstructure:"default_update_interval_ms"`
	DefaultCacheTTLMS       int64 `mapstructure:"default_cache_ttl_ms"`
}

// RedisConfig configures the optional shared-cache tier. Addr empty means
// the engine runs with the in-memory tier only.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig configures the optional Postgres stats sink. DSN empty means
// the engine runs with the in-memory stats sink only.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig configures the optional Pub/Sub downstream emitter. Empty
// ProjectID/TopicID means the engine runs with the in-memory emitter only.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	AckWaitSeconds int    `mapstructure:"ack_wait_seconds"`
}

// RateLimitConfig configures the per-domain politeness throttle.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ProxyConfig lists domains that require a proxy regardless of a source's
// own proxy_policy.
type ProxyConfig struct {
	RequiredDomainPatterns []string `mapstructure:"required_domain_patterns"`
}

// BlocklistConfig configures the static pattern blocklist and the
// repeated-403/429 threshold blocker.
type BlocklistConfig struct {
	Patterns             []string `mapstructure:"patterns"`
	Threshold            int      `mapstructure:"threshold"`
	BlockDurationSeconds int      `mapstructure:"block_duration_seconds"`
}

// StatsConfig tunes the in-process stats collector's flush cadence.
type StatsConfig struct {
	FlushIntervalSeconds int `mapstructure:"flush_interval_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment, applying defaults first and
// source-descriptor defaults last.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HEATLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.connect_timeout_seconds", 10)
	v.SetDefault("http.read_timeout_seconds", 30)
	v.SetDefault("http.user_agent", "heatlink-fetchengine/1.0")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("scheduler.tick_seconds", 1)
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("engine.fetch_deadline_seconds", 60)
	v.SetDefault("engine.max_items_per_source", 500)
	v.SetDefault("cache.default_update_interval_ms", 300_000)
	v.SetDefault("cache.default_cache_ttl_ms", 120_000)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("blocklist.threshold", 3)
	v.SetDefault("blocklist.block_duration_seconds", 900)
	v.SetDefault("stats.flush_interval_seconds", 300)
	v.SetDefault("pubsub.ack_wait_seconds", 5)
	v.SetDefault("logging.development", true)
}

// applySourceDefaults fills in unset update_interval_ms/cache_ttl_ms on
// every loaded source descriptor from cache.Default*, per §6.6, before
// Validate runs.
func (c *Config) applySourceDefaults() {
	for id, desc := range c.Sources {
		if desc.UpdateIntervalMS == 0 {
			desc.UpdateIntervalMS = c.Cache.DefaultUpdateIntervalMS
		}
		if desc.CacheTTLMS == 0 {
			desc.CacheTTLMS = c.Cache.DefaultCacheTTLMS
		}
		c.Sources[id] = desc
	}
}

// Validate enforces required values, reasonable limits, and every loaded
// source descriptor's own constraints.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("http.read_timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be > 0")
	}
	if c.Engine.FetchDeadlineSeconds <= 0 {
		return fmt.Errorf("engine.fetch_deadline_seconds must be > 0")
	}
	for id, desc := range c.Sources {
		desc.SourceID = id
		if err := desc.Validate(); err != nil {
			return fmt.Errorf("sources.%s: %w", id, err)
		}
	}
	return nil
}

// FetchDeadline converts engine.fetch_deadline_seconds into a Duration.
func (c Config) FetchDeadline() time.Duration {
	return time.Duration(c.Engine.FetchDeadlineSeconds) * time.Second
}

// SchedulerTick converts scheduler.tick_seconds into a Duration.
func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// StatsFlushInterval converts stats.flush_interval_seconds into a Duration.
func (c Config) StatsFlushInterval() time.Duration {
	return time.Duration(c.Stats.FlushIntervalSeconds) * time.Second
}

// BlockDuration converts blocklist.block_duration_seconds into a Duration.
func (c Config) BlockDuration() time.Duration {
	return time.Duration(c.Blocklist.BlockDurationSeconds) * time.Second
}

// AckWait converts pubsub.ack_wait_seconds into a Duration.
func (c Config) AckWait() time.Duration {
	return time.Duration(c.PubSub.AckWaitSeconds) * time.Second
}
