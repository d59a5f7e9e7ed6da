// Package server wires the fetch engine's dependencies together: cache,
// proxy pool, HTTP client factory, adapter registry, stats collector,
// downstream emitter, adaptive scheduler, and the optional control-plane
// HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/adapter"
	"github.com/heatlink/fetchengine/internal/adapter/jsonapi"
	"github.com/heatlink/fetchengine/internal/adapter/renderedhtml"
	"github.com/heatlink/fetchengine/internal/adapter/rss"
	"github.com/heatlink/fetchengine/internal/api"
	"github.com/heatlink/fetchengine/internal/blocklist"
	"github.com/heatlink/fetchengine/internal/cache"
	cacheredis "github.com/heatlink/fetchengine/internal/cache/redis"
	"github.com/heatlink/fetchengine/internal/clock/system"
	"github.com/heatlink/fetchengine/internal/config"
	"github.com/heatlink/fetchengine/internal/emitter"
	"github.com/heatlink/fetchengine/internal/engine"
	"github.com/heatlink/fetchengine/internal/headlessdetect"
	"github.com/heatlink/fetchengine/internal/httpclient"
	"github.com/heatlink/fetchengine/internal/logging"
	"github.com/heatlink/fetchengine/internal/metrics"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/proxy"
	"github.com/heatlink/fetchengine/internal/ratelimit"
	"github.com/heatlink/fetchengine/internal/renderer"
	"github.com/heatlink/fetchengine/internal/scheduler"
	"github.com/heatlink/fetchengine/internal/stats"
	"github.com/heatlink/fetchengine/internal/statssink"
	"github.com/heatlink/fetchengine/internal/telemetry"
)

// App holds every long-lived dependency the fetch engine needs across its
// lifetime, so Run and Close can start and stop them as a unit.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	renderer  renderer.Renderer
	emitter   interface{ Close() error }
	tracerTP  *sdktrace.TracerProvider
}

// Build constructs an App from cfg: the cache, proxy pool, HTTP client
// factory, adapter registry, stats collector, downstream emitter, adaptive
// scheduler, and control-plane server, wired in dependency order.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, err := telemetry.InitTracerProvider(ctx, "heatlink-fetchengine")
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	clk := system.New()
	rng := system.NewRNG()

	sharedCache, err := setupSharedCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c := cache.New(clk, sharedCache, logger)

	pool := proxy.New(cfg.Proxy.RequiredDomainPatterns, clk, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		}, logger)
	}

	clients := httpclient.New(httpclient.Config{
		ConnectTimeout: time.Duration(cfg.HTTP.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:    time.Duration(cfg.HTTP.ReadTimeoutSeconds) * time.Second,
		UserAgent:      cfg.HTTP.UserAgent,
	}, pool, limiter, logger)
	clients.WithBlocklist(
		blocklist.NewPattern(cfg.Blocklist.Patterns),
		blocklist.New(clk, blocklist.Config{
			Threshold:     cfg.Blocklist.Threshold,
			BlockDuration: cfg.BlockDuration(),
		}),
	)

	statsSink, err := setupStatsSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	collector := stats.New(statsSink, stats.Config{FlushInterval: cfg.StatsFlushInterval()}, logger)

	render, detector := setupHeadless(cfg, logger)
	registry := buildRegistry(collector, render, detector)

	emit, err := setupEmitter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(c, registry, clients, collector, pool, emit, nil, clk, engine.Config{
		FetchDeadline:     cfg.FetchDeadline(),
		MaxItemsPerSource: cfg.Engine.MaxItemsPerSource,
	}, logger)

	sched := scheduler.New(eng, clk, rng, scheduler.Config{
		Tick:          cfg.SchedulerTick(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	}, logger)
	eng.SetScheduler(sched)

	for id, desc := range cfg.Sources {
		desc.SourceID = id
		eng.RegisterSource(desc)
		sched.Upsert(desc)
	}

	apiServer := api.NewServer(eng, pool, collector, cfg, logger.Named("api"))

	emitCloser, _ := emit.(interface{ Close() error })

	return &App{
		cfg:       cfg,
		logger:    logger,
		engine:    eng,
		scheduler: sched,
		apiServer: apiServer,
		renderer:  render,
		emitter:   emitCloser,
		tracerTP:  tp,
	}, nil
}

func setupSharedCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.Shared, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("no redis address configured, running cache without a shared tier")
		return nil, nil
	}
	shared, err := cacheredis.New(ctx, cacheredis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis shared cache init failed: %w", err)
	}
	return shared, nil
}

func setupStatsSink(ctx context.Context, cfg config.Config) (stats.Sink, error) {
	if cfg.DB.DSN == "" {
		return statssink.NewMemory(), nil
	}
	sink, err := statssink.NewPostgres(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres stats sink init failed: %w", err)
	}
	return sink, nil
}

func setupHeadless(cfg config.Config, logger *zap.Logger) (renderer.Renderer, *headlessdetect.Detector) {
	detector := headlessdetect.New(
		cfg.Headless.PromotionThreshold,
		[]string{"article", "main"},
		[]string{"please enable javascript", "enable javascript to continue"},
	)
	if !cfg.Headless.Enabled {
		return renderer.Noop{}, detector
	}
	chromedp, err := renderer.NewChromedp(renderer.Config{
		UserAgent:         cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
		MaxParallel:       cfg.Headless.MaxParallel,
	})
	if err != nil {
		logger.Warn("headless renderer init failed, falling back to no-op", zap.Error(err))
		return renderer.Noop{}, detector
	}
	return chromedp, detector
}

func buildRegistry(collector *stats.Collector, render renderer.Renderer, detector *headlessdetect.Detector) *adapter.Registry {
	registry := adapter.NewRegistry(collector)
	registry.RegisterType(model.SourceTypeAPI, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		return jsonapi.New(desc)
	})
	registry.RegisterType(model.SourceTypeRSS, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		return rss.New(desc)
	})
	registry.RegisterType(model.SourceTypeWeb, func(desc model.SourceDescriptor) (adapter.Adapter, error) {
		return renderedhtml.New(desc, render, detector)
	})
	return registry
}

func setupEmitter(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Emitter, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicID == "" {
		logger.Info("no pubsub topic configured, using in-memory emitter")
		return emitter.NewMemory(), nil
	}
	pub, err := emitter.NewPubSub(ctx, emitter.PubSubConfig{
		ProjectID: cfg.PubSub.ProjectID,
		TopicID:   cfg.PubSub.TopicID,
		AckWait:   cfg.AckWait(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub emitter init failed: %w", err)
	}
	return pub, nil
}

// Run starts the scheduler's tick loop and the control-plane HTTP server,
// and blocks until the context is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("scheduler started")
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases every resource Build opened: the engine's in-flight
// fetches, the headless renderer pool, the downstream emitter, the tracer
// provider, and the logger.
func (a *App) Close(ctx context.Context) error {
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("engine shutdown failed", zap.Error(err))
	}
	if closer, ok := a.renderer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("renderer close failed", zap.Error(err))
		}
	}
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			a.logger.Warn("emitter close failed", zap.Error(err))
		}
	}
	if a.tracerTP != nil {
		if err := a.tracerTP.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
