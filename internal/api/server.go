// Package api exposes the optional control-plane HTTP interface for the
// fetch engine (read sources/proxies/stats, register/deregister sources,
// update the proxy list, trigger an on-demand refresh).
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/config"
	"github.com/heatlink/fetchengine/internal/engine"
	"github.com/heatlink/fetchengine/internal/metrics"
	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/proxy"
	"github.com/heatlink/fetchengine/internal/stats"
)

// Server wires HTTP handlers to the fetch engine, proxy pool, and stats
// collector.
type Server struct {
	router    chi.Router
	engine    *engine.Engine
	pool      *proxy.Pool
	collector *stats.Collector
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	eng *engine.Engine,
	pool *proxy.Pool,
	collector *stats.Collector,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    eng,
		pool:      pool,
		collector: collector,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.registerSource)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Put("/", s.registerSource)
				r.Delete("/", s.deregisterSource)
				r.Get("/stats", s.getSourceStats)
				r.Post("/refresh", s.refreshSource)
			})
		})
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.listProxies)
			r.Put("/", s.upsertProxy)
			r.Delete("/{proxy_id}", s.removeProxy)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.engine.Sources()})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	desc, ok := s.engine.Source(sourceID)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": desc})
}

// registerSource handles both POST /v1/sources (new registration) and
// PUT /v1/sources/{source_id} (config update, which takes effect on the
// next fetch). RegisterSource's upsert semantics cover either case.
func (s *Server) registerSource(w http.ResponseWriter, r *http.Request) {
	var desc model.SourceDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if pathID := chi.URLParam(r, "source_id"); pathID != "" {
		desc.SourceID = pathID
	}
	if err := desc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.RegisterSource(desc)
	writeJSON(w, http.StatusOK, map[string]any{"source": desc})
}

func (s *Server) deregisterSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if _, ok := s.engine.Source(sourceID); !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	s.engine.DeregisterSource(sourceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSourceStats(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "stats collector unavailable")
		return
	}
	snapshot, ok := s.collector.Snapshot(sourceID)
	if !ok {
		writeError(w, http.StatusNotFound, "no stats recorded for source")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snapshot,
		"recent":   s.collector.Recent(sourceID),
	})
}

func (s *Server) refreshSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	items, meta, err := s.engine.GetNews(ctx, sourceID, engine.GetNewsOptions{
		ForceRefresh: true,
		CallType:     model.CallTypeExternal,
	})
	if err != nil {
		status := http.StatusInternalServerError
		var engErr *model.EngineError
		if errors.As(err, &engErr) && engErr.Kind == model.ErrorKindUnknownSource {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "meta": meta})
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusOK, map[string]any{"proxies": []model.ProxyConfig{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.pool.List()})
}

func (s *Server) upsertProxy(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy pool unavailable")
		return
	}
	var cfg model.ProxyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.ProxyID == "" {
		writeError(w, http.StatusBadRequest, "invalid proxy config")
		return
	}
	s.pool.Upsert(cfg)
	writeJSON(w, http.StatusOK, map[string]any{"proxy": cfg})
}

func (s *Server) removeProxy(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy pool unavailable")
		return
	}
	proxyID := chi.URLParam(r, "proxy_id")
	s.pool.Remove(proxyID)
	w.WriteHeader(http.StatusNoContent)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.NewNop().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
