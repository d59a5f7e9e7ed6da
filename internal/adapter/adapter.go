// Package adapter defines the source adapter contract, the canonical-id
// registry, and the stats-recording shim every constructed adapter is
// wrapped in.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/heatlink/fetchengine/internal/model"
)

// Adapter fetches and normalizes items for one source. Fetch MUST NOT open
// its own sockets; it is handed a client already configured by the HTTP
// Client Factory (proxy, timeouts, redirect cap all pre-applied).
type Adapter interface {
	Metadata() model.SourceDescriptor
	Fetch(ctx context.Context, client *http.Client) ([]model.NewsItem, error)
}

// Closer is implemented by adapters holding an external handle (e.g. a
// headless browser session) that must be released when the adapter is
// retired from the registry.
type Closer interface {
	Close() error
}

// Constructor builds an Adapter from its descriptor.
type Constructor func(desc model.SourceDescriptor) (Adapter, error)

// OutcomeRecorder is the narrow interface the stats-recording shim needs;
// satisfied by the Stats Collector without adapter importing it directly.
type OutcomeRecorder interface {
	Record(outcome model.StatsOutcome)
}

// Registry maps canonical source_id to constructed adapters, coercing
// synonym ids to their canonical form on every lookup and registration.
type Registry struct {
	mu          sync.RWMutex
	byType      map[model.SourceType]Constructor
	aliases     map[string]string // synonym -> canonical source_id
	instances   map[string]Adapter
	descriptors map[string]model.SourceDescriptor
	recorder    OutcomeRecorder
}

// NewRegistry builds an empty Registry. recorder may be nil in tests that
// do not care about stats plumbing; Fetch still succeeds, it simply does
// not report outcomes.
func NewRegistry(recorder OutcomeRecorder) *Registry {
	return &Registry{
		byType:      make(map[model.SourceType]Constructor),
		aliases:     make(map[string]string),
		instances:   make(map[string]Adapter),
		descriptors: make(map[string]model.SourceDescriptor),
		recorder:    recorder,
	}
}

// RegisterType binds a SourceType to the constructor used to build its
// adapter instances (jsonapi, rss, renderedhtml, or any additional shape).
func (r *Registry) RegisterType(t model.SourceType, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = ctor
}

// RegisterAlias declares raw as a synonym for canonicalSourceID, so lookups
// and registrations under either spelling resolve to one instance.
func (r *Registry) RegisterAlias(raw, canonicalSourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalizeAliasKey(raw)] = model.CanonicalSourceID(canonicalSourceID)
}

func normalizeAliasKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// resolve coerces raw to its canonical source_id, consulting the alias
// table before falling back to the underscore/case normalization every
// source_id gets regardless of aliasing.
func (r *Registry) resolve(raw string) string {
	if canonical, ok := r.aliases[normalizeAliasKey(raw)]; ok {
		return canonical
	}
	return model.CanonicalSourceID(raw)
}

// Build constructs (or returns the cached) adapter for desc, coercing its
// source_id to canonical form first and wrapping the result in the
// stats-recording shim.
func (r *Registry) Build(desc model.SourceDescriptor) (Adapter, error) {
	canonical := r.resolve(desc.SourceID)
	desc.SourceID = canonical

	r.mu.RLock()
	if existing, ok := r.instances[canonical]; ok {
		r.mu.RUnlock()
		return existing, nil
	}
	ctor, ok := r.byType[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: no constructor registered for source type %q (source %s)", desc.Type, canonical)
	}

	built, err := ctor(desc)
	if err != nil {
		return nil, fmt.Errorf("adapter: constructing %s: %w", canonical, err)
	}
	wrapped := &recordingAdapter{inner: built, desc: desc, recorder: r.recorder}

	r.mu.Lock()
	r.instances[canonical] = wrapped
	r.descriptors[canonical] = desc
	r.mu.Unlock()
	return wrapped, nil
}

// Get returns the already-built adapter for a canonical or synonym id.
func (r *Registry) Get(sourceID string) (Adapter, bool) {
	canonical := r.resolve(sourceID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.instances[canonical]
	return a, ok
}

// CloseAll releases every adapter holding an external handle.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, a := range r.instances {
		if c, ok := a.(Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("adapter: closing %s: %w", id, err)
			}
		}
	}
	return firstErr
}

// recordingAdapter is the un-skippable stats shim every registry-built
// adapter is wrapped in, so adapter authors cannot forget to report
// outcomes.
type recordingAdapter struct {
	inner    Adapter
	desc     model.SourceDescriptor
	recorder OutcomeRecorder
}

func (w *recordingAdapter) Metadata() model.SourceDescriptor { return w.desc }

func (w *recordingAdapter) Fetch(ctx context.Context, client *http.Client) ([]model.NewsItem, error) {
	start := time.Now()
	items, err := w.inner.Fetch(ctx, client)
	if w.recorder != nil {
		outcome := model.StatsOutcome{
			SourceID:    w.desc.SourceID,
			StartedAt:   start,
			DurationMS:  time.Since(start).Milliseconds(),
			Success:     err == nil,
			ItemCount:   len(items),
			APICallType: model.CallTypeInternal,
		}
		if err != nil {
			outcome.ErrorMessage = model.TruncatedErrorMessage(err.Error())
		}
		w.recorder.Record(outcome)
	}
	return items, err
}

func (w *recordingAdapter) Close() error {
	if c, ok := w.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
