// Package stats implements the per-source Stats Collector: a ring buffer
// of recent outcomes, live aggregates readable without locking, and a
// periodic-or-on-failure flush to a Sink.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/model"
)

// ringSize is the per-source outcome ring buffer capacity.
const ringSize = 256

// DefaultFlushInterval is used when Config.FlushInterval is unset.
const DefaultFlushInterval = 300 * time.Second

// Sink persists a source's aggregate snapshot (§6).
type Sink interface {
	Flush(ctx context.Context, snapshot Aggregate) error
}

// CallTypeAggregate holds the live counters for one CallType.
type CallTypeAggregate struct {
	TotalRequests     int64
	ErrorCount        int64
	AvgResponseTimeMS float64
}

// Aggregate is the immutable snapshot published after each Record, and the
// payload handed to a Sink on flush.
type Aggregate struct {
	SourceID          string
	TotalRequests     int64
	ErrorCount        int64
	SuccessRate       float64
	AvgResponseTimeMS float64
	ByCallType        map[model.CallType]CallTypeAggregate
	ObservedAt        time.Time
}

// sourceState is the mutable per-source bookkeeping: the ring buffer, the
// incremental counters being accumulated since the last flush, and the
// published snapshot readers see.
type sourceState struct {
	mu          sync.Mutex
	ring        [ringSize]model.StatsOutcome
	ringLen     int
	ringHead    int
	totalAll    int64
	errorAll    int64
	durationSum float64
	byCallType  map[model.CallType]*callTypeAccum
	snapshot    atomic.Pointer[Aggregate]
}

type callTypeAccum struct {
	total       int64
	errors      int64
	durationSum float64
}

// Config controls flush cadence.
type Config struct {
	FlushInterval time.Duration
}

// Collector is the per-source Stats Collector.
type Collector struct {
	mu     sync.RWMutex
	states map[string]*sourceState
	sink   Sink
	cfg    Config
	logger *zap.Logger
}

// New builds a Collector. sink may be nil, in which case flushes are a
// no-op (used when no Stats Sink is configured).
func New(sink Sink, cfg Config, logger *zap.Logger) *Collector {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Collector{
		states: make(map[string]*sourceState),
		sink:   sink,
		cfg:    cfg,
		logger: logger,
	}
}

// Record implements adapter.OutcomeRecorder: ring-buffers the outcome,
// updates the live aggregate, and publishes a fresh snapshot for readers.
// A failed outcome triggers an immediate flush.
func (c *Collector) Record(outcome model.StatsOutcome) {
	state := c.stateFor(outcome.SourceID)

	state.mu.Lock()
	state.ring[state.ringHead] = outcome
	state.ringHead = (state.ringHead + 1) % ringSize
	if state.ringLen < ringSize {
		state.ringLen++
	}

	state.totalAll++
	if !outcome.Success {
		state.errorAll++
	}
	state.durationSum += float64(outcome.DurationMS)

	accum, ok := state.byCallType[outcome.APICallType]
	if !ok {
		accum = &callTypeAccum{}
		state.byCallType[outcome.APICallType] = accum
	}
	accum.total++
	if !outcome.Success {
		accum.errors++
	}
	accum.durationSum += float64(outcome.DurationMS)

	snapshot := buildSnapshot(outcome.SourceID, state)
	state.mu.Unlock()

	state.snapshot.Store(snapshot)

	if !outcome.Success {
		c.flushOne(context.Background(), outcome.SourceID, state)
	}
}

func buildSnapshot(sourceID string, state *sourceState) *Aggregate {
	byCallType := make(map[model.CallType]CallTypeAggregate, len(state.byCallType))
	for ct, acc := range state.byCallType {
		avg := 0.0
		if acc.total > 0 {
			avg = acc.durationSum / float64(acc.total)
		}
		byCallType[ct] = CallTypeAggregate{
			TotalRequests:     acc.total,
			ErrorCount:        acc.errors,
			AvgResponseTimeMS: avg,
		}
	}
	successRate := 1.0
	avgDuration := 0.0
	if state.totalAll > 0 {
		successRate = float64(state.totalAll-state.errorAll) / float64(state.totalAll)
		avgDuration = state.durationSum / float64(state.totalAll)
	}
	return &Aggregate{
		SourceID:          sourceID,
		TotalRequests:     state.totalAll,
		ErrorCount:        state.errorAll,
		SuccessRate:       successRate,
		AvgResponseTimeMS: avgDuration,
		ByCallType:        byCallType,
		ObservedAt:        time.Now(),
	}
}

func (c *Collector) stateFor(sourceID string) *sourceState {
	c.mu.RLock()
	state, ok := c.states[sourceID]
	c.mu.RUnlock()
	if ok {
		return state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok = c.states[sourceID]; ok {
		return state
	}
	state = &sourceState{byCallType: make(map[model.CallType]*callTypeAccum)}
	c.states[sourceID] = state
	return state
}

// Snapshot returns the latest published aggregate for sourceID, or false
// if nothing has been recorded yet.
func (c *Collector) Snapshot(sourceID string) (Aggregate, bool) {
	c.mu.RLock()
	state, ok := c.states[sourceID]
	c.mu.RUnlock()
	if !ok {
		return Aggregate{}, false
	}
	snap := state.snapshot.Load()
	if snap == nil {
		return Aggregate{}, false
	}
	return *snap, true
}

// Recent returns the outcomes currently held in sourceID's ring, oldest
// first, for callers that need raw per-attempt history (e.g. the
// scheduler's quiet-factor calculation).
func (c *Collector) Recent(sourceID string) []model.StatsOutcome {
	state := c.stateFor(sourceID)
	state.mu.Lock()
	defer state.mu.Unlock()

	out := make([]model.StatsOutcome, state.ringLen)
	start := (state.ringHead - state.ringLen + ringSize) % ringSize
	for i := 0; i < state.ringLen; i++ {
		out[i] = state.ring[(start+i)%ringSize]
	}
	return out
}

// Flush serializes every source's aggregate to the Sink and resets
// incremental counters. The ring is retained across flushes.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.RLock()
	sources := make(map[string]*sourceState, len(c.states))
	for id, st := range c.states {
		sources[id] = st
	}
	c.mu.RUnlock()

	for id, state := range sources {
		c.flushOne(ctx, id, state)
	}
}

func (c *Collector) flushOne(ctx context.Context, sourceID string, state *sourceState) {
	if c.sink == nil {
		return
	}
	state.mu.Lock()
	snapshot := buildSnapshot(sourceID, state)
	state.totalAll = 0
	state.errorAll = 0
	state.durationSum = 0
	state.byCallType = make(map[model.CallType]*callTypeAccum)
	published := buildSnapshot(sourceID, state)
	state.mu.Unlock()

	state.snapshot.Store(published)

	if err := c.sink.Flush(ctx, *snapshot); err != nil {
		c.logger.Warn("stats flush failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

// Run drives the periodic flush loop until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}
