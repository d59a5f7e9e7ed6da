// Package scheduler computes per-source fetch deadlines from outcome
// history and dispatches due sources to the fetch engine on a tick loop.
package scheduler

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/clock"
	"github.com/heatlink/fetchengine/internal/model"
)

const (
	// DefaultTick is how often the scheduler wakes to check for due
	// sources, absent an earlier explicit deadline.
	DefaultTick = time.Second
	// DefaultMaxConcurrent bounds how many dispatches the scheduler lets
	// run at once, independent of however many sources are due.
	DefaultMaxConcurrent = 8

	minInterval = 60 * time.Second
	maxInterval = time.Hour
)

// Outcome is what the engine reports back after a scheduler-initiated
// fetch, carrying just what the backoff formula needs.
type Outcome struct {
	Success     bool
	DurationMS  int64
	UnseenCount int
}

// Engine is the narrow surface the scheduler dispatches through. The fetch
// engine implements this; tests substitute a fake.
type Engine interface {
	InFlight(sourceID string) bool
	FetchSource(ctx context.Context, sourceID string, callType model.CallType) (Outcome, error)
}

// Config configures tick cadence and dispatch concurrency.
type Config struct {
	Tick          time.Duration
	MaxConcurrent int
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
}

type sourceState struct {
	desc                model.SourceDescriptor
	nextDueAt           time.Time
	consecutiveFailures int
	// pending is set the instant dispatch commits to launching a fetch and
	// cleared when NotifyOutcome lands. While true, nextDueAt is stale (it
	// won't move until the outcome arrives) and must not be treated as the
	// earliest wake deadline or re-selected by tick — otherwise the
	// scheduler busy-spins at wait=0 for the entire duration of the fetch.
	pending bool
}

// Scheduler holds the adaptive due-time for every registered source and
// dispatches due ones to the Engine, bounded by a global semaphore.
type Scheduler struct {
	mu      sync.Mutex
	sources map[string]*sourceState

	engine Engine
	clk    clock.Clock
	rng    clock.RNG
	cfg    Config
	logger *zap.Logger
	sem    chan struct{}
}

// New builds a Scheduler with no sources registered yet; call Upsert for
// each source the caller wants scheduled.
func New(engine Engine, clk clock.Clock, rng clock.RNG, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sources: make(map[string]*sourceState),
		engine:  engine,
		clk:     clk,
		rng:     rng,
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Upsert registers or replaces a source's static descriptor. A newly added
// source gets its initial due time jittered across [0, update_interval) to
// avoid a thundering herd on startup; an update to an already-scheduled
// source keeps its existing due time.
func (s *Scheduler) Upsert(desc model.SourceDescriptor) {
	canonical := model.CanonicalSourceID(desc.SourceID)
	desc.SourceID = canonical

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[canonical]; ok {
		existing.desc = desc
		return
	}
	s.sources[canonical] = &sourceState{
		desc:      desc,
		nextDueAt: s.clk.Now().Add(s.rng.Jitter(desc.UpdateInterval())),
	}
}

// Remove drops a source from scheduling.
func (s *Scheduler) Remove(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, model.CanonicalSourceID(sourceID))
}

// NextDueAt reports a scheduled source's current due time.
func (s *Scheduler) NextDueAt(sourceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sources[model.CanonicalSourceID(sourceID)]
	if !ok {
		return time.Time{}, false
	}
	return st.nextDueAt, true
}

// Run blocks, waking every tick (or on the earliest due deadline if
// sooner) to dispatch due sources, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.untilNextWake()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) untilNextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	earliest := s.clk.Now().Add(s.cfg.Tick)
	for id, st := range s.sources {
		if st.pending || s.engine.InFlight(id) {
			continue
		}
		if st.nextDueAt.Before(earliest) {
			earliest = st.nextDueAt
		}
	}
	wait := earliest.Sub(s.clk.Now())
	if wait < 0 {
		wait = 0
	}
	if wait > s.cfg.Tick {
		wait = s.cfg.Tick
	}
	return wait
}

// tick dispatches every source whose due time has passed, highest
// priority first, ties broken by the oldest due time. Sources already
// pending or in flight are skipped: their nextDueAt is stale until the
// outcome lands, so re-selecting them here would just bounce straight
// back into dispatch's InFlight check every tick.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clk.Now()

	s.mu.Lock()
	due := make([]*sourceState, 0)
	for id, st := range s.sources {
		if st.pending || s.engine.InFlight(id) {
			continue
		}
		if !st.nextDueAt.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].desc.Priority != due[j].desc.Priority {
			return due[i].desc.Priority > due[j].desc.Priority
		}
		return due[i].nextDueAt.Before(due[j].nextDueAt)
	})

	for _, st := range due {
		s.dispatch(ctx, st)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, st *sourceState) {
	sourceID := st.desc.SourceID
	if s.engine.InFlight(sourceID) {
		// Already running (e.g. an external caller triggered it); leave
		// the due time untouched so this tick carries no penalty.
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		// At capacity this tick; try again next tick.
		return
	}

	// Mark pending synchronously, before the fetch goroutine is even
	// scheduled to run, so the very next untilNextWake/tick already
	// excludes this source instead of racing its InFlight flag.
	s.mu.Lock()
	st.pending = true
	s.mu.Unlock()

	go func() {
		defer func() { <-s.sem }()

		// The engine calls NotifyOutcome itself as part of leaderFetch,
		// win or lose, before FetchSource returns here — that single
		// notification path covers scheduler-triggered fetches and
		// externally-triggered ones alike, so nothing further is needed
		// with the return value.
		_, _ = s.engine.FetchSource(ctx, sourceID, model.CallTypeInternal)

		// NotifyOutcome already cleared pending on the normal path. This
		// only fires when FetchSource returned without ever reaching
		// leaderFetch (e.g. the engine is shutting down), so pending
		// doesn't stick forever and strand the source out of scheduling.
		s.mu.Lock()
		if st, ok := s.sources[sourceID]; ok {
			st.pending = false
		}
		s.mu.Unlock()
	}()
}

// NotifyOutcome advances a source's state machine and recomputes its next
// due time from the backoff formula. It is the engine's single callback
// point after any leader fetch completes, whether dispatched by this
// scheduler or triggered directly by a caller of GetNews.
func (s *Scheduler) NotifyOutcome(sourceID string, outcome Outcome) {
	s.mu.Lock()
	st, ok := s.sources[sourceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if outcome.Success {
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
	}
	desc := st.desc
	failures := st.consecutiveFailures
	s.mu.Unlock()

	interval := computeInterval(desc.UpdateInterval(), failures, outcome.DurationMS, outcome.UnseenCount, outcome.Success, desc.AdaptiveEnabled)
	nextDueAt := s.clk.Now().Add(s.rng.JitterRange(interval, -0.1, 0.1))

	s.mu.Lock()
	if st, ok := s.sources[sourceID]; ok {
		st.nextDueAt = nextDueAt
		st.pending = false
	}
	s.mu.Unlock()
}

// computeInterval implements the §4.6 backoff formula: exponential penalty
// for consecutive failures, a slowness penalty for long fetches, and a
// freshness reward/penalty from how many items were genuinely new. The
// freshness factor is defined over the last successful fetch, so a failed
// fetch — which never produced items to count as unseen — backs off on the
// error factor alone and holds freshness neutral. Disabled sources skip all
// three factors and always use the base interval.
func computeInterval(base time.Duration, consecutiveFailures int, durationMS int64, unseenCount int, success bool, adaptiveEnabled bool) time.Duration {
	interval := base
	if adaptiveEnabled {
		eb := consecutiveFailures
		if eb > 5 {
			eb = 5
		}
		factorErr := math.Pow(2, float64(eb))
		factorSlow := 1 + clampFloat((float64(durationMS)-1000)/10_000, 0, 2)
		factorQuiet := 1.0
		if success {
			factorQuiet = quietFactor(unseenCount)
		}

		interval = time.Duration(float64(base) * factorErr * factorSlow * factorQuiet)
		if interval < base {
			interval = base
		}
		if interval > 8*base {
			interval = 8 * base
		}
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return interval
}

func quietFactor(unseenCount int) float64 {
	switch {
	case unseenCount >= 5:
		return 1.0
	case unseenCount >= 1:
		return 1.5
	default:
		return 2.0
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
