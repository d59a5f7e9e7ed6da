// Package statssink implements the Stats Sink backends the Stats
// Collector flushes aggregates to.
package statssink

import (
	"context"
	"sync"

	"github.com/heatlink/fetchengine/internal/stats"
)

// Memory is an in-process Sink used for tests and for operation without a
// database.
type Memory struct {
	mu       sync.Mutex
	bySource map[string]stats.Aggregate
}

// NewMemory builds an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{bySource: make(map[string]stats.Aggregate)}
}

// Flush implements stats.Sink.
func (m *Memory) Flush(_ context.Context, snapshot stats.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySource[snapshot.SourceID] = snapshot
	return nil
}

// Get returns the last flushed snapshot for sourceID.
func (m *Memory) Get(sourceID string) (stats.Aggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.bySource[sourceID]
	return snap, ok
}
