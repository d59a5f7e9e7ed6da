package emitter

import (
	"context"
	"sync"

	"github.com/heatlink/fetchengine/internal/model"
)

// Batch captures one Emit call's surviving (deduped) items.
type Batch struct {
	CallType model.CallType
	Items    []model.NewsItem
}

// Memory records every emitted batch for inspection, deduping against
// every item id it has ever seen rather than just within one batch.
type Memory struct {
	mu      sync.RWMutex
	seen    map[string]struct{}
	batches []Batch
}

// NewMemory returns a Memory emitter with nothing emitted yet.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

// Emit drops items already emitted in an earlier call and records the rest.
// A batch that dedupes down to nothing is not recorded.
func (m *Memory) Emit(_ context.Context, items []model.NewsItem, callType model.CallType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make([]model.NewsItem, 0, len(items))
	for _, it := range dedupeByID(items) {
		if _, ok := m.seen[it.ID]; ok {
			continue
		}
		m.seen[it.ID] = struct{}{}
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return nil
	}
	m.batches = append(m.batches, Batch{CallType: callType, Items: fresh})
	return nil
}

// Batches returns a copy of every batch recorded so far.
func (m *Memory) Batches() []Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Batch, len(m.batches))
	copy(out, m.batches)
	return out
}
