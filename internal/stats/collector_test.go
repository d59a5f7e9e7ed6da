package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/model"
)

type fakeSink struct {
	mu        sync.Mutex
	snapshots []Aggregate
}

func (f *fakeSink) Flush(_ context.Context, snapshot Aggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshot)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func outcome(sourceID string, success bool, durationMS int64) model.StatsOutcome {
	return model.StatsOutcome{
		SourceID:    sourceID,
		Success:     success,
		DurationMS:  durationMS,
		ItemCount:   1,
		APICallType: model.CallTypeInternal,
	}
}

func TestCollectorRecordUpdatesSnapshot(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{}, zap.NewNop())
	c.Record(outcome("demo", true, 100))
	c.Record(outcome("demo", true, 300))

	snap, ok := c.Snapshot("demo")
	require.True(t, ok)
	require.Equal(t, int64(2), snap.TotalRequests)
	require.InDelta(t, 200, snap.AvgResponseTimeMS, 0.001)
	require.Equal(t, 1.0, snap.SuccessRate)
}

func TestCollectorRecordTracksErrors(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{}, zap.NewNop())
	c.Record(outcome("demo", true, 100))
	c.Record(outcome("demo", false, 200))

	snap, ok := c.Snapshot("demo")
	require.True(t, ok)
	require.Equal(t, int64(1), snap.ErrorCount)
	require.InDelta(t, 0.5, snap.SuccessRate, 0.001)
}

func TestCollectorFailureTriggersImmediateFlush(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	c := New(sink, Config{FlushInterval: time.Hour}, zap.NewNop())
	c.Record(outcome("demo", false, 50))

	require.Equal(t, 1, sink.count())
}

func TestCollectorFlushResetsIncrementalCountersButKeepsRing(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	c := New(sink, Config{FlushInterval: time.Hour}, zap.NewNop())
	c.Record(outcome("demo", true, 100))
	c.Record(outcome("demo", true, 200))

	c.Flush(context.Background())

	snap, ok := c.Snapshot("demo")
	require.True(t, ok)
	require.Equal(t, int64(0), snap.TotalRequests)

	require.Len(t, c.Recent("demo"), 2)
}

func TestCollectorRingCapsAtMaxSize(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{}, zap.NewNop())
	for i := 0; i < ringSize+10; i++ {
		c.Record(outcome("demo", true, 1))
	}
	require.Len(t, c.Recent("demo"), ringSize)
}

func TestCollectorSnapshotUnknownSourceIsFalse(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{}, zap.NewNop())
	_, ok := c.Snapshot("missing")
	require.False(t, ok)
}

func TestCollectorByCallTypeBreaksDownOutcomes(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{}, zap.NewNop())
	c.Record(outcome("demo", true, 100))
	ext := outcome("demo", true, 50)
	ext.APICallType = model.CallTypeExternal
	c.Record(ext)

	snap, ok := c.Snapshot("demo")
	require.True(t, ok)
	require.Equal(t, int64(1), snap.ByCallType[model.CallTypeInternal].TotalRequests)
	require.Equal(t, int64(1), snap.ByCallType[model.CallTypeExternal].TotalRequests)
}
