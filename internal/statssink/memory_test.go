package statssink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heatlink/fetchengine/internal/stats"
)

func TestMemoryFlushThenGet(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	snap := stats.Aggregate{SourceID: "demo", TotalRequests: 5}

	require.NoError(t, m.Flush(context.Background(), snap))

	got, ok := m.Get("demo")
	require.True(t, ok)
	require.Equal(t, int64(5), got.TotalRequests)
}

func TestMemoryGetUnknownSourceIsFalse(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	_, ok := m.Get("missing")
	require.False(t, ok)
}

func TestMemoryFlushOverwritesPreviousSnapshot(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Flush(context.Background(), stats.Aggregate{SourceID: "demo", TotalRequests: 1}))
	require.NoError(t, m.Flush(context.Background(), stats.Aggregate{SourceID: "demo", TotalRequests: 2}))

	got, ok := m.Get("demo")
	require.True(t, ok)
	require.Equal(t, int64(2), got.TotalRequests)
}
