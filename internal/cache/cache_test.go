package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/model"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func items(n int) []model.NewsItem {
	out := make([]model.NewsItem, n)
	for i := range out {
		out[i] = model.NewsItem{ID: string(rune('a' + i)), Title: "t", URL: "https://example.com"}
	}
	return out
}

func newTestCache() (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	return New(clk, nil, zap.NewNop()), clk
}

func TestCacheLookupMissThenHit(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache()
	ctx := context.Background()

	_, _, valid := c.Lookup(ctx, "demo", 60*time.Second)
	require.False(t, valid)

	c.Update(ctx, "demo", items(3), UpdateOutcome{Success: true}, 0.30, 60*time.Second)

	got, age, valid := c.Lookup(ctx, "demo", 60*time.Second)
	require.True(t, valid)
	require.Len(t, got, 3)
	require.Equal(t, time.Duration(0), age)

	clk.now = clk.now.Add(70 * time.Second)
	_, age, valid = c.Lookup(ctx, "demo", 60*time.Second)
	require.False(t, valid)
	require.Equal(t, 70*time.Second, age)
}

func TestCacheProtectionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		curCount        int
		newCount        int
		success         bool
		shrinkThreshold float64
		wantProtected   bool
	}{
		{"failure with warm cache protects", 10, 0, false, 0.30, true},
		{"failure with cold cache commits empty", 0, 0, false, 0.30, false},
		{"success empty with warm cache protects", 10, 0, true, 0.30, true},
		{"success shrink below threshold protects", 10, 2, true, 0.30, true},
		{"success normal replaces", 10, 10, true, 0.30, false},
		{"success zero with cold cache commits empty", 0, 0, true, 0.30, false},
		{"boundary cur=5 new=1 no shrink protection", 5, 1, true, 0.30, false},
		{"boundary cur=6 new=1 shrink protection (16.7%)", 6, 1, true, 0.30, true},
		{"boundary cur=6 new=2 no shrink protection (33.3%)", 6, 2, true, 0.30, false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, _ := newTestCache()
			ctx := context.Background()
			if tc.curCount > 0 {
				c.Update(ctx, "demo", items(tc.curCount), UpdateOutcome{Success: true}, 0.30, time.Minute)
			}
			committed := c.Update(ctx, "demo", items(tc.newCount), UpdateOutcome{Success: tc.success}, tc.shrinkThreshold, time.Minute)

			if tc.wantProtected {
				require.Len(t, committed, tc.curCount)
			} else {
				require.Len(t, committed, tc.newCount)
			}
		})
	}
}

func TestCacheUpdateThenLookupRoundTrips(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache()
	ctx := context.Background()
	committed := c.Update(ctx, "demo", items(4), UpdateOutcome{Success: true}, 0.30, time.Minute)
	require.Len(t, committed, 4)

	got, _, valid := c.Lookup(ctx, "demo", time.Minute)
	require.True(t, valid)
	require.Equal(t, committed, got)
}

func TestCacheShrinkProtectionIncrementsCounter(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache()
	ctx := context.Background()
	c.Update(ctx, "demo", items(10), UpdateOutcome{Success: true}, 0.30, time.Minute)
	c.Update(ctx, "demo", items(2), UpdateOutcome{Success: true}, 0.30, time.Minute)

	status, ok := c.StatusOf("demo")
	require.True(t, ok)
	require.Equal(t, int64(1), status.Protection.ShrinkProtectionCount)
	require.Equal(t, 10, status.Size)
}

func TestCacheErrorProtectionIncrementsCounter(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache()
	ctx := context.Background()
	c.Update(ctx, "demo", items(10), UpdateOutcome{Success: true}, 0.30, time.Minute)
	c.Update(ctx, "demo", nil, UpdateOutcome{Success: false}, 0.30, time.Minute)

	status, ok := c.StatusOf("demo")
	require.True(t, ok)
	require.Equal(t, int64(1), status.Protection.ErrorProtectionCount)
	require.Equal(t, 10, status.Size)
}

func TestCacheClearRemovesEntry(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache()
	ctx := context.Background()
	c.Update(ctx, "demo", items(3), UpdateOutcome{Success: true}, 0.30, time.Minute)
	c.Clear(ctx, "demo")

	_, ok := c.StatusOf("demo")
	require.False(t, ok)
}

func TestCacheColdStartReadsFromShared(t *testing.T) {
	t.Parallel()

	shared := NewNoopShared()
	clk := &fakeClock{now: time.Unix(0, 0)}
	primary := New(clk, shared, zap.NewNop())
	ctx := context.Background()
	primary.Update(ctx, "demo", items(3), UpdateOutcome{Success: true}, 0.30, time.Minute)

	secondary := New(clk, shared, zap.NewNop())
	got, _, valid := secondary.Lookup(ctx, "demo", time.Minute)
	require.True(t, valid)
	require.Len(t, got, 3)
}

func TestCacheUnseenCount(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache()
	ctx := context.Background()
	c.Update(ctx, "demo", items(3), UpdateOutcome{Success: true}, 0.30, time.Minute)

	unseen := c.UnseenCount("demo", items(5))
	require.Equal(t, 2, unseen)
}
