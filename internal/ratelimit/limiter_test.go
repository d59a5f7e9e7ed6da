package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLimiterWaitAllowsBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 2}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
}

func TestLimiterWaitThrottlesThirdCall(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 5, DefaultBurst: 1}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	require.Greater(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterSeparatesDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com"))
	require.NoError(t, l.Wait(ctx, "https://b.example.com"))
}

func TestLimiterRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Wait(ctx, "https://example.com"))
	cancel()
	err := l.Wait(ctx, "https://example.com")
	require.Error(t, err)
}

func TestLimiterSetDomainRateOverridesDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1}, zap.NewNop())
	l.SetDomainRate("fast.example.com", 1000, 10)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "https://fast.example.com"))
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
}
