package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asyncfetch/htmlfetcher/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func TestWaitThrottlesPerDomain(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second request to the same domain waits
	// roughly one token interval (100ms).
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://one.example.com"))

	// A different domain has its own bucket and passes immediately.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://two.example.com"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "https://slow.example.com"))
	// The next token is ten seconds out; Wait must fail fast instead of
	// sleeping through the deadline.
	start := time.Now()
	err := l.Wait(ctx, "https://slow.example.com")
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}
