package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newMemoryLimiter(rate, burst, clk.Now)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clk
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "10.0.0.1", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clk := newTestLimiter(t, 2, 2)
	require.Equal(t, 2, allowN(t, m, "k", 3))

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2), "half a second at 2/s refills one token")
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clk := newTestLimiter(t, 1000, 3)
	allowN(t, m, "k", 1)
	clk.Advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "k", 5))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 50)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for i := 0; i < 10; i++ {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					n++
				}
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total, "frozen clock allows exactly the burst")
}

func TestMemoryLimiterEvictsStaleKeys(t *testing.T) {
	m, clk := newTestLimiter(t, 10, 5)
	allowN(t, m, "stale", 1)
	clk.Advance(staleThreshold + time.Second)
	allowN(t, m, "fresh", 1)

	m.evictStale()
	assert.Equal(t, 1, m.Len())
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
