package ratelimit

import (
	"context"
	"sync"
	"time"
)

// allowance is the handshake budget left for one client address.
type allowance struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter implements Limiter with one token bucket per client
// address, held in process memory. Each hub instance limits the handshakes
// it receives itself; peers behind the same address share a bucket.
//
// An address starts with burst handshakes and regains rate per second up to
// burst again. Addresses that have not attempted a handshake for
// staleThreshold are forgotten by a background sweep.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu     sync.Mutex
	byAddr map[string]*allowance

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate handshakes per second per
// address with bursts of up to burst. Close stops its sweep goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return newMemoryLimiter(rate, burst, time.Now)
}

func newMemoryLimiter(rate float64, burst int, now func() time.Time) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:   rate,
		burst:  float64(burst),
		now:    now,
		byAddr: make(map[string]*allowance),
		done:   make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Len returns the number of addresses currently tracked.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAddr)
}

// Allow spends one handshake from addr's allowance. It never returns an
// error; the signature matches Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a, ok := m.byAddr[addr]
	if !ok {
		m.byAddr[addr] = &allowance{tokens: m.burst - 1, lastSeen: now}
		return true, nil
	}

	a.tokens = min(m.burst, a.tokens+now.Sub(a.lastSeen).Seconds()*m.rate)
	a.lastSeen = now
	if a.tokens < 1 {
		return false, nil
	}
	a.tokens--
	return true, nil
}

// Close stops the sweep goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const (
	staleThreshold = 10 * time.Minute
	sweepInterval  = time.Minute
)

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale forgets addresses idle for longer than staleThreshold. A
// forgotten address starts again with a full burst.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for addr, a := range m.byAddr {
		if a.lastSeen.Before(cutoff) {
			delete(m.byAddr, addr)
		}
	}
}
