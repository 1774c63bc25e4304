package idgen

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsStrictlyIncreasingWithFrozenClock(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	g := NewWithClock(func() time.Time { return frozen })

	prev := g.Next()
	for i := 0; i < 10_000; i++ {
		next := g.Next()
		require.Greater(t, next, prev, "iteration %d", i)
		prev = next
	}
}

func TestNextSurvivesClockGoingBackwards(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	g := NewWithClock(func() time.Time { return now })

	a := g.Next()
	now = now.Add(-time.Hour)
	b := g.Next()
	assert.Greater(t, b, a)
}

func TestNextEmbedsTimestamp(t *testing.T) {
	at := time.UnixMilli(1_700_000_123_456)
	g := NewWithClock(func() time.Time { return at })

	got, err := Time(g.Next())
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.UnixMilli())
}

func TestNextConcurrentMintingHasNoDuplicates(t *testing.T) {
	g := New()

	const workers, perWorker = 16, 500
	var (
		mu     sync.Mutex
		issued []string
		wg     sync.WaitGroup
	)
	// Record ids in the order the generator hands them out by minting and
	// appending under the same lock.
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				mu.Lock()
				issued = append(issued, g.Next())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, issued, workers*perWorker)
	assert.True(t, sort.StringsAreSorted(issued), "ids must sort in minting order")

	seen := make(map[string]struct{}, len(issued))
	for _, id := range issued {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestIncrementCarriesPastVariantBits(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	g := NewWithClock(func() time.Time { return frozen })
	first := g.NextUUID()

	// Force everything after the timestamp to its maximum so no fresh id for
	// the same millisecond can beat it and the increment has to carry.
	first[6] = 0x7f
	first[7] = 0xff
	first[8] = 0xbf
	for i := 9; i < 16; i++ {
		first[i] = 0xff
	}
	g.last = first

	next := g.NextUUID()
	assert.Equal(t, byte(0x80), next[8]&0xc0, "variant bits preserved")
	assert.Equal(t, byte(0x70), next[6]&0xf0, "version bits preserved")
	assert.Equal(t, 1, compare(next, first))

	ts, err := Time(next.String())
	require.NoError(t, err)
	assert.Equal(t, frozen.UnixMilli()+1, ts.UnixMilli(), "carry lands in the timestamp")
}
