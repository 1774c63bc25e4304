// Package idgen mints monotonic, time-ordered identifiers.
//
// Ids are UUIDv7 values: a 48-bit millisecond timestamp followed by random
// bits. The generator serializes minting behind a mutex and, whenever the
// clock has not advanced (or has gone backwards), issues the previous id plus
// one instead of a fresh random value. The canonical string form sorts the
// same way as the underlying bytes, so ids compare correctly as TEXT in SQL.
package idgen

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator issues strictly increasing ids. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Generator struct {
	mu   sync.Mutex
	last uuid.UUID
	now  func() time.Time
}

// New returns a generator driven by the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a generator driven by the given clock. Used by tests
// to simulate coarse or backwards-moving clocks.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns an id strictly greater than every id previously returned by g.
func (g *Generator) Next() string {
	return g.NextUUID().String()
}

// NextUUID is Next without the string conversion.
func (g *Generator) NextUUID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := fromTime(g.now())
	if compare(id, g.last) <= 0 {
		id = increment(g.last)
	}
	g.last = id
	return id
}

// Time extracts the millisecond timestamp embedded in an id.
func Time(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	var ms int64
	for _, b := range u[:6] {
		ms = ms<<8 | int64(b)
	}
	return time.UnixMilli(ms), nil
}

// fromTime builds a UUIDv7 for t with a random tail.
func fromTime(t time.Time) uuid.UUID {
	id := uuid.Must(uuid.NewRandom())
	ms := uint64(t.UnixMilli())
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	id[6] = (id[6] & 0x0f) | 0x70 // version 7
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id
}

// increment adds one to the random portion of id, carrying into the
// timestamp when the tail overflows. Version and variant bits are skipped.
func increment(id uuid.UUID) uuid.UUID {
	next := id
	for i := 15; i >= 0; i-- {
		switch i {
		case 6:
			// Low nibble only; the high nibble is the version.
			lo := next[6]&0x0f + 1
			next[6] = next[6]&0xf0 | lo&0x0f
			if lo <= 0x0f {
				return next
			}
			continue
		case 8:
			// Low six bits only; the top two are the variant.
			lo := next[8]&0x3f + 1
			next[8] = next[8]&0xc0 | lo&0x3f
			if lo <= 0x3f {
				return next
			}
			continue
		}
		next[i]++
		if next[i] != 0 {
			return next
		}
	}
	return next
}

func compare(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
