package ledger

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)

func TestMarkIfNew(t *testing.T) {
	t.Parallel()
	l := New(0)
	assert.Equal(t, DefaultHorizon, l.Horizon())

	assert.True(t, l.MarkIfNew("a", "2026-10-19", t0))
	assert.False(t, l.MarkIfNew("a", "2026-10-19", t0.Add(55*time.Second)))
	assert.True(t, l.MarkIfNew("b", "2026-10-19", t0))
	assert.True(t, l.MarkIfNew("a", "2026-10-20", t0.Add(24*time.Hour)))
	assert.True(t, l.Fired("a", "2026-10-19"))
	assert.Equal(t, 3, l.Len())
}

func TestMarkIfNewIsAtomic(t *testing.T) {
	t.Parallel()
	l := New(time.Hour)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.MarkIfNew("id", "slot", t0) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestPruneUsesHighWater(t *testing.T) {
	t.Parallel()
	l := New(48 * time.Hour)
	l.MarkIfNew("a", "d1", t0)
	l.MarkIfNew("a", "d2", t0.Add(24*time.Hour))
	l.MarkIfNew("a", "d4", t0.Add(72*time.Hour))

	// Clock went backwards: retention is still measured from the latest instant.
	assert.Equal(t, 1, l.Prune(t0))
	assert.False(t, l.Fired("a", "d1"))
	assert.True(t, l.Fired("a", "d2"))
	assert.True(t, l.Fired("a", "d4"))
}

func TestForget(t *testing.T) {
	t.Parallel()
	l := New(time.Hour)
	l.MarkIfNew("a", "s1", t0)
	l.MarkIfNew("a", "s2", t0)
	l.MarkIfNew("b", "s1", t0)
	assert.Equal(t, 2, l.Forget("a"))
	assert.Equal(t, 1, l.Len())
}
