// Package clock abstracts the source of the current instant so the
// scheduler can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Fake is a manually driven clock. The zero value reports the zero time.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{now: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t, backwards included.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new instant.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// NextBoundary returns the first instant strictly after now that is a whole
// multiple of interval counted from local midnight of now's day.
//
// Waiting for the boundary instead of sleeping a fixed interval keeps ticks
// anchored to the wall clock (e.g. hh:mm:00 for a one minute interval), so
// execution time of a tick never accumulates into drift.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	if elapsed < 0 {
		elapsed = 0
	}
	next := midnight.Add((elapsed/interval + 1) * interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
