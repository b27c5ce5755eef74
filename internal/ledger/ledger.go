// Package ledger records which (registration, slot) pairs have already fired.
//
// It is the dedupe guard that turns a schedule predicate that stays true for
// a whole hour (or day) into a single fire per occurrence.
package ledger

import (
	"sync"
	"time"
)

// DefaultHorizon keeps entries a little longer than the longest recurring
// period (one week).
const DefaultHorizon = 8 * 24 * time.Hour

type key struct {
	id   string
	slot string
}

type Ledger struct {
	mu        sync.Mutex
	horizon   time.Duration
	fired     map[key]time.Time
	highWater time.Time
}

func New(horizon time.Duration) *Ledger {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Ledger{horizon: horizon, fired: make(map[key]time.Time)}
}

// MarkIfNew records (id, slot) as fired at `at` and reports true, or reports
// false if the pair was already recorded.
func (l *Ledger) MarkIfNew(id, slot string, at time.Time) bool {
	k := key{id: id, slot: slot}
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.After(l.highWater) {
		l.highWater = at
	}
	if _, ok := l.fired[k]; ok {
		return false
	}
	l.fired[k] = at
	return true
}

// Fired reports whether (id, slot) is recorded.
func (l *Ledger) Fired(id, slot string) bool {
	l.mu.Lock()
	_, ok := l.fired[key{id: id, slot: slot}]
	l.mu.Unlock()
	return ok
}

// Prune drops entries recorded before the retention window and returns how
// many were removed. The window ends at the latest instant ever seen, so a
// clock that jumps backwards never shortens retention.
func (l *Ledger) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.After(l.highWater) {
		l.highWater = now
	}
	cutoff := l.highWater.Add(-l.horizon)
	n := 0
	for k, at := range l.fired {
		if at.Before(cutoff) {
			delete(l.fired, k)
			n++
		}
	}
	return n
}

// Forget removes every slot recorded for id.
func (l *Ledger) Forget(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.fired {
		if k.id == id {
			delete(l.fired, k)
			n++
		}
	}
	return n
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fired)
}

func (l *Ledger) Horizon() time.Duration { return l.horizon }
