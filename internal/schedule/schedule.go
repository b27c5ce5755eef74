// Package schedule provides the recurrence predicates jobs are registered with.
//
// A Schedule is a pure function of the instant it is given: it answers "is
// this job due now?" and "which occurrence is this?" (the slot key). It never
// remembers that it already fired; the scheduler's ledger does that.
//
// Predicates read the wall-clock fields of the instant in the instant's own
// location. The scheduler converts its clock reading into the configured
// timezone before evaluating.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidScheduleConfig is returned (wrapped) when a schedule cannot be built.
var ErrInvalidScheduleConfig = errors.New("invalid schedule config")

// Granularity is the resolution CustomAt and Cron match at. Ticks coarser
// than this can step over an exact instant entirely.
const Granularity = time.Minute

type Schedule interface {
	// ShouldRun reports whether the schedule is due at t.
	ShouldRun(t time.Time) bool
	// SlotKey identifies the occurrence t belongs to. Two instants in the
	// same occurrence yield the same key.
	SlotKey(t time.Time) string
	String() string
}

// ---- DailyAt ----

// Daily is due during every minute of one hour of the day.
type Daily struct{ hour int }

// DailyAt builds a schedule due while the hour of day equals hour (0-23).
func DailyAt(hour int) (Daily, error) {
	if hour < 0 || hour > 23 {
		return Daily{}, errors.Wrapf(ErrInvalidScheduleConfig, "daily hour %d out of range 0-23", hour)
	}
	return Daily{hour: hour}, nil
}

func (d Daily) Hour() int                  { return d.hour }
func (d Daily) ShouldRun(t time.Time) bool { return t.Hour() == d.hour }
func (d Daily) SlotKey(t time.Time) string { return t.Format("2006-01-02") }
func (d Daily) String() string             { return fmt.Sprintf("daily:%d", d.hour) }

// ---- WeeklyOn ----

// Weekly is due on a set of weekdays. The empty set never runs.
type Weekly struct{ days [7]bool }

func WeeklyOn(days ...time.Weekday) (Weekly, error) {
	var w Weekly
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return Weekly{}, errors.Wrapf(ErrInvalidScheduleConfig, "weekday %d out of range", int(d))
		}
		w.days[d] = true
	}
	return w, nil
}

func (w Weekly) Days() []time.Weekday {
	var out []time.Weekday
	for d, on := range w.days {
		if on {
			out = append(out, time.Weekday(d))
		}
	}
	return out
}

func (w Weekly) ShouldRun(t time.Time) bool { return w.days[t.Weekday()] }

func (w Weekly) SlotKey(t time.Time) string {
	y, wk := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d-%s", y, wk, weekdayAbbrev(t.Weekday()))
}

func (w Weekly) String() string {
	names := make([]string, 0, 7)
	for _, d := range w.Days() {
		names = append(names, weekdayAbbrev(d))
	}
	return "weekly:" + strings.Join(names, ",")
}

func weekdayAbbrev(d time.Weekday) string { return strings.ToLower(d.String()[:3]) }

// ---- HourlyAtMinuteZero ----

// Hourly is due at minute zero of every hour.
type Hourly struct{}

func HourlyAtMinuteZero() Hourly { return Hourly{} }

func (Hourly) ShouldRun(t time.Time) bool { return t.Minute() == 0 }
// SlotKey carries the zone offset so the repeated hour of a DST fall-back
// is a separate occurrence.
func (Hourly) SlotKey(t time.Time) string { return t.Format("2006-01-02T15Z07:00") }
func (Hourly) String() string             { return "hourly" }

// ---- CustomAt ----

// Custom is due at an explicit set of instants, matched at Granularity.
type Custom struct {
	set    map[int64]struct{}
	sorted []time.Time
}

// CustomAt builds a schedule due at each of instants. Instants are truncated
// to Granularity; duplicates collapse.
func CustomAt(instants ...time.Time) Custom {
	c := Custom{set: make(map[int64]struct{}, len(instants))}
	for _, in := range instants {
		m := in.Truncate(Granularity)
		k := m.Unix()
		if _, dup := c.set[k]; dup {
			continue
		}
		c.set[k] = struct{}{}
		c.sorted = append(c.sorted, m)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i].Before(c.sorted[j]) })
	return c
}

func (c Custom) Instants() []time.Time { return append([]time.Time(nil), c.sorted...) }

func (c Custom) ShouldRun(t time.Time) bool {
	_, ok := c.set[t.Truncate(Granularity).Unix()]
	return ok
}

func (c Custom) SlotKey(t time.Time) string {
	return t.Truncate(Granularity).UTC().Format(time.RFC3339)
}

// Next returns the first instant strictly after t, or the zero time.
func (c Custom) Next(t time.Time) time.Time {
	i := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i].After(t) })
	if i == len(c.sorted) {
		return time.Time{}
	}
	return c.sorted[i]
}

func (c Custom) String() string {
	parts := make([]string, 0, len(c.sorted))
	for _, t := range c.sorted {
		parts = append(parts, t.Format(time.RFC3339))
	}
	return "at:" + strings.Join(parts, ",")
}
