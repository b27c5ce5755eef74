package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Parse builds a Schedule from its config string.
//
// Supported forms:
//   - "hourly"
//   - "daily:H" with H in 0-23
//   - "weekly:mon,wed,fri" ("weekly:" alone is legal and never runs)
//   - "at:2026-10-19T09:30,2026-10-20T09:30" (RFC3339 or local minute in loc)
//   - "cron:<expr>", or any string with whitespace or a leading '@'
//
// loc is used for "at:" instants without an offset. nil means UTC.
func Parse(raw string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.Wrap(ErrInvalidScheduleConfig, "schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case low == "hourly":
		return HourlyAtMinuteZero(), nil
	case strings.HasPrefix(low, "daily:"):
		v := strings.TrimSpace(s[len("daily:"):])
		h, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidScheduleConfig, "daily hour %q is not a number", v)
		}
		d, err := DailyAt(h)
		if err != nil {
			return nil, err
		}
		return d, nil
	case strings.HasPrefix(low, "weekly:"):
		days, err := parseWeekdays(s[len("weekly:"):])
		if err != nil {
			return nil, err
		}
		w, err := WeeklyOn(days...)
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.HasPrefix(low, "at:"):
		instants, err := parseInstants(s[len("at:"):], loc)
		if err != nil {
			return nil, err
		}
		return CustomAt(instants...), nil
	case strings.HasPrefix(low, "cron:"):
		return parseCron(s[len("cron:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}

	return nil, errors.Wrapf(ErrInvalidScheduleConfig,
		"unknown schedule %q (use hourly, daily:H, weekly:mon,fri, at:<time>, or a cron expression)", raw)
}

func parseCron(expr string) (Schedule, error) {
	c, err := CronExpr(expr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekdays(v string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(v, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		d, ok := weekdayNames[p]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidScheduleConfig, "unknown weekday %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

const localMinuteLayout = "2006-01-02T15:04"

func parseInstants(v string, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, part := range strings.Split(v, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p)
		if err != nil {
			t, err = time.ParseInLocation(localMinuteLayout, p, loc)
		}
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidScheduleConfig, "instant %q (use RFC3339 or %s)", p, localMinuteLayout)
		}
		if !t.Truncate(Granularity).Equal(t) {
			return nil, errors.Wrapf(ErrInvalidScheduleConfig, "instant %q is finer than one minute", p)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrInvalidScheduleConfig, "at: requires at least one instant")
	}
	return out, nil
}

// Upcoming returns up to n instants after from at which s starts a new
// occurrence, looking no further than horizon. It is a preview for
// operators; the scheduler itself never calls it.
func Upcoming(s Schedule, from time.Time, n int, horizon time.Duration) []time.Time {
	if s == nil || n <= 0 {
		return nil
	}
	end := from.Add(horizon)

	if nx, ok := s.(interface{ Next(time.Time) time.Time }); ok {
		var out []time.Time
		t := from
		for len(out) < n {
			t = nx.Next(t)
			if t.IsZero() || t.After(end) {
				break
			}
			out = append(out, t)
		}
		return out
	}

	var out []time.Time
	lastSlot := ""
	if s.ShouldRun(from) {
		lastSlot = s.SlotKey(from)
	}
	t := from.Truncate(Granularity).Add(Granularity)
	for ; !t.After(end) && len(out) < n; t = t.Add(Granularity) {
		if !s.ShouldRun(t) {
			continue
		}
		if key := s.SlotKey(t); key != lastSlot {
			lastSlot = key
			out = append(out, t)
		}
	}
	return out
}
