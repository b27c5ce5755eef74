package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func at(h, m int) time.Time {
	// 2026-10-19 is a Monday.
	return time.Date(2026, time.October, 19, h, m, 0, 0, time.UTC)
}

func TestDailyAt(t *testing.T) {
	t.Parallel()
	d, err := DailyAt(9)
	if err != nil {
		t.Fatalf("DailyAt(9): %v", err)
	}
	tests := []struct {
		in   time.Time
		want bool
	}{
		{at(9, 0), true},
		{at(9, 59), true},
		{at(8, 59), false},
		{at(10, 0), false},
	}
	for _, tt := range tests {
		if got := d.ShouldRun(tt.in); got != tt.want {
			t.Fatalf("ShouldRun(%s) = %v, want %v", tt.in.Format("15:04"), got, tt.want)
		}
	}
	if d.SlotKey(at(9, 0)) != d.SlotKey(at(9, 59)) {
		t.Fatal("instants in the same day must share a slot")
	}
	if got := d.SlotKey(at(9, 0)); got != "2026-10-19" {
		t.Fatalf("SlotKey = %q", got)
	}
}

func TestDailyAtRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	for _, h := range []int{-1, 24, 100} {
		_, err := DailyAt(h)
		if !errors.Is(err, ErrInvalidScheduleConfig) {
			t.Fatalf("DailyAt(%d) err = %v, want ErrInvalidScheduleConfig", h, err)
		}
	}
}

func TestHourlyAtMinuteZero(t *testing.T) {
	t.Parallel()
	h := HourlyAtMinuteZero()
	if !h.ShouldRun(at(14, 0)) {
		t.Fatal("14:00 should run")
	}
	if h.ShouldRun(at(14, 1)) {
		t.Fatal("14:01 should not run")
	}
	if got := h.SlotKey(at(14, 0)); got != "2026-10-19T14Z" {
		t.Fatalf("SlotKey = %q", got)
	}
}

func TestHourlyFallBackHasTwoOneOClockSlots(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	h := HourlyAtMinuteZero()
	// 2026-11-01 is the US fall-back day: 01:00 EDT (05:00Z), then 01:00 EST (06:00Z).
	edt := time.Date(2026, 11, 1, 5, 0, 0, 0, time.UTC).In(ny)
	est := time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC).In(ny)
	if edt.Hour() != 1 || est.Hour() != 1 {
		t.Fatalf("want two 01:00 wall clocks, got %s and %s", edt, est)
	}
	if !h.ShouldRun(edt) || !h.ShouldRun(est) {
		t.Fatal("both 01:00 hours should run")
	}
	if a, b := h.SlotKey(edt), h.SlotKey(est); a == b {
		t.Fatalf("repeated hour shares slot %q", a)
	}
	if got := h.SlotKey(est); got != "2026-11-01T01-05:00" {
		t.Fatalf("SlotKey = %q", got)
	}
}

func TestWeeklyOn(t *testing.T) {
	t.Parallel()
	w, err := WeeklyOn(time.Monday)
	if err != nil {
		t.Fatal(err)
	}
	for h := 0; h < 24; h += 5 {
		if !w.ShouldRun(at(h, 17)) {
			t.Fatalf("monday %02d:17 should run", h)
		}
	}
	tuesday := at(10, 0).AddDate(0, 0, 1)
	if w.ShouldRun(tuesday) {
		t.Fatal("tuesday should not run")
	}
	if got := w.SlotKey(at(10, 0)); got != "2026-W43-mon" {
		t.Fatalf("SlotKey = %q", got)
	}
	if got := w.String(); got != "weekly:mon" {
		t.Fatalf("String = %q", got)
	}
}

func TestWeeklyOnEmptyNeverRuns(t *testing.T) {
	t.Parallel()
	w, err := WeeklyOn()
	if err != nil {
		t.Fatalf("empty weekday set must be legal: %v", err)
	}
	for d := 0; d < 7; d++ {
		if w.ShouldRun(at(12, 0).AddDate(0, 0, d)) {
			t.Fatal("empty set must never run")
		}
	}
}

func TestCustomAt(t *testing.T) {
	t.Parallel()
	c := CustomAt(at(9, 30), at(17, 0), at(9, 30))
	if len(c.Instants()) != 2 {
		t.Fatalf("duplicates must collapse, got %d", len(c.Instants()))
	}
	if !c.ShouldRun(at(9, 30)) || !c.ShouldRun(at(9, 30).Add(20*time.Second)) {
		t.Fatal("09:30 minute should run")
	}
	if c.ShouldRun(at(9, 31)) {
		t.Fatal("09:31 should not run")
	}
	if got := c.Next(at(10, 0)); !got.Equal(at(17, 0)) {
		t.Fatalf("Next = %v", got)
	}
	if got := c.Next(at(18, 0)); !got.IsZero() {
		t.Fatalf("Next after last = %v", got)
	}
}

func TestCron(t *testing.T) {
	t.Parallel()
	c, err := CronExpr("*/15 9-10 * * 1-5")
	if err != nil {
		t.Fatal(err)
	}
	if !c.ShouldRun(at(9, 15)) || !c.ShouldRun(at(10, 45).Add(30*time.Second)) {
		t.Fatal("expected match")
	}
	if c.ShouldRun(at(9, 16)) || c.ShouldRun(at(11, 0)) {
		t.Fatal("unexpected match")
	}
	if _, err := CronExpr("@every 5m"); !errors.Is(err, ErrInvalidScheduleConfig) {
		t.Fatalf("@every err = %v", err)
	}
	if _, err := CronExpr("61 * * * *"); !errors.Is(err, ErrInvalidScheduleConfig) {
		t.Fatalf("bad minute err = %v", err)
	}
}

func TestShouldRunIsPure(t *testing.T) {
	t.Parallel()
	d, _ := DailyAt(9)
	w, _ := WeeklyOn(time.Monday, time.Friday)
	cr, _ := CronExpr("0 * * * *")
	all := []Schedule{d, w, HourlyAtMinuteZero(), CustomAt(at(9, 0)), cr}
	for _, s := range all {
		for m := 0; m < 120; m += 7 {
			in := at(8, 0).Add(time.Duration(m) * time.Minute)
			first := s.ShouldRun(in)
			for i := 0; i < 3; i++ {
				if s.ShouldRun(in) != first || s.SlotKey(in) != s.SlotKey(in) {
					t.Fatalf("%s is not stable at %v", s, in)
				}
			}
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	jkt := time.FixedZone("WIB", 7*3600)
	tests := []struct {
		raw  string
		want string
	}{
		{"hourly", "hourly"},
		{"HOURLY", "hourly"},
		{"daily:9", "daily:9"},
		{"weekly:mon, Friday", "weekly:mon,fri"},
		{"weekly:", "weekly:"},
		{"at:2026-10-19T09:30", "at:2026-10-19T09:30:00+07:00"},
		{"at:2026-10-19T09:30:00Z", "at:2026-10-19T09:30:00Z"},
		{"cron:0 9 * * *", "cron:0 9 * * *"},
		{"*/5 * * * *", "cron:*/5 * * * *"},
		{"@daily", "cron:@daily"},
	}
	for _, tt := range tests {
		s, err := Parse(tt.raw, jkt)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.raw, err)
		}
		if s.String() != tt.want {
			t.Fatalf("Parse(%q).String() = %q, want %q", tt.raw, s.String(), tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "daily:24", "daily:x", "weekly:funday", "at:", "at:yesterday", "at:2026-10-19T09:30:15Z", "every 5m", "sometimes"} {
		s, err := Parse(raw, nil)
		if !errors.Is(err, ErrInvalidScheduleConfig) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalidScheduleConfig", raw, err)
		}
		if s != nil {
			t.Fatalf("Parse(%q) returned a schedule with an error", raw)
		}
	}
}

func TestUpcoming(t *testing.T) {
	t.Parallel()
	d, _ := DailyAt(9)
	got := Upcoming(d, at(9, 10), 2, 72*time.Hour)
	if len(got) != 2 {
		t.Fatalf("got %d instants", len(got))
	}
	if !got[0].Equal(at(9, 0).AddDate(0, 0, 1)) || !got[1].Equal(at(9, 0).AddDate(0, 0, 2)) {
		t.Fatalf("unexpected preview %v", got)
	}

	c, _ := CronExpr("30 * * * *")
	got = Upcoming(c, at(9, 10), 3, 24*time.Hour)
	if len(got) != 3 || !got[0].Equal(at(9, 30)) {
		t.Fatalf("unexpected cron preview %v", got)
	}

	w, _ := WeeklyOn()
	if got := Upcoming(w, at(0, 0), 1, 14*24*time.Hour); len(got) != 0 {
		t.Fatalf("empty weekly preview = %v", got)
	}
}
