package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Cron is due on every minute matched by a standard five-field expression.
type Cron struct {
	expr  string
	sched cron.Schedule
}

// CronExpr parses expr with the standard cron parser ("*/5 * * * *",
// "@daily", "CRON_TZ=Asia/Jakarta 0 9 * * *"). Fixed-delay "@every"
// expressions are rejected since they have no wall-clock anchor.
func CronExpr(expr string) (Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Cron{}, errors.Wrap(ErrInvalidScheduleConfig, "cron expression required")
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return Cron{}, errors.Wrapf(ErrInvalidScheduleConfig, "cron %q: %v", expr, err)
	}
	if _, ok := s.(*cron.SpecSchedule); !ok {
		return Cron{}, errors.Wrapf(ErrInvalidScheduleConfig, "cron %q: interval expressions are not supported", expr)
	}
	return Cron{expr: expr, sched: s}, nil
}

func (c Cron) ShouldRun(t time.Time) bool {
	if c.sched == nil {
		return false
	}
	m := t.Truncate(Granularity)
	return c.sched.Next(m.Add(-time.Second)).Equal(m)
}

func (c Cron) SlotKey(t time.Time) string {
	return t.Truncate(Granularity).UTC().Format(time.RFC3339)
}

// Next returns the first matching instant strictly after t.
func (c Cron) Next(t time.Time) time.Time {
	if c.sched == nil {
		return time.Time{}
	}
	return c.sched.Next(t)
}

func (c Cron) String() string { return "cron:" + c.expr }
