package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/engine"
	"jobrunner/internal/job"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrStopped        = errors.New("scheduler stopped")
)

// Dispatch selects how due jobs are executed.
type Dispatch string

const (
	// DispatchSequential runs due jobs on the ticker goroutine, in priority order.
	DispatchSequential Dispatch = "sequential"
	// DispatchPool submits due jobs to the engine and returns immediately.
	DispatchPool Dispatch = "pool"
)

func ParseDispatch(s string) (Dispatch, error) {
	switch Dispatch(strings.ToLower(strings.TrimSpace(s))) {
	case "", DispatchSequential:
		return DispatchSequential, nil
	case DispatchPool:
		return DispatchPool, nil
	}
	return "", errors.Newf("unknown dispatch mode %q (want sequential|pool)", s)
}

type Config struct {
	// Interval is the tick cadence. Ticks land on multiples of Interval
	// counted from local midnight. Default one minute.
	Interval time.Duration
	// Location is the timezone schedules are evaluated in. Default local.
	Location *time.Location
	Dispatch Dispatch
	// LedgerHorizon bounds how long fired slots are remembered.
	LedgerHorizon time.Duration
	// JobTimeout bounds each execution in sequential mode. 0 means none.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Dispatch == "" {
		c.Dispatch = DispatchSequential
	}
	return c
}

// State of the ticker loop.
type State int

const (
	StateIdle State = iota
	StateTicking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Dispatched describes one job occurrence handed to execution during a tick.
type Dispatched struct {
	RegistrationID string       `json:"registration_id"`
	JobName        string       `json:"job"`
	Priority       job.Priority `json:"priority"`
	Slot           string       `json:"slot"`
}

// Failure is a job that failed (or could not be dispatched) during a tick.
type Failure struct {
	RegistrationID string `json:"registration_id"`
	JobName        string `json:"job"`
	Slot           string `json:"slot"`
	Error          string `json:"error"`
	Err            error  `json:"-"`
}

// TickEvent is published as eventbus.TickCompleted after every tick.
//
// DueCount counts entries that were due and passed the dedupe guard.
// FiredCount counts those actually handed to execution; the difference is
// made of overlap skips (Skipped) and dispatch failures.
type TickEvent struct {
	TickInstant     time.Time     `json:"tick_instant"`
	DueCount        int           `json:"due_count"`
	FiredCount      int           `json:"fired_count"`
	Fired           []Dispatched  `json:"fired,omitempty"`
	Skipped         []Dispatched  `json:"skipped,omitempty"`
	Failures        []Failure     `json:"failures,omitempty"`
	ClockRegression bool          `json:"clock_regression,omitempty"`
	Took            time.Duration `json:"took"`
}

// Registration is the diagnostic view of a registry entry.
type Registration struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Priority string    `json:"priority"`
	Schedule string    `json:"schedule"`
	Since    time.Time `json:"since"`
	Busy     bool      `json:"busy"`
}

// Snapshot is a point-in-time view for operators.
type Snapshot struct {
	State         string           `json:"state"`
	Interval      time.Duration    `json:"interval"`
	Dispatch      Dispatch         `json:"dispatch"`
	Location      string           `json:"location"`
	Ticks         uint64           `json:"ticks"`
	LastTick      *TickEvent       `json:"last_tick,omitempty"`
	Registrations []Registration   `json:"registrations"`
	LedgerSize    int              `json:"ledger_size"`
	Engine        *engine.Snapshot `json:"engine,omitempty"`
}
