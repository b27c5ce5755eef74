// Package job defines the unit of work the scheduler dispatches.
//
// A Job is configuration (name + priority) plus a side-effecting Execute.
// The scheduler never retries on its own; retry, circuit breaking and
// timeouts are expressed as wrapper jobs (see WithRetry, WithBreaker,
// WithTimeout).
package job

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Priority orders due jobs within a single tick. Lower rank dispatches first.
type Priority int

const (
	PriorityHigh Priority = iota + 1
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three known levels.
func (p Priority) Valid() bool { return p >= PriorityHigh && p <= PriorityLow }

// Rank is the sort key used by the registry (HIGH=0, MEDIUM=1, LOW=2).
// Unknown priorities sort after LOW.
func (p Priority) Rank() int {
	if !p.Valid() {
		return int(PriorityLow)
	}
	return int(p) - 1
}

// ParsePriority accepts "high", "medium" or "low" (case-insensitive).
// Empty defaults to medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, errors.Newf("unknown priority %q (want high|medium|low)", s)
}

var (
	ErrEmptyName = errors.New("job name is required")
	ErrNilJob    = errors.New("job is nil")
)

// Job is a named, prioritized unit of work.
//
// Execute may block for an arbitrary time and may fail. Implementations should
// honour ctx cancellation; the scheduler passes a context that is NOT canceled
// by scheduler shutdown, only by the job's own timeout.
type Job interface {
	Name() string
	Priority() Priority
	Execute(ctx context.Context) error
}

// Validate checks the identity fields of j.
func Validate(j Job) error {
	if j == nil {
		return ErrNilJob
	}
	if strings.TrimSpace(j.Name()) == "" {
		return ErrEmptyName
	}
	if !j.Priority().Valid() {
		return errors.Newf("job %q: invalid priority %d", j.Name(), int(j.Priority()))
	}
	return nil
}

type funcJob struct {
	name string
	prio Priority
	fn   func(ctx context.Context) error
}

// Func adapts a plain function into a Job.
func Func(name string, prio Priority, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, prio: prio, fn: fn}
}

func (f *funcJob) Name() string       { return f.name }
func (f *funcJob) Priority() Priority { return f.prio }
func (f *funcJob) Execute(ctx context.Context) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx)
}

// ExecutionError is a failure raised by a job's Execute (or a recovered panic).
type ExecutionError struct {
	Job string
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("job %s: %v", e.Job, e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// Run executes j with panic recovery. Any failure comes back as *ExecutionError.
func Run(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Job: j.Name(), Err: errors.Newf("panic: %v", r)}
		}
	}()
	if e := j.Execute(ctx); e != nil {
		return &ExecutionError{Job: j.Name(), Err: e}
	}
	return nil
}
