package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrStopped     = errors.New("engine stopped")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("job skipped: previous run still in flight")
)

// Config controls the bounded execution pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one dispatched occurrence of a registered job.
//
// RegistrationID keys the overlap gate: while a task for the same id is queued
// or running, further tasks for it are rejected with ErrOverlapSkip.
type Task struct {
	ID             string
	RegistrationID string
	Name           string
	Slot           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
}

// RunState tracks whether a registration has a task queued or running.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *RunState) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

type HistoryItem struct {
	ID             string        `json:"id"`
	RegistrationID string        `json:"registration_id"`
	Name           string        `json:"name"`
	Slot           string        `json:"slot"`
	Started        time.Time     `json:"started"`
	QueueDelay     time.Duration `json:"queue_delay"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// JobEvent is the payload of every job.* bus event.
type JobEvent struct {
	ID             string        `json:"id"`
	RegistrationID string        `json:"registration_id"`
	Name           string        `json:"name"`
	Slot           string        `json:"slot"`
	Started        time.Time     `json:"started"`
	QueueDelay     time.Duration `json:"queue_delay"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Timeout  time.Duration `json:"default_timeout"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	OverlapSkipped   uint64 `json:"overlap_skipped"`

	History []HistoryItem `json:"history,omitempty"`
}
