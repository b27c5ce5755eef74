package alert

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerter stopped")
)

// Sender delivers one rendered alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Config controls the alert pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Kind of alert.
const (
	KindFailed  = "failed"
	KindDropped = "dropped"
)

// Alert is one operator-facing message before rendering.
type Alert struct {
	Kind  string
	Job   string
	Slot  string
	Error string
	At    time.Time
	Took  time.Duration
}

type HistoryItem struct {
	At   time.Time
	Text string
}
