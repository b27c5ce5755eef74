package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusDropped = "dropped"
)

// RunRecord is one finished (or discarded) job occurrence.
// Keep it compact and schema-stable.
type RunRecord struct {
	At             time.Time `json:"at"`
	RegistrationID string    `json:"registration_id"`
	Job            string    `json:"job"`
	Slot           string    `json:"slot"`
	Status         string    `json:"status"`
	TookMS         int64     `json:"took_ms"`
	QueueDelayMS   int64     `json:"queue_delay_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
}
