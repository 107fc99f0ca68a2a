package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery journal.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxEntries caps the journal; older rows are pruned. 0 means 10000.
	MaxEntries int
}

// DeliveryRecord is the journaled outcome of one notification.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Status     int       `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	Bytes      int       `json:"bytes"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func maxEntries(cfg Config) int {
	if cfg.MaxEntries <= 0 {
		return 10000
	}
	return cfg.MaxEntries
}
