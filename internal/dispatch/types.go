package dispatch

import "time"

// Outcome is the terminal state of one notification.
type Outcome string

const (
	OutcomePending        Outcome = "pending"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeDisabled       Outcome = "disabled"
	OutcomeStopped        Outcome = "stopped"
	OutcomeInvalid        Outcome = "invalid"
)

func (o Outcome) Delivered() bool { return o == OutcomeDelivered }

// Config controls pacing and bookkeeping. The endpoint itself lives in the Sender.
type Config struct {
	// RatePerSec paces sends client-side with a token bucket. Zero disables pacing;
	// the sink's own 429 cooldown always applies.
	RatePerSec float64
	Burst      int
	// SendTimeout bounds one POST.
	SendTimeout time.Duration
	// DefaultRetryAfter is used when a 429 carries no usable delay.
	DefaultRetryAfter time.Duration
	// HistorySize caps the in-memory list of recent records.
	HistorySize int
}

// Record is the terminal summary of one notification.
type Record struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Outcome    Outcome   `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Status     int       `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	Bytes      int       `json:"bytes"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Queued is published when a notification joins the pending queue.
type Queued struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Pending int       `json:"pending"`
	At      time.Time `json:"at"`
}

// Throttled is published for every 429 response.
type Throttled struct {
	ID         string        `json:"id"`
	Seq        uint64        `json:"seq"`
	Attempt    int           `json:"attempt"`
	RetryAfter time.Duration `json:"retry_after"`
	Until      time.Time     `json:"until"`
}

type Snapshot struct {
	Enabled       bool               `json:"enabled"`
	Running       bool               `json:"running"`
	Pending       int                `json:"pending"`
	InFlight      string             `json:"in_flight,omitempty"`
	CooldownUntil time.Time          `json:"cooldown_until,omitempty"`
	Enqueued      uint64             `json:"enqueued"`
	Outcomes      map[Outcome]uint64 `json:"outcomes"`
	Recent        []Record           `json:"recent"`
}
