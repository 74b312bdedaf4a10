package queue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	rtsup "testjobs/internal/runtime/supervisor"
)

// Config controls one queue and its worker pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int

	// RatePerSec and Burst size the token bucket shared by the pool's workers.
	// RatePerSec < 0 disables rate limiting.
	RatePerSec float64
	Burst      int

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// RetryMax counts attempts after the first. RetryMax < 0 disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

const (
	DefaultWorkers    = 5
	DefaultRatePerSec = 10
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(math.Ceil(c.RatePerSec)))
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is what a handler receives.
type Job struct {
	ID         string
	Queue      string
	Type       string
	Payload    json.RawMessage
	Attempt    int
	EnqueuedAt time.Time
}

// Handler executes one attempt of a job. The returned value is stored as the
// job result in JSON form.
type Handler func(ctx context.Context, job Job) (any, error)

type HistoryItem struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	ID         string        `json:"id"`
	Queue      string        `json:"queue"`
	Type       string        `json:"type"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name       string        `json:"name"`
	Running    bool          `json:"running"`
	Draining   bool          `json:"draining"`
	Workers    int           `json:"workers"`
	QueueLen   int           `json:"queue_len"`
	QueueCap   int           `json:"queue_cap"`
	Pending    int64         `json:"pending"`
	InFlight   int64         `json:"in_flight"`
	RatePerSec float64       `json:"rate_per_sec"`
	Burst      int           `json:"burst"`
	Timeout    time.Duration `json:"timeout"`
	RetryMax   int           `json:"retry_max"`

	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Recovered uint64 `json:"recovered"`

	// Pool reports the worker goroutines of the current run.
	Pool rtsup.Counters `json:"pool"`

	History []HistoryItem `json:"history,omitempty"`
}
