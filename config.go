package courier

import (
	"time"

	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/subscription"
)

// Config holds the configuration for a Courier instance.
type Config struct {
	// Concurrency is the number of delivery worker goroutines.
	Concurrency int

	// PollInterval is how often the delivery engine sweeps for due deliveries.
	PollInterval time.Duration

	// BatchSize is the maximum number of deliveries dequeued per sweep.
	BatchSize int

	// DefaultMaxAttempts is the attempt budget applied to subscriptions that
	// don't set their own. Clamped to [1, 10] at subscription creation.
	DefaultMaxAttempts int

	// DefaultTimeout is the per-attempt HTTP timeout applied to subscriptions
	// that don't set their own. Clamped to [1s, 60s] at subscription creation.
	DefaultTimeout time.Duration

	// RetrySchedule defines the backoff intervals between retry attempts.
	// Deliveries past the end of the schedule reuse its last interval.
	RetrySchedule []time.Duration

	// DisableThreshold is the number of consecutive failed deliveries after
	// which a subscription is automatically disabled.
	DisableThreshold int

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries on shutdown.
	ShutdownTimeout time.Duration

	// CacheTTL is the TTL for the catalog's in-memory event kind cache.
	// Set to 0 to disable caching.
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       1 * time.Second,
		BatchSize:          50,
		DefaultMaxAttempts: 3,
		DefaultTimeout:     10 * time.Second,
		RetrySchedule:      delivery.DefaultSchedule,
		DisableThreshold:   subscription.DisableThreshold,
		ShutdownTimeout:    30 * time.Second,
		CacheTTL:           30 * time.Second,
	}
}
