package courier

import (
	"log/slog"
	"time"

	"github.com/hookline/courier/catalog"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/observability"
	"github.com/hookline/courier/store"
	"github.com/hookline/courier/subscription"
)

// Courier is the root webhook delivery engine.
type Courier struct {
	config    Config
	store     store.Store
	catalog   *catalog.Catalog
	validator *catalog.Validator
	subSvc    *subscription.Service
	engine    *delivery.Engine
	dlqSvc    *dlq.Service
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// Option configures a Courier instance.
type Option func(*Courier) error

// New creates a new Courier with the given options.
func New(opts ...Option) (*Courier, error) {
	c := &Courier{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.store == nil {
		return nil, ErrNoStore
	}
	c.wireServices()
	return c, nil
}

// WithStore sets the persistence backend for the Courier instance.
func WithStore(s store.Store) Option {
	return func(c *Courier) error {
		c.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the Courier instance.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Courier) error {
		c.logger = logger
		return nil
	}
}

// WithMetrics sets the Prometheus metrics collection for the Courier instance.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Courier) error {
		c.metrics = m
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer for delivery attempts.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Courier) error {
		c.tracer = t
		return nil
	}
}

// WithConcurrency sets the number of delivery worker goroutines.
func WithConcurrency(n int) Option {
	return func(c *Courier) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the delivery engine sweeps for due deliveries.
func WithPollInterval(d time.Duration) Option {
	return func(c *Courier) error {
		c.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of deliveries dequeued per sweep.
func WithBatchSize(n int) Option {
	return func(c *Courier) error {
		c.config.BatchSize = n
		return nil
	}
}

// WithDefaultMaxAttempts sets the attempt budget for subscriptions that don't set their own.
func WithDefaultMaxAttempts(n int) Option {
	return func(c *Courier) error {
		c.config.DefaultMaxAttempts = n
		return nil
	}
}

// WithDefaultTimeout sets the per-attempt HTTP timeout for subscriptions that don't set their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Courier) error {
		c.config.DefaultTimeout = d
		return nil
	}
}

// WithRetrySchedule sets the backoff intervals between retry attempts.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(c *Courier) error {
		c.config.RetrySchedule = schedule
		return nil
	}
}

// WithDisableThreshold sets the consecutive-failure count that auto-disables a subscription.
func WithDisableThreshold(n int) Option {
	return func(c *Courier) error {
		c.config.DisableThreshold = n
		return nil
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight deliveries on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Courier) error {
		c.config.ShutdownTimeout = d
		return nil
	}
}

// WithCacheTTL sets the TTL for the catalog's in-memory event kind cache.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Courier) error {
		c.config.CacheTTL = d
		return nil
	}
}
