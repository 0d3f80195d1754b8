// Package delivery implements the executor that attempts webhook deliveries
// and the scheduler that re-drives retries from persisted state.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hookline/courier/id"
	"github.com/hookline/courier/observability"
	"github.com/hookline/courier/ratelimit"
	"github.com/hookline/courier/subscription"
)

// EngineStore is the interface the engine needs for delivery operations.
type EngineStore interface {
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error)
	RecordSuccess(ctx context.Context, subID id.ID, at time.Time) error
	RecordFailure(ctx context.Context, subID id.ID, at time.Time, disableAfter int) (int, error)
}

// DLQPusher archives permanently failed deliveries to the dead letter queue.
type DLQPusher interface {
	PushFailed(ctx context.Context, d *Delivery, sub *subscription.Subscription) error
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Concurrency      int
	PollInterval     time.Duration
	BatchSize        int
	RetrySchedule    []time.Duration
	DisableThreshold int
	Metrics          *observability.Metrics
	Tracer           *observability.Tracer
}

// Engine is the delivery worker pool. Its poll loop doubles as the retry
// scheduler: because due deliveries are read back from the store, retries
// survive a process restart instead of living in process-local timers.
type Engine struct {
	store   EngineStore
	sender  *Sender
	retrier *Retrier
	limiter *ratelimit.Limiter
	dlq     DLQPusher
	config  EngineConfig
	logger  *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a delivery engine.
func NewEngine(store EngineStore, dlq DLQPusher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = subscription.DisableThreshold
	}
	return &Engine{
		store:   store,
		sender:  NewSender(),
		retrier: NewRetrier(cfg.RetrySchedule),
		limiter: ratelimit.New(),
		dlq:     dlq,
		config:  cfg,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Start begins the delivery workers and poll loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
}

// Stop cancels the poll loop and waits for in-flight deliveries to complete.
func (e *Engine) Stop(_ context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Wake nudges the poll loop to dequeue immediately. Non-blocking; used by the
// dispatcher so freshly created deliveries get their first attempt without
// waiting out the poll interval.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// pollLoop periodically dequeues due deliveries and dispatches them to workers.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, e.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}

		batch, err := e.store.Dequeue(ctx, e.config.BatchSize)
		if err != nil {
			e.logger.ErrorContext(ctx, "dequeue failed", "error", err)
			continue
		}

		for _, d := range batch {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}

			e.wg.Add(1)
			go func(del *Delivery) {
				defer e.wg.Done()
				defer func() { <-sem }()
				e.process(ctx, del)
			}(d)
		}
	}
}

// process handles a single delivery: fetch subscription, send, decide, update.
func (e *Engine) process(ctx context.Context, d *Delivery) {
	// Duplicate scheduling guard: a delivery that already reached a terminal
	// state is a no-op.
	if d.State.Terminal() {
		return
	}

	var span trace.Span
	if e.config.Tracer != nil {
		ctx, span = e.config.Tracer.StartDeliverySpan(ctx, d.ID.String(), d.EventID.String(), d.SubscriptionID.String())
	}

	sub, err := e.store.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		// The subscription was deleted mid-flight; the delivery cannot
		// proceed and is finalized rather than retried forever.
		d.State = StateFailed
		d.NextAttemptAt = nil
		d.LastError = "subscription no longer exists"
		e.finishSpan(span, d)
		if updateErr := e.store.UpdateDelivery(ctx, d); updateErr != nil {
			e.logger.ErrorContext(ctx, "update delivery failed",
				"delivery_id", d.ID, "error", updateErr)
		}
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("failed", 0)
			e.config.Metrics.PendingDeliveries.Dec()
		}
		return
	}

	// Per-subscription rate limit gate. Deferral consumes no attempt.
	if !e.limiter.Allow(sub.ID.String(), sub.RateLimit) {
		at := time.Now().UTC().Add(time.Second / time.Duration(sub.RateLimit))
		d.NextAttemptAt = &at
		e.finishSpan(span, d)
		if updateErr := e.store.UpdateDelivery(ctx, d); updateErr != nil {
			e.logger.ErrorContext(ctx, "update delivery failed",
				"delivery_id", d.ID, "error", updateErr)
		}
		return
	}

	// Perform the HTTP attempt.
	d.AttemptCount++
	d.NextAttemptAt = nil
	result := e.sender.Send(ctx, sub, d)

	d.LastError = result.Error
	d.LastStatusCode = result.StatusCode
	d.LastResponse = result.Response
	d.LastLatencyMs = result.LatencyMs

	latencySeconds := float64(result.LatencyMs) / 1000.0
	now := time.Now().UTC()

	switch e.retrier.Decide(result, d) {
	case Succeeded:
		d.State = StateSucceeded
		d.DeliveredAt = &now
		if recErr := e.store.RecordSuccess(ctx, sub.ID, now); recErr != nil {
			e.logger.ErrorContext(ctx, "record success failed",
				"subscription_id", sub.ID, "error", recErr)
		}
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("succeeded", latencySeconds)
			e.config.Metrics.PendingDeliveries.Dec()
		}
		e.logger.DebugContext(ctx, "delivered",
			"delivery_id", d.ID, "status", result.StatusCode, "latency_ms", result.LatencyMs)

	case Retry:
		d.State = StateRetrying
		next := e.retrier.NextAttempt(d.AttemptCount)
		d.NextAttemptAt = &next
		e.recordFailure(ctx, sub, now)
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("retried", latencySeconds)
		}
		e.logger.DebugContext(ctx, "retry scheduled",
			"delivery_id", d.ID, "attempt", d.AttemptCount, "next_at", next)

	case Fail:
		d.State = StateFailed
		e.recordFailure(ctx, sub, now)
		if e.dlq != nil {
			if dlqErr := e.dlq.PushFailed(ctx, d, sub); dlqErr != nil {
				e.logger.ErrorContext(ctx, "push to DLQ failed",
					"delivery_id", d.ID, "error", dlqErr)
			}
		}
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("failed", latencySeconds)
			e.config.Metrics.PendingDeliveries.Dec()
			e.config.Metrics.DLQSize.Inc()
		}
		e.logger.WarnContext(ctx, "delivery failed permanently",
			"delivery_id", d.ID, "status", result.StatusCode, "error", result.Error)
	}

	e.finishSpan(span, d)

	if updateErr := e.store.UpdateDelivery(ctx, d); updateErr != nil {
		e.logger.ErrorContext(ctx, "update delivery failed",
			"delivery_id", d.ID, "error", updateErr)
	}
}

// recordFailure drives the subscription health counter and logs auto-disable.
// In-flight deliveries keep their attempt budget after a subscription is
// disabled; the transition only stops new fan-out at dispatch time.
func (e *Engine) recordFailure(ctx context.Context, sub *subscription.Subscription, at time.Time) {
	count, err := e.store.RecordFailure(ctx, sub.ID, at, e.config.DisableThreshold)
	if err != nil {
		e.logger.ErrorContext(ctx, "record failure failed",
			"subscription_id", sub.ID, "error", err)
		return
	}

	if count == e.config.DisableThreshold {
		if e.config.Metrics != nil {
			e.config.Metrics.SubscriptionsDisabled.Inc()
		}
		e.logger.WarnContext(ctx, "subscription disabled after consecutive failures",
			"subscription_id", sub.ID, "consecutive_failures", count)
	}
}

func (e *Engine) finishSpan(span trace.Span, d *Delivery) {
	if span != nil {
		e.config.Tracer.EndDeliverySpan(span, d.LastStatusCode, d.LastLatencyMs, d.LastError)
	}
}
