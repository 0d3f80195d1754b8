package courier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hookline/courier/catalog"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/store"
	"github.com/hookline/courier/subscription"
)

// wireServices initializes the internal services after options have been applied.
func (c *Courier) wireServices() {
	c.catalog = catalog.NewCatalog(c.store, catalog.Config{
		CacheTTL: c.config.CacheTTL,
	}, c.logger)

	c.validator = catalog.NewValidator()

	c.subSvc = subscription.NewService(c.store, subscription.Defaults{
		MaxAttempts: c.config.DefaultMaxAttempts,
		Timeout:     c.config.DefaultTimeout,
	}, c.logger)

	c.dlqSvc = dlq.NewService(c.store, c.metrics, c.logger)

	c.engine = delivery.NewEngine(c.store, c.dlqSvc, delivery.EngineConfig{
		Concurrency:      c.config.Concurrency,
		PollInterval:     c.config.PollInterval,
		BatchSize:        c.config.BatchSize,
		RetrySchedule:    c.config.RetrySchedule,
		DisableThreshold: c.config.DisableThreshold,
		Metrics:          c.metrics,
		Tracer:           c.tracer,
	}, c.logger)
}

// Start begins the delivery engine.
func (c *Courier) Start(ctx context.Context) {
	c.engine.Start(ctx)
}

// Stop gracefully shuts down the delivery engine.
func (c *Courier) Stop(ctx context.Context) {
	c.engine.Stop(ctx)
}

// RegisterEventKind registers an event kind definition in the catalog.
func (c *Courier) RegisterEventKind(ctx context.Context, def catalog.Definition, opts ...catalog.RegisterOption) (*catalog.Kind, error) {
	return c.catalog.RegisterKind(ctx, def, opts...)
}

// EmitResult reports what an Emit call scheduled.
type EmitResult struct {
	// EventID is the persisted event's ID, stable across every delivery.
	EventID id.ID

	// DeliveriesScheduled is the number of deliveries fanned out. Zero when
	// no active subscription matched, or when the idempotency key was a
	// duplicate.
	DeliveriesScheduled int
}

// Emit validates and persists an event, then fans out deliveries to matching
// subscriptions. Dispatch is fire-and-forget: Emit returns once the deliveries
// are durably enqueued, before any network attempt happens.
//
// The critical path:
//  1. Reject events without a tenant.
//  2. Look up the event kind in the catalog (reject unknown kinds).
//  3. Reject deprecated kinds.
//  4. Validate the payload against the kind's JSON Schema (if configured).
//  5. Persist the event (idempotency key dedup happens here).
//  6. Resolve active subscriptions for this tenant + kind.
//  7. Snapshot the wire envelope and enqueue one delivery per subscription.
func (c *Courier) Emit(ctx context.Context, evt *event.Event) (*EmitResult, error) {
	if evt.TenantID == "" {
		return nil, ErrTenantRequired
	}

	k, err := c.catalog.GetKind(ctx, evt.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEventKindNotFound, evt.Kind)
	}

	if k.IsDeprecated {
		return nil, fmt.Errorf("%w: %s", ErrEventKindDeprecated, evt.Kind)
	}

	if len(k.Definition.Schema) > 0 {
		if validateErr := c.validator.Validate(k.Definition.Schema, evt.Payload); validateErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrPayloadValidationFailed, validateErr.Error())
		}
	}

	evt.Entity = entity.New()
	evt.ID = id.NewEventID()
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	if createErr := c.store.CreateEvent(ctx, evt); createErr != nil {
		if errors.Is(createErr, ErrDuplicateIdempotencyKey) {
			return &EmitResult{EventID: evt.ID}, nil // idempotent: already processed
		}
		return nil, fmt.Errorf("courier: persist event: %w", createErr)
	}

	subs, err := c.store.Resolve(ctx, evt.TenantID, evt.Kind)
	if err != nil {
		return nil, fmt.Errorf("courier: resolve subscriptions: %w", err)
	}

	if len(subs) == 0 {
		return &EmitResult{EventID: evt.ID}, nil
	}

	// The envelope is serialized once and snapshotted onto every delivery,
	// so each attempt sends byte-identical content and the signature is
	// stable across retries.
	payload, err := delivery.EncodeEnvelope(evt)
	if err != nil {
		return nil, fmt.Errorf("courier: encode envelope: %w", err)
	}

	now := time.Now().UTC()
	deliveries := make([]*delivery.Delivery, 0, len(subs))
	subIDs := make([]id.ID, 0, len(subs))
	for _, sub := range subs {
		d := &delivery.Delivery{
			Entity:         entity.New(),
			ID:             id.NewDeliveryID(),
			SubscriptionID: sub.ID,
			EventID:        evt.ID,
			EventKind:      evt.Kind,
			Payload:        payload,
			State:          delivery.StatePending,
			AttemptCount:   0,
			MaxAttempts:    sub.MaxAttempts,
		}
		deliveries = append(deliveries, d)
		subIDs = append(subIDs, sub.ID)
	}

	if err := c.store.EnqueueBatch(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("courier: enqueue deliveries: %w", err)
	}

	if err := c.store.MarkTriggered(ctx, subIDs, now); err != nil {
		c.logger.WarnContext(ctx, "mark triggered failed", "error", err)
	}

	if c.metrics != nil {
		c.metrics.EventsEmitted.Inc()
		c.metrics.PendingDeliveries.Add(float64(len(deliveries)))
	}

	c.logger.DebugContext(ctx, "event emitted",
		"event_id", evt.ID,
		"kind", evt.Kind,
		"subscriptions", len(subs),
	)

	c.engine.Wake()

	return &EmitResult{EventID: evt.ID, DeliveriesScheduled: len(deliveries)}, nil
}

// SendTest delivers a synthetic event to a single subscription with an attempt
// budget of one, regardless of the subscription's retry configuration. The
// receiver gets a real signed request; failures never touch the health counter
// schedule beyond the single attempt.
func (c *Courier) SendTest(ctx context.Context, subID id.ID, kind string, payload any) (*delivery.Delivery, error) {
	sub, err := c.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}

	evt := &event.Event{
		Entity:     entity.New(),
		ID:         id.NewEventID(),
		Kind:       kind,
		TenantID:   sub.TenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	if err := c.store.CreateEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("courier: persist test event: %w", err)
	}

	body, err := delivery.EncodeEnvelope(evt)
	if err != nil {
		return nil, fmt.Errorf("courier: encode envelope: %w", err)
	}

	d := &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: sub.ID,
		EventID:        evt.ID,
		EventKind:      kind,
		Payload:        body,
		State:          delivery.StatePending,
		MaxAttempts:    1,
	}
	if err := c.store.Enqueue(ctx, d); err != nil {
		return nil, fmt.Errorf("courier: enqueue test delivery: %w", err)
	}

	if c.metrics != nil {
		c.metrics.PendingDeliveries.Inc()
	}

	c.engine.Wake()
	return d, nil
}

// RetryDelivery manually reopens a permanently failed delivery for one more
// attempt. The extra attempt is granted by extending the budget past the
// recorded attempt count, so the count never exceeds the budget. Succeeded or
// in-flight deliveries are not retryable.
func (c *Courier) RetryDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	d, err := c.store.GetDelivery(ctx, delID)
	if err != nil {
		return nil, err
	}

	if d.State != delivery.StateFailed {
		return nil, fmt.Errorf("%w: state %s", ErrDeliveryNotRetryable, d.State)
	}

	d.State = delivery.StatePending
	d.NextAttemptAt = nil
	d.MaxAttempts = d.AttemptCount + 1
	d.LastError = ""

	if err := c.store.UpdateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("courier: reopen delivery: %w", err)
	}

	if c.metrics != nil {
		c.metrics.PendingDeliveries.Inc()
	}

	c.engine.Wake()
	return d, nil
}

// Subscriptions returns the subscription management service.
func (c *Courier) Subscriptions() *subscription.Service {
	return c.subSvc
}

// Catalog returns the event kind catalog.
func (c *Courier) Catalog() *catalog.Catalog {
	return c.catalog
}

// DLQ returns the dead letter queue service.
func (c *Courier) DLQ() *dlq.Service {
	return c.dlqSvc
}

// Store returns the underlying store.
func (c *Courier) Store() store.Store {
	return c.store
}
