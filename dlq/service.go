// Package dlq manages the dead letter queue of permanently failed deliveries.
package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/observability"
	"github.com/hookline/courier/subscription"
)

// Service manages the dead letter queue.
type Service struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a new DLQ service. metrics may be nil.
func NewService(store Store, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// PushFailed creates a DLQ entry from a failed delivery. Implements delivery.DLQPusher.
func (svc *Service) PushFailed(ctx context.Context, d *delivery.Delivery, sub *subscription.Subscription) error {
	entry := &Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		DeliveryID:     d.ID,
		EventID:        d.EventID,
		SubscriptionID: d.SubscriptionID,
		EventKind:      d.EventKind,
		TenantID:       sub.TenantID,
		URL:            sub.URL,
		Payload:        d.Payload,
		Error:          d.LastError,
		AttemptCount:   d.AttemptCount,
		LastStatusCode: d.LastStatusCode,
		FailedAt:       time.Now().UTC(),
	}

	return svc.store.Push(ctx, entry)
}

// List returns DLQ entries matching the given options.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, opts)
}

// Get returns a DLQ entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// Replay re-enqueues a single DLQ entry for redelivery.
func (svc *Service) Replay(ctx context.Context, dlqID id.ID) error {
	if err := svc.store.Replay(ctx, dlqID); err != nil {
		return err
	}
	if svc.metrics != nil {
		svc.metrics.PendingDeliveries.Inc()
	}
	return nil
}

// ReplayBulk re-enqueues all DLQ entries within a time range.
func (svc *Service) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	n, err := svc.store.ReplayBulk(ctx, from, to)
	if err != nil {
		return n, err
	}
	if svc.metrics != nil {
		svc.metrics.PendingDeliveries.Add(float64(n))
	}
	return n, nil
}

// Purge removes old DLQ entries.
func (svc *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return svc.store.Purge(ctx, before)
}

// Count returns the total number of DLQ entries.
func (svc *Service) Count(ctx context.Context) (int64, error) {
	return svc.store.CountDLQ(ctx)
}
