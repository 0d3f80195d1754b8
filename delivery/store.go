package delivery

import (
	"context"

	"github.com/hookline/courier/id"
)

// Store defines the persistence contract for webhook deliveries.
type Store interface {
	// Enqueue creates a delivery.
	Enqueue(ctx context.Context, d *Delivery) error

	// EnqueueBatch creates multiple deliveries atomically (fan-out).
	// All rows must be durable before any network attempt happens.
	EnqueueBatch(ctx context.Context, ds []*Delivery) error

	// Dequeue fetches due deliveries (PENDING, or RETRYING with
	// next_attempt_at in the past) and locks them against concurrent
	// dispatch. Implementations must ensure a delivery is never handed to
	// two workers at once (e.g. SKIP LOCKED).
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)

	// UpdateDelivery modifies a delivery and releases its dispatch lock.
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery returns a delivery by ID.
	GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error)

	// ListBySubscription returns delivery history for a subscription.
	ListBySubscription(ctx context.Context, subID id.ID, opts ListOpts) ([]*Delivery, error)

	// ListByEvent returns all deliveries for a specific event.
	ListByEvent(ctx context.Context, evtID id.ID) ([]*Delivery, error)

	// CountActive returns the number of deliveries awaiting an attempt
	// (PENDING or RETRYING).
	CountActive(ctx context.Context) (int64, error)
}
