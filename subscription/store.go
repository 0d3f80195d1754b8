package subscription

import (
	"context"
	"time"

	"github.com/hookline/courier/id"
)

// Store defines the persistence contract for subscriptions.
//
// RecordSuccess and RecordFailure must be implemented as atomic updates at
// the storage layer: concurrent delivery attempts for the same subscription
// mutate the consecutive-failure counter, and a read-modify-write in the
// service layer would race.
type Store interface {
	// CreateSubscription persists a new subscription.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns a subscription by ID.
	GetSubscription(ctx context.Context, subID id.ID) (*Subscription, error)

	// UpdateSubscription modifies an existing subscription.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// DeleteSubscription removes a subscription.
	DeleteSubscription(ctx context.Context, subID id.ID) error

	// ListSubscriptions returns subscriptions for a tenant, optionally filtered.
	ListSubscriptions(ctx context.Context, tenantID string, opts ListOpts) ([]*Subscription, error)

	// Resolve finds all ACTIVE subscriptions for a tenant whose kind set
	// matches the event kind. This is the hot path, called on every Emit.
	Resolve(ctx context.Context, tenantID string, kind string) ([]*Subscription, error)

	// SetStatus transitions a subscription's lifecycle state.
	SetStatus(ctx context.Context, subID id.ID, status Status) error

	// MarkTriggered stamps LastTriggeredAt on the given subscriptions.
	MarkTriggered(ctx context.Context, subIDs []id.ID, at time.Time) error

	// RecordSuccess resets the consecutive-failure counter to zero and
	// stamps LastSuccessAt. Atomic.
	RecordSuccess(ctx context.Context, subID id.ID, at time.Time) error

	// RecordFailure atomically increments the consecutive-failure counter,
	// stamps LastFailureAt, and flips the subscription to
	// StatusDisabledByFailures once the counter reaches disableAfter.
	// Returns the new counter value.
	RecordFailure(ctx context.Context, subID id.ID, at time.Time, disableAfter int) (int, error)
}
