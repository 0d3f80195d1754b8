// Package event defines the immutable domain event submitted for delivery.
package event

import (
	"time"

	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

// Event represents an immutable fact submitted for webhook delivery.
// Its ID is generated once and carried on every delivery attempt derived
// from it, so receivers can deduplicate.
type Event struct {
	entity.Entity

	// ID is the unique TypeID for this event.
	ID id.ID `json:"id"`

	// Kind is the dot-separated event kind name (e.g. "invoice.created").
	Kind string `json:"kind"`

	// TenantID identifies the tenant that emitted this event.
	TenantID string `json:"tenant_id"`

	// OccurredAt is when the event happened.
	OccurredAt time.Time `json:"occurred_at"`

	// Payload is the event payload. Validated against JSON Schema when the
	// catalog defines one for the kind.
	Payload any `json:"payload"`

	// IdempotencyKey prevents duplicate event processing.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ListOpts configures filtering and pagination for event listing.
type ListOpts struct {
	Offset int
	Limit  int
	Kind   string
	From   *time.Time
	To     *time.Time
}
