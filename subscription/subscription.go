package subscription

import (
	"time"

	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

// Status represents the lifecycle state of a subscription.
type Status string

const (
	// StatusActive indicates the subscription receives new deliveries.
	StatusActive Status = "active"

	// StatusPaused indicates the owner suspended dispatch without deleting.
	StatusPaused Status = "paused"

	// StatusDisabledByFailures indicates the engine auto-disabled the
	// subscription after too many consecutive failed deliveries. Only an
	// explicit Resume reactivates it.
	StatusDisabledByFailures Status = "disabled_by_failures"
)

// Limits for per-subscription delivery configuration.
const (
	MinAttempts = 1
	MaxAttempts = 10

	MinTimeout = 1 * time.Second
	MaxTimeout = 60 * time.Second

	// DisableThreshold is the number of consecutive failed deliveries after
	// which a subscription is automatically disabled.
	DisableThreshold = 10
)

// Subscription represents a tenant's registered webhook receiver.
type Subscription struct {
	entity.Entity

	// ID is the unique TypeID for this subscription.
	ID id.ID `json:"id"`

	// TenantID identifies the tenant that owns this subscription.
	TenantID string `json:"tenant_id"`

	// URL is the webhook delivery URL.
	URL string `json:"url"`

	// Description is a human-readable description of this subscription.
	Description string `json:"description"`

	// Secret is the HMAC signing secret. Generated once at creation,
	// immutable, and never serialized after the create response.
	Secret string `json:"-"`

	// EventKinds are the subscribed event kind patterns (non-empty).
	// Exact names or single-segment wildcards, e.g. "invoice.*".
	EventKinds []string `json:"event_kinds"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// MaxAttempts is the per-delivery attempt budget, clamped to [1, 10].
	MaxAttempts int `json:"max_attempts"`

	// Timeout bounds each delivery attempt, clamped to [1s, 60s].
	Timeout time.Duration `json:"timeout"`

	// ConsecutiveFailures counts failed deliveries since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastTriggeredAt is when a delivery was most recently created.
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`

	// LastSuccessAt is when a delivery most recently succeeded.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	// LastFailureAt is when a delivery attempt most recently failed.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	// Headers are custom HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// RateLimit is the maximum deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`

	// Metadata holds user-defined key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the subscription accepts new deliveries.
func (s *Subscription) Active() bool {
	return s.Status == StatusActive
}

// ListOpts configures filtering and pagination for subscription listing.
type ListOpts struct {
	Offset int
	Limit  int
	Status *Status
}
