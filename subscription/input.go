package subscription

import "time"

// Input is the creation/update payload for subscriptions.
// The signing secret is always generated server-side and cannot be supplied
// or changed through Input.
type Input struct {
	// TenantID identifies the tenant that owns this subscription.
	TenantID string `json:"tenant_id"`

	// URL is the webhook delivery URL.
	URL string `json:"url"`

	// Description is a human-readable description.
	Description string `json:"description"`

	// EventKinds are the subscribed event kind patterns (non-empty).
	EventKinds []string `json:"event_kinds"`

	// MaxAttempts is the per-delivery attempt budget. Clamped to [1, 10];
	// 0 selects the engine default.
	MaxAttempts int `json:"max_attempts"`

	// Timeout bounds each delivery attempt. Clamped to [1s, 60s];
	// 0 selects the engine default.
	Timeout time.Duration `json:"timeout"`

	// Headers are custom HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// RateLimit is the maximum deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`

	// Metadata holds user-defined key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}
