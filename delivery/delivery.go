package delivery

import (
	"encoding/json"
	"time"

	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

// State represents the current state of a delivery.
type State string

const (
	// StatePending indicates the delivery is awaiting its first attempt.
	StatePending State = "pending"

	// StateRetrying indicates a failed attempt is awaiting its backoff.
	StateRetrying State = "retrying"

	// StateSucceeded indicates the receiver acknowledged the delivery.
	StateSucceeded State = "succeeded"

	// StateFailed indicates the delivery exhausted its attempt budget.
	StateFailed State = "failed"
)

// Terminal reports whether the state admits no further attempts.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Delivery represents one subscription's attempt record for one event.
type Delivery struct {
	entity.Entity

	// ID is the unique TypeID for this delivery.
	ID id.ID `json:"id"`

	// SubscriptionID references the target subscription.
	SubscriptionID id.ID `json:"subscription_id"`

	// EventID references the event being delivered. Identical across all
	// deliveries fanned out from one event.
	EventID id.ID `json:"event_id"`

	// EventKind is the event kind name, denormalized for filtering.
	EventKind string `json:"event_kind"`

	// Payload is the exact serialized request body, captured at dispatch.
	// Every attempt sends these bytes unchanged, so the signature is stable.
	Payload json.RawMessage `json:"payload"`

	// State is the current delivery state.
	State State `json:"state"`

	// AttemptCount is the number of attempts made so far.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts is the attempt budget, copied from the subscription at
	// creation so later subscription edits don't affect in-flight deliveries.
	MaxAttempts int `json:"max_attempts"`

	// LastStatusCode is the HTTP status code from the most recent attempt.
	LastStatusCode int `json:"last_status_code,omitempty"`

	// LastError is the error message from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`

	// LastResponse is the response body from the most recent attempt,
	// capped at 1000 bytes.
	LastResponse string `json:"last_response,omitempty"`

	// LastLatencyMs is the latency in milliseconds of the most recent attempt.
	LastLatencyMs int `json:"last_latency_ms,omitempty"`

	// NextAttemptAt is when the next attempt should occur. Nil for a fresh
	// PENDING delivery (due immediately) and cleared once consumed.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// DeliveredAt is when the delivery succeeded.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Due reports whether the delivery is ready for an attempt at the given time.
func (d *Delivery) Due(now time.Time) bool {
	if d.State.Terminal() {
		return false
	}
	return d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)
}

// Envelope is the JSON request body sent to receivers.
type Envelope struct {
	// ID is the event id, stable across every delivery of the event.
	ID string `json:"id"`

	// Type is the event kind name.
	Type string `json:"type"`

	// Timestamp is when the event occurred, RFC 3339.
	Timestamp string `json:"timestamp"`

	// Data is the event payload.
	Data any `json:"data"`
}

// EncodeEnvelope serializes the wire envelope for an event. The returned
// bytes are snapshotted onto each delivery so all attempts are byte-identical.
func EncodeEnvelope(evt *event.Event) (json.RawMessage, error) {
	return json.Marshal(Envelope{
		ID:        evt.ID.String(),
		Type:      evt.Kind,
		Timestamp: evt.OccurredAt.UTC().Format(time.RFC3339),
		Data:      evt.Payload,
	})
}

// ListOpts configures filtering and pagination for delivery listing.
type ListOpts struct {
	Offset int
	Limit  int
	State  *State
}
