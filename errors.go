package courier

import "errors"

// Sentinel errors returned by Courier operations.
var (
	// ErrNoStore is returned when a Courier is created without a store.
	ErrNoStore = errors.New("courier: store is required")

	// ErrSubscriptionNotFound is returned when a subscription cannot be found.
	ErrSubscriptionNotFound = errors.New("courier: subscription not found")

	// ErrEventKindNotFound is returned when an event kind is not registered in the catalog.
	ErrEventKindNotFound = errors.New("courier: event kind not found")

	// ErrTenantRequired is returned when emitting an event without a tenant ID.
	ErrTenantRequired = errors.New("courier: tenant_id is required")

	// ErrEventKindDeprecated is returned when emitting an event with a deprecated kind.
	ErrEventKindDeprecated = errors.New("courier: event kind is deprecated")

	// ErrPayloadValidationFailed is returned when an event payload fails JSON Schema validation.
	ErrPayloadValidationFailed = errors.New("courier: payload validation failed")

	// ErrDuplicateIdempotencyKey is returned when an event with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("courier: duplicate idempotency key")

	// ErrEventNotFound is returned when an event cannot be found.
	ErrEventNotFound = errors.New("courier: event not found")

	// ErrDeliveryNotFound is returned when a delivery cannot be found.
	ErrDeliveryNotFound = errors.New("courier: delivery not found")

	// ErrDeliveryNotRetryable is returned when manually retrying a delivery
	// that already succeeded or is still in flight.
	ErrDeliveryNotRetryable = errors.New("courier: delivery is not retryable")

	// ErrDLQNotFound is returned when a DLQ entry cannot be found.
	ErrDLQNotFound = errors.New("courier: dlq entry not found")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("courier: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("courier: migration failed")
)
