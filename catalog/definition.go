package catalog

import "encoding/json"

// Definition is the canonical description of a subscribable event kind.
// Definitions are persisted and can be registered at boot or via the admin API.
type Definition struct {
	// Name is the dot-separated event kind name.
	// Convention: "<resource>.<action>" — e.g. "invoice.created", "ticket.escalated".
	Name string `json:"name"`

	// Description is a human-readable explanation of when this event fires.
	Description string `json:"description"`

	// Group is an optional category for organizing event kinds in docs/UI.
	Group string `json:"group,omitempty"`

	// Schema is an optional JSON Schema (draft-07) describing the payload shape.
	// When set, Emit validates the event payload against this schema.
	Schema json.RawMessage `json:"schema,omitempty"`

	// SchemaVersion tracks changes to the Schema itself.
	SchemaVersion string `json:"schema_version,omitempty"`

	// Version is the API version of this event kind.
	// Convention: date-based, e.g. "2025-01-01".
	Version string `json:"version"`

	// Example is an optional example payload for documentation and testing.
	Example json.RawMessage `json:"example,omitempty"`
}
