package catalog

import (
	"time"

	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

// Kind is the persisted entity for a registered event kind.
// It wraps Definition with identity and deprecation state.
type Kind struct {
	entity.Entity

	// ID is the unique TypeID for this event kind.
	ID id.ID `json:"id"`

	// Definition contains the event kind descriptor.
	Definition Definition `json:"definition"`

	// IsDeprecated indicates whether this event kind has been soft-deleted.
	IsDeprecated bool `json:"deprecated"`

	// DeprecatedAt is when the event kind was deprecated.
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`

	// Metadata holds user-defined key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ListOpts configures filtering and pagination for event kind listing.
type ListOpts struct {
	Offset            int
	Limit             int
	Group             string
	IncludeDeprecated bool
}
