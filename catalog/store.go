package catalog

import (
	"context"

	"github.com/hookline/courier/id"
)

// Store defines the persistence contract for the event kind catalog.
type Store interface {
	// RegisterKind creates or updates an event kind definition.
	RegisterKind(ctx context.Context, k *Kind) error

	// GetKind returns an event kind by name (e.g. "invoice.created").
	GetKind(ctx context.Context, name string) (*Kind, error)

	// GetKindByID returns an event kind by its TypeID.
	GetKindByID(ctx context.Context, kindID id.ID) (*Kind, error)

	// ListKinds returns all registered event kinds, optionally filtered.
	ListKinds(ctx context.Context, opts ListOpts) ([]*Kind, error)

	// DeleteKind soft-deletes (deprecates) an event kind.
	DeleteKind(ctx context.Context, name string) error
}
