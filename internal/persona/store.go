package persona

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when no persona has the given ID.
var ErrNotFound = errors.New("persona: not found")

// Store persists persona descriptors. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get retrieves a persona by ID. Returns [ErrNotFound] if it does not exist.
	Get(ctx context.Context, id string) (*Descriptor, error)

	// Put creates or replaces a persona. The descriptor is validated first.
	// An empty ID is replaced by a freshly generated one, written back to d.
	Put(ctx context.Context, d *Descriptor) error

	// Delete removes a persona by ID. Deleting a non-existent persona is not
	// an error.
	Delete(ctx context.Context, id string) error

	// List returns all personas ordered by name.
	List(ctx context.Context) ([]Descriptor, error)
}
