package store

import "context"

// UpdateFunc computes a new record list from a freshly read one. Returning changed=false
// skips the write.
type UpdateFunc func(records []Record) (next []Record, changed bool, err error)

// Backend holds the whole record list under one namespaced key.
type Backend interface {
	// Load returns the stored list.
	Load(ctx context.Context) ([]Record, error)
	// Update reads the list, applies fn and writes the result as one atomic step with
	// respect to other writers of the same backend.
	Update(ctx context.Context, fn UpdateFunc) error
	Close() error
}
