// Package repo provides a generic repository over Neo4j. Entities map to
// nodes of one label; callers supply the property conversion in both
// directions.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no node matches the given ID.
var ErrNotFound = errors.New("entity not found")

// Repository is the generic CRUD surface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts paginates List.
type ListOpts struct {
	Offset int
	Limit  int
}
