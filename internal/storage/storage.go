// Package storage defines the persistence adapter used by the staging
// pipeline, the aggregation engine and the ledger service.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrPersistence wraps every failure reported by the underlying database.
	ErrPersistence = errors.New("persistence failure")
)

// Query describes a read against one relation, optionally joined.
type Query struct {
	Model    any
	Select   []string
	Distinct bool
	Joins    string
	Where    string
	Args     []any
	Order    string
	Limit    int
}

// Store is the persistence adapter. Implementations must be safe for
// concurrent use; the value handed to a WithTransaction or WithConn callback
// is bound to that transaction or connection and must not escape it.
type Store interface {
	// Scoping
	WithTransaction(ctx context.Context, fn func(Store) error) error
	WithConn(ctx context.Context, fn func(Store) error) error

	// Reads
	Get(ctx context.Context, dest any, where string, args ...any) error
	Scan(ctx context.Context, dest any, q Query) error
	Count(ctx context.Context, model any, where string, args ...any) (int64, error)

	// Writes
	Insert(ctx context.Context, rows any) error
	Update(ctx context.Context, model any, values map[string]any, where string, args ...any) (int64, error)
	Delete(ctx context.Context, model any, where string, args ...any) (int64, error)

	// Relation lifecycle
	CreateTemp(ctx context.Context, model any) error
	Truncate(ctx context.Context, model any) error
	Drop(ctx context.Context, model any) error
}
