package repo

import "context"

// Criteria selects rows for a read. Scope is an extra predicate the caller's
// service layer supplies (e.g. tenant scoping); Filter is parsed caller input.
type Criteria struct {
	Scope  *Filter
	Filter *Filter
	Sort   []SortKey
	Limit  int
	Offset int
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

// stagedOp is one pending mutation, applied at commit time. Update ops carry
// the version the row had when it was read; the backend refuses to apply them
// over a newer version.
type stagedOp[T Entity] struct {
	kind            opKind
	entity          T
	expectedVersion int64
	predicate       *Filter // hard deletes only
}

// Backend persists one entity type. Implementations: the squirrel/lib-pq SQL
// backend and the in-memory backend used by tests.
type Backend[T Entity] interface {
	Mapper() Mapper[T]

	Get(ctx context.Context, id int64) (T, error)
	Select(ctx context.Context, c Criteria) ([]T, error)
	Count(ctx context.Context, c Criteria) (int64, error)

	// Apply runs all staged ops in one transaction. A version mismatch
	// returns *ConflictError and leaves the store untouched. On success
	// inserted entities carry their assigned IDs and updated entities their
	// bumped versions.
	Apply(ctx context.Context, ops []stagedOp[T]) error
}
