// Package repo is a generic data-access facade: dynamic filter/sort/paginate
// reads, staged insert/update/soft-delete writes, and commits with bounded
// optimistic-concurrency retry and a post-commit audit hook.
package repo

// Base carries the common entity contract: identity, the soft-delete flag,
// bookkeeping timestamps (epoch seconds) and the optimistic concurrency token.
// Entities embed it by value on a pointer receiver.
type Base struct {
	ID        int64
	IsActive  bool
	CreatedAt int64
	UpdatedAt int64
	Version   int64
}

func (b *Base) base() *Base { return b }

// Entity is satisfied by any pointer-to-struct embedding Base.
type Entity interface {
	base() *Base
}

// Base column names, in scan order. Mappers prepend these to their own columns.
var baseColumns = []string{"id", "is_active", "created_at", "updated_at", "version"}

// BaseColumns returns the storage columns every entity carries.
func BaseColumns() []string {
	out := make([]string, len(baseColumns))
	copy(out, baseColumns)
	return out
}

// BaseFields returns scan destinations for the base columns, aligned with
// BaseColumns.
func (b *Base) BaseFields() []any {
	return []any{&b.ID, &b.IsActive, &b.CreatedAt, &b.UpdatedAt, &b.Version}
}

// BaseValues returns the base columns as a column-to-value map.
func (b *Base) BaseValues() map[string]any {
	return map[string]any{
		"id":         b.ID,
		"is_active":  b.IsActive,
		"created_at": b.CreatedAt,
		"updated_at": b.UpdatedAt,
		"version":    b.Version,
	}
}

// Mapper describes how an entity type maps onto storage. Implementations are
// small hand-written structs next to the entity definitions.
type Mapper[T Entity] interface {
	// Table is the logical table name, also used in audit records.
	Table() string
	// Columns lists storage columns, base columns first.
	Columns() []string
	// New returns a zero entity ready for scanning.
	New() T
	// Fields returns scan destinations aligned with Columns.
	Fields(e T) []any
	// Values returns the entity's current state as a column-to-value map.
	Values(e T) map[string]any
}
