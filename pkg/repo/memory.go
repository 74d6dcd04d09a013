package repo

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MemoryBackend keeps entities in a map. It honors the same version-token
// contract as the SQL backend, which makes it the workhorse of unit tests and
// of local development without a database.
type MemoryBackend[T Entity] struct {
	mapper Mapper[T]

	mu     sync.RWMutex
	rows   map[int64]T
	nextID int64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend[T Entity](mapper Mapper[T]) *MemoryBackend[T] {
	return &MemoryBackend[T]{mapper: mapper, rows: make(map[int64]T), nextID: 1}
}

func (m *MemoryBackend[T]) Mapper() Mapper[T] { return m.mapper }

func (m *MemoryBackend[T]) Get(_ context.Context, id int64) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return m.clone(row), nil
}

func (m *MemoryBackend[T]) Select(_ context.Context, c Criteria) ([]T, error) {
	m.mu.RLock()
	matched := m.matchLocked(c)
	m.mu.RUnlock()

	m.sortRows(matched, c.Sort)

	if c.Offset > 0 {
		if c.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[c.Offset:]
		}
	}
	if c.Limit > 0 && len(matched) > c.Limit {
		matched = matched[:c.Limit]
	}

	out := make([]T, len(matched))
	for i, row := range matched {
		out[i] = m.clone(row)
	}
	return out, nil
}

func (m *MemoryBackend[T]) Count(_ context.Context, c Criteria) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matchLocked(c))), nil
}

func (m *MemoryBackend[T]) Apply(_ context.Context, ops []stagedOp[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every version token before touching anything so a conflict
	// leaves the store unchanged, like a rolled-back transaction.
	var conflicts []int64
	for _, op := range ops {
		if op.kind != opUpdate {
			continue
		}
		id := op.entity.base().ID
		existing, ok := m.rows[id]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if existing.base().Version != op.expectedVersion {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Table: m.mapper.Table(), IDs: conflicts}
	}

	for _, op := range ops {
		switch op.kind {
		case opInsert:
			b := op.entity.base()
			b.ID = m.nextID
			m.nextID++
			b.Version = 1
			m.rows[b.ID] = m.clone(op.entity)

		case opUpdate:
			b := op.entity.base()
			b.Version++
			m.rows[b.ID] = m.clone(op.entity)

		case opDelete:
			for id, row := range m.rows {
				if op.predicate.Match(m.mapper.Values(row)) {
					delete(m.rows, id)
				}
			}
		}
	}
	return nil
}

func (m *MemoryBackend[T]) matchLocked(c Criteria) []T {
	var matched []T
	for _, row := range m.rows {
		values := m.mapper.Values(row)
		if c.Scope.Match(values) && c.Filter.Match(values) {
			matched = append(matched, row)
		}
	}
	return matched
}

func (m *MemoryBackend[T]) sortRows(rows []T, keys []SortKey) {
	if len(keys) == 0 {
		keys = []SortKey{{Column: "id"}}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		vi := m.mapper.Values(rows[i])
		vj := m.mapper.Values(rows[j])
		for _, key := range keys {
			cmp := compareValues(vi[key.Column], vj[key.Column])
			if cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// clone deep-copies an entity through its mapper so callers never share
// memory with the store.
func (m *MemoryBackend[T]) clone(e T) T {
	fresh := m.mapper.New()
	src := m.mapper.Fields(e)
	dst := m.mapper.Fields(fresh)
	for i := range src {
		reflect.ValueOf(dst[i]).Elem().Set(reflect.ValueOf(src[i]).Elem())
	}
	return fresh
}
