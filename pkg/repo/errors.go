package repo

import (
	"errors"
	"fmt"
)

// Sentinel errors for the data-access layer. Callers translate these at the
// transport edge: ErrInvalidFilter maps to a bad request, ErrNotFound to a
// 404-equivalent, ErrConcurrencyExceeded means the business write did not
// happen.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidFilter       = errors.New("invalid filter")
	ErrConcurrencyExceeded = errors.New("concurrency retry budget exhausted")
)

// ConflictError reports an optimistic concurrency conflict: the listed rows
// changed under the transaction since they were read. The commit loop reloads
// them and retries.
type ConflictError struct {
	Table string
	IDs   []int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s, rows %v", e.Table, e.IDs)
}
