package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scribe/pkg/changeset"
)

const (
	// maxCommitAttempts bounds the optimistic-concurrency retry loop.
	maxCommitAttempts = 3
	// defaultRetryDelay is the pause between commit attempts.
	defaultRetryDelay = 100 * time.Millisecond
)

// AuditStatus reports the outcome of post-commit audit propagation. The
// business write's own outcome travels in Commit's error; this status exists
// so callers can wire alerting on publish failures without the failure ever
// unwinding the committed transaction.
type AuditStatus int

const (
	// AuditNotConfigured means no post-commit hook is registered.
	AuditNotConfigured AuditStatus = iota
	// AuditSkipped means the commit produced no audit records.
	AuditSkipped
	// AuditPublished means the hook ran and reported success.
	AuditPublished
	// AuditFailed means the hook ran and failed; the failure was logged and
	// swallowed.
	AuditFailed
)

// Hook receives the audit batch after a successful commit, exactly once,
// synchronously. Its error is reported via AuditStatus, never as a commit
// error.
type Hook func(ctx context.Context, records []changeset.Record) error

// Counter is the minimal metrics surface the repository needs. A prometheus
// counter satisfies it.
type Counter interface {
	Inc()
}

// Repo is the generic repository over one entity type.
type Repo[T Entity] struct {
	backend      Backend[T]
	collector    *changeset.Collector
	afterSave    Hook
	logger       *slog.Logger
	retryDelay   time.Duration
	retryCounter Counter
	now          func() time.Time

	mu     sync.Mutex
	staged []stagedOp[T]
}

// Option configures a Repo.
type Option[T Entity] func(*Repo[T])

// WithAfterSave registers the post-commit audit hook. The collector decides
// which staged mutations become audit records.
func WithAfterSave[T Entity](collector *changeset.Collector, hook Hook) Option[T] {
	return func(r *Repo[T]) {
		r.collector = collector
		r.afterSave = hook
	}
}

// WithRetryDelay overrides the pause between commit attempts.
func WithRetryDelay[T Entity](d time.Duration) Option[T] {
	return func(r *Repo[T]) { r.retryDelay = d }
}

// WithRetryCounter counts optimistic-concurrency conflicts that trigger a
// commit retry.
func WithRetryCounter[T Entity](c Counter) Option[T] {
	return func(r *Repo[T]) { r.retryCounter = c }
}

// WithClock overrides the time source.
func WithClock[T Entity](now func() time.Time) Option[T] {
	return func(r *Repo[T]) { r.now = now }
}

// New creates a repository over the given backend.
func New[T Entity](backend Backend[T], logger *slog.Logger, opts ...Option[T]) *Repo[T] {
	r := &Repo[T]{
		backend:    backend,
		logger:     logger,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query returns all rows matching the given predicate and sort order.
func (r *Repo[T]) Query(ctx context.Context, filter *Filter, sort []SortKey) ([]T, error) {
	return r.backend.Select(ctx, Criteria{Filter: filter, Sort: sort})
}

// GetByID returns one row or ErrNotFound.
func (r *Repo[T]) GetByID(ctx context.Context, id int64) (T, error) {
	return r.backend.Get(ctx, id)
}

// GetPaginated parses the caller-supplied dynamic filter and order-by, applies
// the optional scope predicate, and returns the total match count plus one
// page. Malformed input surfaces ErrInvalidFilter.
func (r *Repo[T]) GetPaginated(ctx context.Context, scope *Filter, filter, orderBy string,
	pageSize, pageNumber int,
) (int64, []T, error) {
	columns := r.backend.Mapper().Columns()

	parsed, err := ParseFilter(filter, columns)
	if err != nil {
		return 0, nil, err
	}
	sort, err := ParseOrderBy(orderBy, columns)
	if err != nil {
		return 0, nil, err
	}
	if len(sort) == 0 {
		sort = []SortKey{{Column: "id", Desc: true}}
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageNumber <= 0 {
		pageNumber = 1
	}

	criteria := Criteria{Scope: scope, Filter: parsed, Sort: sort}
	total, err := r.backend.Count(ctx, criteria)
	if err != nil {
		return 0, nil, err
	}
	criteria.Limit = pageSize
	criteria.Offset = (pageNumber - 1) * pageSize
	page, err := r.backend.Select(ctx, criteria)
	if err != nil {
		return 0, nil, err
	}
	return total, page, nil
}

// Insert stages a new entity. IDs are assigned at commit time.
func (r *Repo[T]) Insert(e T) {
	now := r.now().Unix()
	b := e.base()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.IsActive = true

	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, stagedOp[T]{kind: opInsert, entity: e})
}

// Update stages an entity modification. The entity must have been read from
// this backend: its version token guards the commit.
func (r *Repo[T]) Update(e T) {
	b := e.base()
	b.UpdatedAt = r.now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, stagedOp[T]{kind: opUpdate, entity: e, expectedVersion: b.Version})
}

// SoftDelete loads the entity, clears its active flag and routes the change
// through Update. The row is never physically removed.
func (r *Repo[T]) SoftDelete(ctx context.Context, id int64) error {
	e, err := r.backend.Get(ctx, id)
	if err != nil {
		return err
	}
	e.base().IsActive = false
	r.Update(e)
	return nil
}

// HardDelete stages irreversible removal of all rows matching the predicate.
func (r *Repo[T]) HardDelete(filter *Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, stagedOp[T]{kind: opDelete, predicate: filter})
}

// Commit persists all staged mutations in one transaction, retrying
// optimistic-concurrency conflicts up to maxCommitAttempts with a short pause
// (honoring ctx between attempts). On success the post-commit hook receives
// the audit batch exactly once; its failure is logged, reported through the
// returned AuditStatus and never rolled back into the committed transaction.
func (r *Repo[T]) Commit(ctx context.Context, actorUser string, tenantIDs []int64) (AuditStatus, error) {
	r.mu.Lock()
	ops := r.staged
	r.mu.Unlock()

	var records []changeset.Record
	if r.afterSave != nil {
		records = r.collector.Collect(r.pendingSource(ctx, ops), actorUser, tenantIDs)
	}

	for attempt := 1; ; attempt++ {
		err := r.backend.Apply(ctx, ops)
		if err == nil {
			break
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return AuditSkipped, err
		}
		if attempt >= maxCommitAttempts {
			return AuditSkipped, fmt.Errorf("%w after %d attempts: %v",
				ErrConcurrencyExceeded, attempt, conflict)
		}
		if r.retryCounter != nil {
			r.retryCounter.Inc()
		}
		r.logger.Warn("commit hit concurrency conflict, retrying",
			"table", r.backend.Mapper().Table(),
			"attempt", attempt,
			"rows", conflict.IDs,
		)
		if err := r.reload(ctx, ops, conflict); err != nil {
			return AuditSkipped, err
		}
		select {
		case <-ctx.Done():
			return AuditSkipped, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	// Inserted rows only receive their keys during Apply; backfill them into
	// the Create records before the batch leaves the process.
	if len(records) > 0 {
		ri := 0
		for _, op := range ops {
			if op.kind != opInsert {
				continue
			}
			for ri < len(records) && records[ri].AuditType != changeset.AuditCreate {
				ri++
			}
			if ri == len(records) {
				break
			}
			records[ri].KeyValues["id"] = op.entity.base().ID
			ri++
		}
	}

	r.mu.Lock()
	r.staged = nil
	r.mu.Unlock()

	switch {
	case r.afterSave == nil:
		return AuditNotConfigured, nil
	case len(records) == 0:
		return AuditSkipped, nil
	}
	if err := r.afterSave(ctx, records); err != nil {
		// Audit propagation is best-effort: the business write already
		// committed and stands on its own.
		r.logger.Error("post-commit audit hook failed",
			"table", r.backend.Mapper().Table(),
			"records", len(records),
			"error", err,
		)
		return AuditFailed, nil
	}
	return AuditPublished, nil
}

// reload refreshes the concurrency tokens of conflicting update ops so the
// next attempt writes over the winner's version.
func (r *Repo[T]) reload(ctx context.Context, ops []stagedOp[T], conflict *ConflictError) error {
	conflicting := make(map[int64]struct{}, len(conflict.IDs))
	for _, id := range conflict.IDs {
		conflicting[id] = struct{}{}
	}
	for i := range ops {
		op := &ops[i]
		if op.kind != opUpdate {
			continue
		}
		b := op.entity.base()
		if _, hit := conflicting[b.ID]; !hit {
			continue
		}
		fresh, err := r.backend.Get(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("reload conflicting row %d: %w", b.ID, err)
		}
		b.Version = fresh.base().Version
		op.expectedVersion = b.Version
	}
	return nil
}
