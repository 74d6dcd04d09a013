package repo

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/pkg/changeset"
)

type widget struct {
	Base
	Name string
	Qty  int64
}

type widgetMapper struct{}

func (widgetMapper) Table() string { return "widgets" }

func (widgetMapper) Columns() []string {
	return append(BaseColumns(), "name", "qty")
}

func (widgetMapper) New() *widget { return &widget{} }

func (widgetMapper) Fields(w *widget) []any {
	return append(w.BaseFields(), &w.Name, &w.Qty)
}

func (widgetMapper) Values(w *widget) map[string]any {
	values := w.BaseValues()
	values["name"] = w.Name
	values["qty"] = w.Qty
	return values
}

// conflictingBackend reports a concurrency conflict for the first `failures`
// Apply calls, then delegates.
type conflictingBackend struct {
	*MemoryBackend[*widget]
	failures int
	attempts int
}

func (b *conflictingBackend) Apply(ctx context.Context, ops []stagedOp[*widget]) error {
	b.attempts++
	if b.attempts <= b.failures {
		var ids []int64
		for _, op := range ops {
			if op.kind == opUpdate {
				ids = append(ids, op.entity.base().ID)
			}
		}
		return &ConflictError{Table: "widgets", IDs: ids}
	}
	return b.MemoryBackend.Apply(ctx, ops)
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newWidgetRepo(t *testing.T, opts ...Option[*widget]) (*Repo[*widget], *MemoryBackend[*widget]) {
	t.Helper()
	backend := NewMemoryBackend[*widget](widgetMapper{})
	opts = append(opts, WithRetryDelay[*widget](time.Millisecond))
	return New(backend, testLogger(), opts...), backend
}

func TestCommit_InsertAssignsIDAndAuditsCreate(t *testing.T) {
	var captured []changeset.Record
	hook := func(_ context.Context, records []changeset.Record) error {
		captured = records
		return nil
	}
	collector := changeset.NewCollector()
	backend := NewMemoryBackend[*widget](widgetMapper{})
	r := New(backend, testLogger(), WithAfterSave[*widget](collector, hook))

	w := &widget{Name: "A", Qty: 2}
	r.Insert(w)
	status, err := r.Commit(context.Background(), "alice", []int64{7})

	require.NoError(t, err)
	assert.Equal(t, AuditPublished, status)
	assert.NotZero(t, w.ID)
	assert.True(t, w.IsActive)

	require.Len(t, captured, 1)
	rec := captured[0]
	assert.Equal(t, changeset.AuditCreate, rec.AuditType)
	assert.Equal(t, "alice", rec.ActorUser)
	assert.Equal(t, []int64{7}, rec.TenantIDs)
	assert.Equal(t, "widgets", rec.TableName)
	assert.Equal(t, "A", rec.NewValues["name"])
	assert.Equal(t, w.ID, rec.KeyValues["id"])
	assert.Empty(t, rec.OldValues)
}

func TestCommit_RetryBudgetExhausted(t *testing.T) {
	backend := &conflictingBackend{
		MemoryBackend: NewMemoryBackend[*widget](widgetMapper{}),
		failures:      1000,
	}
	r := New[*widget](backend, testLogger(), WithRetryDelay[*widget](time.Millisecond))

	w := &widget{Name: "A"}
	r.Insert(w)
	_, err := r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)

	w.Name = "B"
	r.Update(w)
	backend.attempts = 0
	_, err = r.Commit(context.Background(), "alice", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrencyExceeded)
	assert.Equal(t, 3, backend.attempts, "a permanently conflicting commit is attempted exactly 3 times")
}

func TestCommit_SucceedsOnSecondAttemptAndHookFiresOnce(t *testing.T) {
	hookCalls := 0
	hook := func(context.Context, []changeset.Record) error {
		hookCalls++
		return nil
	}
	backend := &conflictingBackend{MemoryBackend: NewMemoryBackend[*widget](widgetMapper{})}
	r := New[*widget](backend, testLogger(),
		WithRetryDelay[*widget](time.Millisecond),
		WithAfterSave[*widget](changeset.NewCollector(), hook),
	)

	w := &widget{Name: "A"}
	r.Insert(w)
	_, err := r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)
	hookCalls = 0

	w.Name = "B"
	r.Update(w)
	backend.attempts = 0
	backend.failures = 1

	status, err := r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, AuditPublished, status)
	assert.Equal(t, 2, backend.attempts)
	assert.Equal(t, 1, hookCalls, "post-commit hook fires exactly once")
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func TestCommit_ConflictRetriesAreCounted(t *testing.T) {
	counter := &countingCounter{}
	backend := &conflictingBackend{
		MemoryBackend: NewMemoryBackend[*widget](widgetMapper{}),
		failures:      1,
	}
	r := New[*widget](backend, testLogger(),
		WithRetryDelay[*widget](time.Millisecond),
		WithRetryCounter[*widget](counter),
	)

	r.Insert(&widget{Name: "A"})
	_, err := r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.n, "one conflict, one counted retry")

	backend.attempts = 0
	backend.failures = 1000
	counter.n = 0
	r.Insert(&widget{Name: "B"})
	_, err = r.Commit(context.Background(), "alice", nil)
	require.ErrorIs(t, err, ErrConcurrencyExceeded)
	assert.Equal(t, 2, counter.n, "the final failed attempt is not a retry")
}

func TestCommit_HookFailureIsSwallowed(t *testing.T) {
	hook := func(context.Context, []changeset.Record) error {
		return assert.AnError
	}
	r, _ := newWidgetRepo(t, WithAfterSave[*widget](changeset.NewCollector(), hook))

	r.Insert(&widget{Name: "A"})
	status, err := r.Commit(context.Background(), "alice", nil)

	require.NoError(t, err, "publish failure never fails the business write")
	assert.Equal(t, AuditFailed, status)
}

func TestCommit_UpdateAuditsOnlyChangedColumns(t *testing.T) {
	var captured []changeset.Record
	hook := func(_ context.Context, records []changeset.Record) error {
		captured = records
		return nil
	}
	r, _ := newWidgetRepo(t, WithAfterSave[*widget](changeset.NewCollector(), hook))

	w := &widget{Name: "A", Qty: 2}
	r.Insert(w)
	_, err := r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)

	w.Name = "B" // qty untouched
	r.Update(w)
	_, err = r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)

	require.Len(t, captured, 1)
	rec := captured[0]
	assert.Equal(t, changeset.AuditUpdate, rec.AuditType)
	assert.Contains(t, rec.ChangedColumns, "name")
	assert.NotContains(t, rec.ChangedColumns, "qty")
	assert.Equal(t, "A", rec.OldValues["name"])
	assert.Equal(t, "B", rec.NewValues["name"])
}

func TestSoftDelete_RoutesThroughUpdate(t *testing.T) {
	r, backend := newWidgetRepo(t)
	ctx := context.Background()

	w := &widget{Name: "A"}
	r.Insert(w)
	_, err := r.Commit(ctx, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, r.SoftDelete(ctx, w.ID))
	_, err = r.Commit(ctx, "alice", nil)
	require.NoError(t, err)

	stored, err := backend.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive, "soft delete deactivates instead of removing")
}

func TestHardDelete_RemovesMatchingRows(t *testing.T) {
	r, backend := newWidgetRepo(t)
	ctx := context.Background()

	for _, name := range []string{"keep", "drop"} {
		r.Insert(&widget{Name: name})
	}
	_, err := r.Commit(ctx, "alice", nil)
	require.NoError(t, err)

	pred, err := ParseFilter(`name == "drop"`, widgetMapper{}.Columns())
	require.NoError(t, err)
	r.HardDelete(pred)
	_, err = r.Commit(ctx, "alice", nil)
	require.NoError(t, err)

	total, err := backend.Count(ctx, Criteria{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestGetPaginated(t *testing.T) {
	r, _ := newWidgetRepo(t)
	ctx := context.Background()

	for i := int64(1); i <= 25; i++ {
		r.Insert(&widget{Name: "w", Qty: i})
	}
	_, err := r.Commit(ctx, "alice", nil)
	require.NoError(t, err)

	total, page, err := r.GetPaginated(ctx, nil, "qty > 5", "qty asc", 10, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 20, total)
	require.Len(t, page, 10)
	assert.EqualValues(t, 16, page[0].Qty, "second page starts after the first ten matches")
}

func TestGetPaginated_InvalidFilterSurfacesTypedError(t *testing.T) {
	r, _ := newWidgetRepo(t)

	_, _, err := r.GetPaginated(context.Background(), nil, "bogus ==", "", 10, 1)
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, _, err = r.GetPaginated(context.Background(), nil, "", "id sideways", 10, 1)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestCommit_SystemActorHasEmptyTenantScope(t *testing.T) {
	var captured []changeset.Record
	hook := func(_ context.Context, records []changeset.Record) error {
		captured = records
		return nil
	}
	r, _ := newWidgetRepo(t, WithAfterSave[*widget](changeset.NewCollector(), hook))

	r.Insert(&widget{Name: "A"})
	_, err := r.Commit(context.Background(), changeset.SystemUser, []int64{1, 2, 3})
	require.NoError(t, err)

	require.Len(t, captured, 1)
	assert.Empty(t, captured[0].TenantIDs)
}

func TestCommit_HonorsContextBetweenRetries(t *testing.T) {
	backend := &conflictingBackend{
		MemoryBackend: NewMemoryBackend[*widget](widgetMapper{}),
	}
	r := New[*widget](backend, testLogger(), WithRetryDelay[*widget](time.Hour))

	w := &widget{Name: "A"}
	r.Insert(w)
	_, err := r.Commit(context.Background(), "alice", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Name = "B"
	r.Update(w)
	backend.attempts = 0
	backend.failures = 1

	_, err = r.Commit(ctx, "alice", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
