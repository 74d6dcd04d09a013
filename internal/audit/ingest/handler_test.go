package ingest

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/audit"
	"scribe/internal/audit/store/memory"
	"scribe/internal/platform/metrics"
	"scribe/pkg/changeset"
	"scribe/pkg/eventbus"
)

func testHandler(store *memory.Store) *Handler {
	h := New(store, slog.New(slog.DiscardHandler), metrics.NewWith(prometheus.NewRegistry()))
	h.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return h
}

func encodeBatch(t *testing.T, records []changeset.Record) []byte {
	t.Helper()
	payload, err := eventbus.NewEnvelope(audit.QueueName, records).Encode()
	require.NoError(t, err)
	return payload
}

func userRecord(table string) changeset.Record {
	return changeset.Record{
		RecordID:       changeset.NewRecordID(),
		AuditType:      changeset.AuditUpdate,
		ActorUser:      "alice",
		TenantIDs:      []int64{10, 20},
		TableName:      table,
		KeyValues:      map[string]any{"Id": int64(7)},
		OldValues:      map[string]any{"Name": "old"},
		NewValues:      map[string]any{"Name": "new"},
		ChangedColumns: []string{"name"},
	}
}

func TestHandleEventIngestsBatchInOrder(t *testing.T) {
	store := memory.New()
	h := testHandler(store)

	first := userRecord("accounts")
	second := userRecord("contracts")
	err := h.HandleEvent(context.Background(), encodeBatch(t, []changeset.Record{first, second}))

	require.NoError(t, err)
	rows := store.Audits()
	require.Len(t, rows, 2)
	assert.Equal(t, "accounts", rows[0].TableName)
	assert.Equal(t, "contracts", rows[1].TableName)
	assert.Equal(t, first.RecordID, rows[0].RecordID)
	assert.Equal(t, "Update", rows[0].AuditType)
	assert.Equal(t, "alice", rows[0].AuditUser)
	assert.Equal(t, int64(1_700_000_000), rows[0].AuditDateTimeUTC)
	assert.JSONEq(t, `{"Name":"new"}`, rows[0].NewValues)
	assert.JSONEq(t, `["name"]`, rows[0].ChangedColumns)
}

func TestHandleEventLinksTenants(t *testing.T) {
	store := memory.New()
	h := testHandler(store)

	rec := userRecord("accounts")
	require.NoError(t, h.HandleEvent(context.Background(), encodeBatch(t, []changeset.Record{rec})))

	links := store.Links()
	require.Len(t, links, 2)
	assert.Equal(t, int64(10), links[0].OrganizationID)
	assert.Equal(t, int64(20), links[1].OrganizationID)
	assert.Equal(t, links[0].AuditID, links[1].AuditID)
}

func TestHandleEventSystemActorGetsNoTenantLinks(t *testing.T) {
	store := memory.New()
	h := testHandler(store)

	rec := userRecord("accounts")
	rec.ActorUser = "system"
	require.NoError(t, h.HandleEvent(context.Background(), encodeBatch(t, []changeset.Record{rec})))

	assert.Len(t, store.Audits(), 1)
	assert.Empty(t, store.Links())
}

func TestHandleEventStopsAtFirstFailure(t *testing.T) {
	store := memory.New()
	store.FailTable("contracts", errors.New("disk full"))
	h := testHandler(store)

	batch := []changeset.Record{userRecord("accounts"), userRecord("contracts"), userRecord("orders")}
	err := h.HandleEvent(context.Background(), encodeBatch(t, batch))

	assert.ErrorIs(t, err, ErrPartialIngestion)
	rows := store.Audits()
	require.Len(t, rows, 1)
	assert.Equal(t, "accounts", rows[0].TableName)
}

func TestHandleEventReplayIsIdempotent(t *testing.T) {
	store := memory.New()
	h := testHandler(store)

	payload := encodeBatch(t, []changeset.Record{userRecord("accounts")})
	require.NoError(t, h.HandleEvent(context.Background(), payload))
	require.NoError(t, h.HandleEvent(context.Background(), payload))

	assert.Len(t, store.Audits(), 1)
	assert.Len(t, store.Links(), 2)
}

func TestHandleEventRejectsGarbage(t *testing.T) {
	h := testHandler(memory.New())
	assert.Error(t, h.HandleEvent(context.Background(), []byte("not json")))
}

func TestHandleEventRegistersTables(t *testing.T) {
	store := memory.New()
	h := testHandler(store)

	batch := []changeset.Record{userRecord("contracts"), userRecord("accounts"), userRecord("contracts")}
	require.NoError(t, h.HandleEvent(context.Background(), encodeBatch(t, batch)))

	tables, err := store.ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "contracts"}, tables)
}
