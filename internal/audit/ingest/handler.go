// Package ingest consumes propagated audit batches and writes them to the
// durable audit store, one transaction per record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scribe/internal/audit"
	"scribe/internal/platform/metrics"
	"scribe/pkg/changeset"
	"scribe/pkg/eventbus"
)

// ErrPartialIngestion means a batch stopped mid-way: records before the
// failure are committed, the failing record and everything after it are not.
var ErrPartialIngestion = errors.New("audit batch partially ingested")

// Store persists one audit record atomically. Ingest must be idempotent on
// the record's idempotency key.
type Store interface {
	Ingest(ctx context.Context, e *audit.Entity, tenantIDs []int64) error
}

// Handler ingests one audit batch per inbound message.
type Handler struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{store: store, logger: logger, metrics: m, now: time.Now}
}

// HandleEvent decodes an audit batch and ingests its records in order. Each
// record gets its own transaction; the first failure stops the batch, leaving
// earlier records committed. Replayed records are skipped by the store, so
// redelivering a partially ingested batch converges.
func (h *Handler) HandleEvent(ctx context.Context, payload []byte) error {
	env, err := eventbus.DecodeEnvelope[[]changeset.Record](payload)
	if err != nil {
		return fmt.Errorf("decode audit batch: %w", err)
	}

	for i, rec := range env.Model {
		e, err := audit.FromRecord(rec, h.now())
		if err != nil {
			h.metrics.IngestionFailures.Inc()
			return fmt.Errorf("%w: record %d of %d: %v", ErrPartialIngestion, i+1, len(env.Model), err)
		}
		tenants := rec.TenantIDs
		if changeset.IsSystemActor(rec.ActorUser) {
			tenants = nil
		}
		if err := h.store.Ingest(ctx, e, tenants); err != nil {
			h.metrics.IngestionFailures.Inc()
			h.logger.ErrorContext(ctx, "audit record ingestion failed",
				"table", rec.TableName,
				"record_id", rec.RecordID,
				"position", i+1,
				"batch_size", len(env.Model),
				"error", err,
			)
			return fmt.Errorf("%w: record %d of %d (table %q): %v",
				ErrPartialIngestion, i+1, len(env.Model), rec.TableName, err)
		}
		h.metrics.RecordsIngested.Inc()
	}
	return nil
}
