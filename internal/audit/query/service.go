// Package query serves tenant-scoped reads over the durable audit store and
// writes export log entries through the same pipeline that produced the rows.
package query

import (
	"context"
	"fmt"
	"log/slog"

	"scribe/internal/audit"
	"scribe/internal/platform/metrics"
	"scribe/pkg/changeset"
	"scribe/pkg/eventbus"
	"scribe/pkg/repo"
)

// Store resolves tenant scopes and enumerates the table registry.
type Store interface {
	ScopedAuditIDs(ctx context.Context, orgIDs []int64) ([]int64, error)
	ListTables(ctx context.Context) ([]string, error)
}

// Publisher sends payloads to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) (eventbus.Status, error)
}

// Caller is the authenticated identity a query runs as.
type Caller struct {
	User            string
	OrganizationIDs []int64
	SuperUser       bool
}

// Service answers audit queries. Super-users see everything; everyone else
// sees only audits linked to at least one of their organizations.
type Service struct {
	audits    *repo.Repo[*audit.Entity]
	store     Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(audits *repo.Repo[*audit.Entity], store Store, publisher Publisher,
	logger *slog.Logger, m *metrics.Metrics,
) *Service {
	return &Service{audits: audits, store: store, publisher: publisher, logger: logger, metrics: m}
}

// List returns the total match count and one page of audit rows visible to
// the caller. The filter and orderBy expressions follow the dynamic query
// grammar; malformed input surfaces repo.ErrInvalidFilter.
func (s *Service) List(ctx context.Context, caller Caller, filter, orderBy string,
	pageSize, pageNumber int,
) (int64, []*audit.Entity, error) {
	var scope *repo.Filter
	if !caller.SuperUser {
		ids, err := s.store.ScopedAuditIDs(ctx, caller.OrganizationIDs)
		if err != nil {
			return 0, nil, fmt.Errorf("resolve tenant scope for %q: %w", caller.User, err)
		}
		scope = repo.IDIn(ids)
	}
	return s.audits.GetPaginated(ctx, scope, filter, orderBy, pageSize, pageNumber)
}

// Tables enumerates the registered table names.
func (s *Service) Tables(ctx context.Context) ([]string, error) {
	return s.store.ListTables(ctx)
}

// RecordExport logs a data export as an audit record through the regular
// propagation path, so exports land in the same store as mutations. Delivery
// is best-effort: broker trouble is reported via the status, never an error.
func (s *Service) RecordExport(ctx context.Context, caller Caller, tableName, filter string) (eventbus.Status, error) {
	tenants := caller.OrganizationIDs
	if changeset.IsSystemActor(caller.User) {
		tenants = nil
	}
	rec := changeset.Record{
		RecordID:  changeset.NewRecordID(),
		AuditType: changeset.AuditExport,
		ActorUser: caller.User,
		TenantIDs: tenants,
		TableName: tableName,
		NewValues: map[string]any{"Filter": filter},
	}
	payload, err := eventbus.NewEnvelope(audit.QueueName, []changeset.Record{rec}).Encode()
	if err != nil {
		return eventbus.StatusFailed, err
	}
	status, err := s.publisher.Publish(ctx, audit.QueueName, payload)
	if status == eventbus.StatusSuccess {
		s.metrics.RecordsPublished.Inc()
	} else {
		s.metrics.PublishFailures.Inc()
		s.logger.ErrorContext(ctx, "export audit publish failed",
			"table", tableName,
			"user", caller.User,
			"error", err,
		)
	}
	return status, err
}
