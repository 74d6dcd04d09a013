// Package postgres persists audit rows, the table registry, and organization
// links. Each inbound record is ingested in its own transaction so a failure
// mid-batch leaves earlier records durable.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"scribe/internal/audit"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Ingest appends one audit row plus its registry and organization rows in a
// single transaction. Appending is idempotent on the record's idempotency
// key: a replayed record commits nothing and returns nil.
func (s *Store) Ingest(ctx context.Context, e *audit.Entity, tenantIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	auditID, inserted, err := s.appendAudit(ctx, tx, e)
	if err != nil {
		return err
	}
	if !inserted {
		// Replay of an already-ingested record.
		return nil
	}

	if err := s.registerTable(ctx, tx, e.TableName); err != nil {
		return err
	}
	for _, orgID := range tenantIDs {
		if err := s.linkOrganization(ctx, tx, orgID, auditID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest tx: %w", err)
	}
	return nil
}

func (s *Store) appendAudit(ctx context.Context, tx *sql.Tx, e *audit.Entity) (int64, bool, error) {
	now := s.now().Unix()
	var auditID int64
	err := psql.Insert("audits").
		Columns("is_active", "created_at", "updated_at", "version",
			"record_id", "audit_datetime_utc", "audit_type", "audit_user",
			"table_name", "key_values", "old_values", "new_values", "changed_columns").
		Values(true, now, now, 1,
			e.RecordID, e.AuditDateTimeUTC, e.AuditType, e.AuditUser,
			e.TableName, e.KeyValues, e.OldValues, e.NewValues, e.ChangedColumns).
		Suffix("ON CONFLICT (record_id) DO NOTHING RETURNING id").
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&auditID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("append audit for %q: %w", e.TableName, err)
	}
	return auditID, true, nil
}

// registerTable records the table name on first sight. Concurrent ingesters
// can race on the same new name; the conflict clause makes the loser a no-op.
func (s *Store) registerTable(ctx context.Context, tx *sql.Tx, tableName string) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_tables WHERE table_name = $1)`,
		tableName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check table registry for %q: %w", tableName, err)
	}
	if exists {
		return nil
	}
	now := s.now().Unix()
	_, err = psql.Insert("audit_tables").
		Columns("is_active", "created_at", "updated_at", "version", "table_name").
		Values(true, now, now, 1, tableName).
		Suffix("ON CONFLICT (table_name) DO NOTHING").
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("register table %q: %w", tableName, err)
	}
	return nil
}

func (s *Store) linkOrganization(ctx context.Context, tx *sql.Tx, orgID, auditID int64) error {
	now := s.now().Unix()
	_, err := psql.Insert("audit_organizations").
		Columns("is_active", "created_at", "updated_at", "version", "organization_id", "audit_id").
		Values(true, now, now, 1, orgID, auditID).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("link audit %d to organization %d: %w", auditID, orgID, err)
	}
	return nil
}

// ScopedAuditIDs returns the audit rows reachable from any of the given
// organizations. An empty organization list yields an empty scope.
func (s *Store) ScopedAuditIDs(ctx context.Context, orgIDs []int64) ([]int64, error) {
	if len(orgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT audit_id FROM audit_organizations WHERE organization_id = ANY($1)`,
		pq.Array(orgIDs))
	if err != nil {
		return nil, fmt.Errorf("query scoped audit ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scoped audit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scoped audit ids: %w", err)
	}
	return ids, nil
}

// ListTables enumerates the registered table names.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := psql.Select("table_name").
		From("audit_tables").
		Where(sq.Eq{"is_active": true}).
		OrderBy("table_name ASC").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query table registry: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table registry: %w", err)
	}
	return names, nil
}
