// Package audit holds the durable audit entities: the append-only audit row,
// the table-name registry, and the organization link rows that scope audits
// to tenants.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"scribe/pkg/changeset"
	"scribe/pkg/repo"
)

// QueueName is the broker queue audit batches travel on.
const QueueName = "audit-events"

// Entity is one append-only audit row. Value maps and changed columns are
// stored JSON-encoded; empty collections are stored as empty strings.
type Entity struct {
	repo.Base
	RecordID         string
	AuditDateTimeUTC int64
	AuditType        string
	AuditUser        string
	TableName        string
	KeyValues        string
	OldValues        string
	NewValues        string
	ChangedColumns   string
}

// TableEntity registers a table name the first time an audit for it arrives.
type TableEntity struct {
	repo.Base
	TableName string
}

// OrgLink scopes one audit row to one organization.
type OrgLink struct {
	repo.Base
	OrganizationID int64
	AuditID        int64
}

// FromRecord converts a propagated change record into a storable audit row.
func FromRecord(rec changeset.Record, now time.Time) (*Entity, error) {
	keyValues, err := encodeValues(rec.KeyValues)
	if err != nil {
		return nil, fmt.Errorf("encode key values for %q: %w", rec.TableName, err)
	}
	oldValues, err := encodeValues(rec.OldValues)
	if err != nil {
		return nil, fmt.Errorf("encode old values for %q: %w", rec.TableName, err)
	}
	newValues, err := encodeValues(rec.NewValues)
	if err != nil {
		return nil, fmt.Errorf("encode new values for %q: %w", rec.TableName, err)
	}
	changed := ""
	if len(rec.ChangedColumns) > 0 {
		raw, err := json.Marshal(rec.ChangedColumns)
		if err != nil {
			return nil, fmt.Errorf("encode changed columns for %q: %w", rec.TableName, err)
		}
		changed = string(raw)
	}
	return &Entity{
		RecordID:         rec.RecordID,
		AuditDateTimeUTC: now.UTC().Unix(),
		AuditType:        string(rec.AuditType),
		AuditUser:        rec.ActorUser,
		TableName:        rec.TableName,
		KeyValues:        keyValues,
		OldValues:        oldValues,
		NewValues:        newValues,
		ChangedColumns:   changed,
	}, nil
}

func encodeValues(values map[string]any) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EntityMapper maps Entity onto the audits table.
type EntityMapper struct{}

func (EntityMapper) Table() string { return "audits" }

func (EntityMapper) Columns() []string {
	return append(repo.BaseColumns(),
		"record_id", "audit_datetime_utc", "audit_type", "audit_user",
		"table_name", "key_values", "old_values", "new_values", "changed_columns")
}

func (EntityMapper) New() *Entity { return &Entity{} }

func (EntityMapper) Fields(e *Entity) []any {
	return append(e.BaseFields(),
		&e.RecordID, &e.AuditDateTimeUTC, &e.AuditType, &e.AuditUser,
		&e.TableName, &e.KeyValues, &e.OldValues, &e.NewValues, &e.ChangedColumns)
}

func (EntityMapper) Values(e *Entity) map[string]any {
	values := e.BaseValues()
	values["record_id"] = e.RecordID
	values["audit_datetime_utc"] = e.AuditDateTimeUTC
	values["audit_type"] = e.AuditType
	values["audit_user"] = e.AuditUser
	values["table_name"] = e.TableName
	values["key_values"] = e.KeyValues
	values["old_values"] = e.OldValues
	values["new_values"] = e.NewValues
	values["changed_columns"] = e.ChangedColumns
	return values
}

// TableMapper maps TableEntity onto the audit_tables registry.
type TableMapper struct{}

func (TableMapper) Table() string { return "audit_tables" }

func (TableMapper) Columns() []string {
	return append(repo.BaseColumns(), "table_name")
}

func (TableMapper) New() *TableEntity { return &TableEntity{} }

func (TableMapper) Fields(e *TableEntity) []any {
	return append(e.BaseFields(), &e.TableName)
}

func (TableMapper) Values(e *TableEntity) map[string]any {
	values := e.BaseValues()
	values["table_name"] = e.TableName
	return values
}

// OrgLinkMapper maps OrgLink onto the audit_organizations table.
type OrgLinkMapper struct{}

func (OrgLinkMapper) Table() string { return "audit_organizations" }

func (OrgLinkMapper) Columns() []string {
	return append(repo.BaseColumns(), "organization_id", "audit_id")
}

func (OrgLinkMapper) New() *OrgLink { return &OrgLink{} }

func (OrgLinkMapper) Fields(e *OrgLink) []any {
	return append(e.BaseFields(), &e.OrganizationID, &e.AuditID)
}

func (OrgLinkMapper) Values(e *OrgLink) map[string]any {
	values := e.BaseValues()
	values["organization_id"] = e.OrganizationID
	values["audit_id"] = e.AuditID
	return values
}
