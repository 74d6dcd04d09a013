// Package changeset turns tracked entity mutations into audit record drafts.
// It operates on an abstract mutation descriptor so any persistence layer with
// change tracking can feed it.
package changeset

import (
	"strings"

	"github.com/google/uuid"
)

// State is the lifecycle state of a tracked mutation.
type State int

const (
	Unchanged State = iota
	Created
	Modified
	Deleted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// AuditType classifies what an audit record describes.
type AuditType string

const (
	AuditCreate AuditType = "Create"
	AuditUpdate AuditType = "Update"
	AuditDelete AuditType = "Delete"
	AuditExport AuditType = "Export"
)

// Reserved actor identities. Mutations committed by these identities carry an
// empty tenant scope and produce no tenant association rows on ingestion.
const (
	SystemUser = "System"
	AdminUser  = "Admin"
)

// IsSystemActor reports whether name is one of the reserved identities.
// Matching is case-insensitive.
func IsSystemActor(name string) bool {
	return strings.EqualFold(name, SystemUser) || strings.EqualFold(name, AdminUser)
}

// Property is one tracked property of a mutated entity.
type Property struct {
	// Name is the logical property name, Column the storage column name.
	Name   string
	Column string
	// Key marks primary-key properties; these always land in KeyValues.
	Key bool
	// Dirty marks properties flagged as modified by the tracker. Only
	// meaningful for Modified descriptors.
	Dirty bool
	// Old is the pre-mutation value, preferably freshly read from storage so
	// a value changed twice in one request is not reported as unchanged.
	Old any
	// New is the current in-memory value.
	New any
}

// Descriptor is the abstract view of one pending mutation that the host
// persistence layer must provide.
type Descriptor interface {
	TableName() string
	State() State
	Properties() []Property
}

// Record is the in-flight audit draft built from one mutation. It lives from
// commit success to successful publish and is never persisted directly.
//
// JSON field names are the wire contract of the audit envelope.
type Record struct {
	RecordID       string         `json:"RecordId"`
	AuditType      AuditType      `json:"AuditType"`
	ActorUser      string         `json:"AuditUser"`
	TenantIDs      []int64        `json:"OrganizationIds"`
	TableName      string         `json:"TableName"`
	KeyValues      map[string]any `json:"KeyValues"`
	OldValues      map[string]any `json:"OldValues"`
	NewValues      map[string]any `json:"NewValues"`
	ChangedColumns []string       `json:"ChangedColumns"`
}

// NewRecordID returns a fresh idempotency key for a record. Ingestion uses it
// to make replays harmless.
func NewRecordID() string {
	return uuid.NewString()
}
