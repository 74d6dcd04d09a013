package changeset

// PendingSource exposes the pending mutations of the current unit of work.
type PendingSource interface {
	Pending() []Descriptor
}

// Collector walks the pending mutations of a unit of work and produces the
// audit drafts for the current transaction. Mutations against the audit
// pipeline's own tables are skipped so ingestion never feeds back into itself.
type Collector struct {
	excluded map[string]struct{}
}

// NewCollector creates a collector that ignores mutations targeting the given
// table names.
func NewCollector(excludedTables ...string) *Collector {
	excluded := make(map[string]struct{}, len(excludedTables))
	for _, t := range excludedTables {
		excluded[t] = struct{}{}
	}
	return &Collector{excluded: excluded}
}

// Collect diffs every pending mutation and tags the resulting drafts with the
// actor and tenant scope. The reserved system/admin identities always commit
// with an empty tenant scope. An empty result is valid: it means a no-op
// commit.
func (c *Collector) Collect(src PendingSource, actorUser string, tenantIDs []int64) []Record {
	if IsSystemActor(actorUser) {
		tenantIDs = nil
	}

	var records []Record
	for _, d := range src.Pending() {
		if d.State() == Unchanged {
			continue
		}
		if _, skip := c.excluded[d.TableName()]; skip {
			continue
		}
		rec, ok := Diff(d)
		if !ok {
			continue
		}
		rec.ActorUser = actorUser
		rec.TenantIDs = tenantIDs
		records = append(records, rec)
	}
	return records
}
