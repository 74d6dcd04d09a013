package changeset

import "reflect"

// Diff builds an audit record draft from one mutation descriptor. It returns
// false when the mutation carries no user-visible change (a Modified entity
// with no property that actually differs), so callers can drop the draft
// instead of emitting empty audit noise.
func Diff(d Descriptor) (Record, bool) {
	rec := Record{
		RecordID:  NewRecordID(),
		TableName: d.TableName(),
		KeyValues: map[string]any{},
		OldValues: map[string]any{},
		NewValues: map[string]any{},
	}

	state := d.State()
	for _, prop := range d.Properties() {
		if prop.Key {
			rec.KeyValues[prop.Name] = prop.New
			continue
		}

		switch state {
		case Created:
			rec.NewValues[prop.Name] = prop.New
			rec.AuditType = AuditCreate

		case Deleted:
			rec.OldValues[prop.Name] = prop.Old
			rec.AuditType = AuditDelete

		case Modified:
			if !prop.Dirty {
				continue
			}
			if valuesDiffer(prop.Old, prop.New) {
				rec.ChangedColumns = append(rec.ChangedColumns, prop.Column)
			}
			rec.OldValues[prop.Name] = prop.Old
			rec.NewValues[prop.Name] = prop.New
			rec.AuditType = AuditUpdate
		}
	}

	// A Modified entity where nothing actually changed produces no record.
	if state == Modified && len(rec.ChangedColumns) == 0 {
		return Record{}, false
	}
	if rec.AuditType == "" {
		return Record{}, false
	}
	return rec, true
}

func valuesDiffer(old, new any) bool {
	if old == nil {
		return new != nil
	}
	return !reflect.DeepEqual(old, new)
}
