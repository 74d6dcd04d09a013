package repo

import (
	"context"
	"reflect"

	"scribe/pkg/changeset"
)

// mutationDescriptor adapts one staged op to the changeset.Descriptor the
// collector consumes.
type mutationDescriptor struct {
	table string
	state changeset.State
	props []changeset.Property
}

func (d mutationDescriptor) TableName() string                { return d.table }
func (d mutationDescriptor) State() changeset.State           { return d.state }
func (d mutationDescriptor) Properties() []changeset.Property { return d.props }

type descriptorList []changeset.Descriptor

func (l descriptorList) Pending() []changeset.Descriptor { return l }

// pendingSource materializes the staged ops as mutation descriptors. For
// updates the pre-mutation values are re-read from storage so a value changed
// twice within one request is still reported as changed. Hard deletes expand
// to one Deleted descriptor per matching row.
func (r *Repo[T]) pendingSource(ctx context.Context, ops []stagedOp[T]) changeset.PendingSource {
	mapper := r.backend.Mapper()
	table := mapper.Table()
	columns := mapper.Columns()

	var descriptors descriptorList
	for _, op := range ops {
		switch op.kind {
		case opInsert:
			current := mapper.Values(op.entity)
			descriptors = append(descriptors, mutationDescriptor{
				table: table,
				state: changeset.Created,
				props: buildProperties(columns, nil, current, false),
			})

		case opUpdate:
			current := mapper.Values(op.entity)
			var stored map[string]any
			if fresh, err := r.backend.Get(ctx, op.entity.base().ID); err == nil {
				stored = mapper.Values(fresh)
			} else {
				r.logger.Warn("could not re-read stored values for audit diff",
					"table", table, "id", op.entity.base().ID, "error", err)
			}
			descriptors = append(descriptors, mutationDescriptor{
				table: table,
				state: changeset.Modified,
				props: buildProperties(columns, stored, current, true),
			})

		case opDelete:
			rows, err := r.backend.Select(ctx, Criteria{Filter: op.predicate})
			if err != nil {
				r.logger.Warn("could not enumerate rows for delete audit",
					"table", table, "error", err)
				continue
			}
			for _, row := range rows {
				old := mapper.Values(row)
				descriptors = append(descriptors, mutationDescriptor{
					table: table,
					state: changeset.Deleted,
					props: buildProperties(columns, old, old, false),
				})
			}
		}
	}
	return descriptors
}

// buildProperties turns column value maps into audit properties. The id
// column is the key property; the version token is bookkeeping and never
// audited.
func buildProperties(columns []string, old, current map[string]any, markDirty bool) []changeset.Property {
	props := make([]changeset.Property, 0, len(columns))
	for _, col := range columns {
		if col == "version" {
			continue
		}
		prop := changeset.Property{
			Name:   col,
			Column: col,
			Key:    col == "id",
			New:    current[col],
		}
		if old != nil {
			prop.Old = old[col]
		}
		if markDirty {
			prop.Dirty = old == nil || !reflect.DeepEqual(prop.Old, prop.New)
		}
		props = append(props, prop)
	}
	return props
}
