package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// SQLBackend persists entities through database/sql with squirrel-built
// queries. One backend serves one entity type; all backends can share one
// *sql.DB.
type SQLBackend[T Entity] struct {
	db     *sql.DB
	mapper Mapper[T]
}

// NewSQLBackend creates a backend for the mapper's table.
func NewSQLBackend[T Entity](db *sql.DB, mapper Mapper[T]) *SQLBackend[T] {
	return &SQLBackend[T]{db: db, mapper: mapper}
}

func (s *SQLBackend[T]) Mapper() Mapper[T] { return s.mapper }

func (s *SQLBackend[T]) Get(ctx context.Context, id int64) (T, error) {
	query := psql.Select(s.mapper.Columns()...).
		From(s.mapper.Table()).
		Where(sq.Eq{"id": id})

	e := s.mapper.New()
	sqlStr, args, err := query.ToSql()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("build select: %w", err)
	}
	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	if err := row.Scan(s.mapper.Fields(e)...); err != nil {
		var zero T
		if errors.Is(err, sql.ErrNoRows) {
			return zero, fmt.Errorf("%w: %s id %d", ErrNotFound, s.mapper.Table(), id)
		}
		return zero, fmt.Errorf("get %s %d: %w", s.mapper.Table(), id, err)
	}
	return e, nil
}

func (s *SQLBackend[T]) Select(ctx context.Context, c Criteria) ([]T, error) {
	query := psql.Select(s.mapper.Columns()...).From(s.mapper.Table())
	query = applyCriteria(query, c)
	for _, key := range c.Sort {
		dir := " ASC"
		if key.Desc {
			dir = " DESC"
		}
		query = query.OrderBy(key.Column + dir)
	}
	if c.Limit > 0 {
		query = query.Limit(uint64(c.Limit))
	}
	if c.Offset > 0 {
		query = query.Offset(uint64(c.Offset))
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", s.mapper.Table(), err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		e := s.mapper.New()
		if err := rows.Scan(s.mapper.Fields(e)...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", s.mapper.Table(), err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", s.mapper.Table(), err)
	}
	return out, nil
}

func (s *SQLBackend[T]) Count(ctx context.Context, c Criteria) (int64, error) {
	query := applyCriteria(psql.Select("count(*)").From(s.mapper.Table()), c)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.mapper.Table(), err)
	}
	return total, nil
}

func (s *SQLBackend[T]) Apply(ctx context.Context, ops []stagedOp[T]) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for i := range ops {
		op := &ops[i]
		switch op.kind {
		case opInsert:
			if err := s.insert(ctx, tx, op.entity); err != nil {
				return err
			}
		case opUpdate:
			if err := s.update(ctx, tx, op); err != nil {
				return err
			}
		case opDelete:
			if err := s.delete(ctx, tx, op.predicate); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	// Tokens only move forward once the transaction is durable.
	for _, op := range ops {
		if op.kind == opUpdate {
			op.entity.base().Version++
		}
	}
	return nil
}

func (s *SQLBackend[T]) insert(ctx context.Context, tx *sql.Tx, e T) error {
	values := s.mapper.Values(e)
	var columns []string
	var args []any
	for _, col := range s.mapper.Columns() {
		if col == "id" {
			continue
		}
		if col == "version" {
			columns = append(columns, col)
			args = append(args, int64(1))
			continue
		}
		columns = append(columns, col)
		args = append(args, values[col])
	}

	sqlStr, sqlArgs, err := psql.Insert(s.mapper.Table()).
		Columns(columns...).
		Values(args...).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, sqlStr, sqlArgs...).Scan(&id); err != nil {
		return fmt.Errorf("insert %s: %w", s.mapper.Table(), err)
	}
	b := e.base()
	b.ID = id
	b.Version = 1
	return nil
}

func (s *SQLBackend[T]) update(ctx context.Context, tx *sql.Tx, op *stagedOp[T]) error {
	values := s.mapper.Values(op.entity)
	setMap := map[string]any{}
	for _, col := range s.mapper.Columns() {
		switch col {
		case "id", "created_at":
			// created_at never changes after insert
		case "version":
			setMap[col] = op.expectedVersion + 1
		default:
			setMap[col] = values[col]
		}
	}

	id := op.entity.base().ID
	sqlStr, args, err := psql.Update(s.mapper.Table()).
		SetMap(setMap).
		Where(sq.Eq{"id": id, "version": op.expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", s.mapper.Table(), id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %d: %w", s.mapper.Table(), id, err)
	}
	if affected == 0 {
		// Row changed under us since it was read (or is gone).
		return &ConflictError{Table: s.mapper.Table(), IDs: []int64{id}}
	}
	return nil
}

func (s *SQLBackend[T]) delete(ctx context.Context, tx *sql.Tx, filter *Filter) error {
	query := psql.Delete(s.mapper.Table())
	if pred := filter.Sqlizer(); pred != nil {
		query = query.Where(pred)
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", s.mapper.Table(), err)
	}
	return nil
}

func applyCriteria(query sq.SelectBuilder, c Criteria) sq.SelectBuilder {
	if pred := c.Scope.Sqlizer(); pred != nil {
		query = query.Where(pred)
	}
	if pred := c.Filter.Sqlizer(); pred != nil {
		query = query.Where(pred)
	}
	return query
}
