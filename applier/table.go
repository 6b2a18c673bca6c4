package applier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

// Executor abstracts sql.DB and sql.Tx - both have identical ExecContext
// signature. This allows apply operations to work within or outside
// transactions.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Table writes replicated mutations into one destination table. Every
// operation is idempotent: replaying a record, in any interleaving with
// its duplicates, converges on the same final row state.
type Table struct {
	exec      Executor
	table     string
	keyColumn string
	dialect   goqu.DialectWrapper
}

// NewTable creates a writer for the given destination table and key column
func NewTable(exec Executor, table, keyColumn string) *Table {
	return &Table{
		exec:      exec,
		table:     table,
		keyColumn: keyColumn,
		dialect:   goqu.Dialect("postgres"),
	}
}

// ApplyInsert upserts the row image. A replayed INSERT, or one arriving
// after the row already exists, overwrites instead of failing.
func (t *Table) ApplyInsert(ctx context.Context, entityID int64, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("ApplyInsert %s: no fields to insert", t.table)
	}

	row := goqu.Record{}
	update := goqu.Record{}
	for col, val := range fields {
		bound, err := bindValue(val)
		if err != nil {
			return fmt.Errorf("ApplyInsert %s: column %s: %w", t.table, col, err)
		}
		row[col] = bound
		if col != t.keyColumn {
			update[col] = bound
		}
	}
	// The entity id is authoritative for the key column
	row[t.keyColumn] = entityID

	ds := t.dialect.Insert(t.table).Prepared(true).Rows(row)
	if len(update) == 0 {
		// Key-only table: nothing to overwrite on conflict
		ds = ds.OnConflict(goqu.DoNothing())
	} else {
		ds = ds.OnConflict(goqu.DoUpdate(t.keyColumn, update))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("ApplyInsert %s: %w", t.table, err)
	}
	if _, err := t.exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ApplyInsert %s: %w", t.table, err)
	}
	return nil
}

// ApplyUpdate overwrites the row's captured columns. A missing row stays
// missing: the DELETE that removed it wins regardless of delivery order,
// so the update reports applied=false and writes nothing.
func (t *Table) ApplyUpdate(ctx context.Context, entityID int64, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("ApplyUpdate %s: no fields to update", t.table)
	}

	set := goqu.Record{}
	for col, val := range fields {
		if col == t.keyColumn {
			continue
		}
		bound, err := bindValue(val)
		if err != nil {
			return false, fmt.Errorf("ApplyUpdate %s: column %s: %w", t.table, col, err)
		}
		set[col] = bound
	}
	if len(set) == 0 {
		// Key-only table: the update degenerates to an existence check
		set[t.keyColumn] = entityID
	}

	query, args, err := t.dialect.Update(t.table).Prepared(true).
		Set(set).
		Where(goqu.C(t.keyColumn).Eq(entityID)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("ApplyUpdate %s: %w", t.table, err)
	}

	res, err := t.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ApplyUpdate %s: %w", t.table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ApplyUpdate %s: %w", t.table, err)
	}
	return affected > 0, nil
}

// ApplyDelete removes the row if present. Deleting an absent row reports
// applied=false without error so duplicate deletes resolve cleanly.
func (t *Table) ApplyDelete(ctx context.Context, entityID int64) (bool, error) {
	query, args, err := t.dialect.Delete(t.table).Prepared(true).
		Where(goqu.C(t.keyColumn).Eq(entityID)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("ApplyDelete %s: %w", t.table, err)
	}

	res, err := t.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ApplyDelete %s: %w", t.table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ApplyDelete %s: %w", t.table, err)
	}
	return affected > 0, nil
}

// bindValue converts a decoded field into a driver-bindable value.
// Scalars pass through, compound values are stored as JSON text.
func bindValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, int64, float64, string, []byte, time.Time:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported value type %T: %w", v, err)
		}
		return string(data), nil
	}
}
