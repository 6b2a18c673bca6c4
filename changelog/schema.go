// Package changelog owns the append-only change log of the watched
// table: the capture DDL that populates it and the ordered read path the
// forwarder polls. Rows are written only by the database trigger, in the
// same transaction as the mutation they describe; nothing here ever
// updates or deletes captured rows.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"

	"github.com/rowcast/rowcast/cdc"
)

// Captured columns feed jsonb_build_object, which takes at most 100
// arguments (50 name/value pairs).
const maxCapturedColumns = 50

var integerTypes = map[string]bool{
	"smallint": true,
	"integer":  true,
	"bigint":   true,
}

// ColumnInfo describes one column of the watched table.
type ColumnInfo struct {
	Name     string
	DataType string
}

// Schema is the resolved capture layout for one watched table.
type Schema struct {
	Table          string   // Watched table
	KeyColumn      string   // Integer entity key column
	ChangelogTable string   // Capture table
	Columns        []string // Captured columns in table order, key included
}

// SetupOptions configures capture provisioning for the watched table.
type SetupOptions struct {
	Table          string
	KeyColumn      string
	ChangelogTable string
	TrackedColumns []string // Glob patterns; empty captures all columns
}

// Setup resolves the watched table's columns, validates the entity key
// and provisions the changelog table and capture trigger. It is
// idempotent; rerunning replaces the trigger with the current layout.
func Setup(ctx context.Context, db *sql.DB, opts SetupOptions) (Schema, error) {
	filter, err := NewColumnFilter(opts.TrackedColumns)
	if err != nil {
		return Schema{}, err
	}

	cols, err := listColumns(ctx, db, opts.Table)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to inspect table %s: %w", opts.Table, err)
	}

	schema, err := buildSchema(opts, cols, filter)
	if err != nil {
		return Schema{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to begin setup transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schema.DDL() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Schema{}, fmt.Errorf("capture DDL failed for %s: %w", opts.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Schema{}, fmt.Errorf("failed to commit capture DDL: %w", err)
	}

	return schema, nil
}

// listColumns reads the watched table's layout from information_schema.
func listColumns(ctx context.Context, db *sql.DB, table string) ([]ColumnInfo, error) {
	query, args, err := goqu.Dialect("postgres").
		From(goqu.S("information_schema").Table("columns")).Prepared(true).
		Select("column_name", "data_type").
		Where(
			goqu.C("table_name").Eq(table),
			goqu.C("table_schema").Eq(goqu.L("current_schema()")),
		).
		Order(goqu.C("ordinal_position").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build column query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// buildSchema validates the table layout against the capture options and
// selects the captured columns. The entity key must exist, must be an
// integer type, and is always captured.
func buildSchema(opts SetupOptions, cols []ColumnInfo, filter *ColumnFilter) (Schema, error) {
	if len(cols) == 0 {
		return Schema{}, fmt.Errorf("watched table %s not found", opts.Table)
	}

	keyFound := false
	captured := make([]string, 0, len(cols))
	for _, col := range cols {
		if col.Name == opts.KeyColumn {
			keyFound = true
			if !integerTypes[col.DataType] {
				return Schema{}, fmt.Errorf("key column %s.%s has type %s, need an integer type",
					opts.Table, col.Name, col.DataType)
			}
			captured = append(captured, col.Name)
			continue
		}
		if filter.Match(col.Name) {
			captured = append(captured, col.Name)
		}
	}
	if !keyFound {
		return Schema{}, fmt.Errorf("key column %s not found in table %s", opts.KeyColumn, opts.Table)
	}
	if len(captured) > maxCapturedColumns {
		return Schema{}, fmt.Errorf("capture of %s selects %d columns, maximum is %d",
			opts.Table, len(captured), maxCapturedColumns)
	}

	return Schema{
		Table:          opts.Table,
		KeyColumn:      opts.KeyColumn,
		ChangelogTable: opts.ChangelogTable,
		Columns:        captured,
	}, nil
}

// DDL returns the capture statements in execution order. Statements are
// separate because the driver sends one statement per Exec.
func (s Schema) DDL() []string {
	return []string{
		s.ChangelogTableDDL(),
		s.TriggerFunctionDDL(),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", s.triggerName(), s.Table),
		s.TriggerDDL(),
	}
}

// ChangelogTableDDL returns the capture table definition. log_seq is the
// dense monotonic sequence the forwarder cursors over.
func (s Schema) ChangelogTableDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	log_seq     BIGSERIAL PRIMARY KEY,
	entity_id   BIGINT NOT NULL,
	op          VARCHAR(16) NOT NULL,
	fields      JSONB NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.ChangelogTable)
}

// TriggerFunctionDDL returns the plpgsql capture function. INSERT and
// UPDATE record the NEW row image, DELETE records the OLD image, each in
// the mutation's own transaction.
func (s Schema) TriggerFunctionDDL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $fn$\n", s.functionName())
	b.WriteString("BEGIN\n")
	fmt.Fprintf(&b, "\tIF TG_OP = '%s' THEN\n", cdc.OpInsert)
	b.WriteString(s.captureStatement(cdc.OpInsert, "NEW"))
	b.WriteString("\t\tRETURN NEW;\n")
	fmt.Fprintf(&b, "\tELSIF TG_OP = '%s' THEN\n", cdc.OpUpdate)
	b.WriteString(s.captureStatement(cdc.OpUpdate, "NEW"))
	b.WriteString("\t\tRETURN NEW;\n")
	fmt.Fprintf(&b, "\tELSIF TG_OP = '%s' THEN\n", cdc.OpDelete)
	b.WriteString(s.captureStatement(cdc.OpDelete, "OLD"))
	b.WriteString("\t\tRETURN OLD;\n")
	b.WriteString("\tEND IF;\n")
	b.WriteString("\tRETURN NULL;\n")
	b.WriteString("END;\n")
	b.WriteString("$fn$ LANGUAGE plpgsql")
	return b.String()
}

// TriggerDDL returns the row-level trigger binding the capture function
// to every mutation of the watched table.
func (s Schema) TriggerDDL() string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
		s.triggerName(), s.Table, s.functionName())
}

func (s Schema) captureStatement(op cdc.Operation, rowVar string) string {
	return fmt.Sprintf("\t\tINSERT INTO %s (entity_id, op, fields)\n\t\tVALUES (%s.%s, '%s', %s);\n",
		s.ChangelogTable, rowVar, s.KeyColumn, op, s.rowImage(rowVar))
}

// rowImage builds the jsonb_build_object call for the captured columns.
func (s Schema) rowImage(rowVar string) string {
	pairs := make([]string, 0, len(s.Columns))
	for _, col := range s.Columns {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", col, rowVar, col))
	}
	return "jsonb_build_object(" + strings.Join(pairs, ", ") + ")"
}

func (s Schema) functionName() string {
	return s.Table + "_capture"
}

func (s Schema) triggerName() string {
	return s.Table + "_capture_trigger"
}
