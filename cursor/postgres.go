package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

// cursorTable holds one row per named cursor in the source database, so
// cursor durability rides on the same system that holds the change log.
const cursorTable = "rowcast_cursors"

const createCursorTable = `CREATE TABLE IF NOT EXISTS ` + cursorTable + ` (
	name       TEXT PRIMARY KEY,
	position   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists cursors in a SQL table, upserted per advance.
type PostgresStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// NewPostgresStore creates the cursor table when absent and returns the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if _, err := db.Exec(createCursorTable); err != nil {
		return nil, fmt.Errorf("failed to create cursor table: %w", err)
	}
	return &PostgresStore{
		db:      db,
		dialect: goqu.Dialect("postgres"),
	}, nil
}

func (s *PostgresStore) Load(ctx context.Context, name string) (int64, error) {
	query, args, err := s.dialect.From(cursorTable).Prepared(true).
		Select("position").
		Where(goqu.C("name").Eq(name)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build cursor query: %w", err)
	}

	var position int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil // New cursor - start from the beginning
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor %s: %w", name, err)
	}
	return position, nil
}

func (s *PostgresStore) Save(ctx context.Context, name string, position int64) error {
	now := time.Now().UTC()
	query, args, err := s.dialect.Insert(cursorTable).Prepared(true).
		Rows(goqu.Record{"name": name, "position": position, "updated_at": now}).
		OnConflict(goqu.DoUpdate("name", goqu.Record{"position": position, "updated_at": now})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build cursor upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

// Close is a no-op; the caller owns the database connection.
func (s *PostgresStore) Close() error {
	return nil
}
