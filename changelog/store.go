package changelog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/rowcast/rowcast/cdc"
	"github.com/rowcast/rowcast/encoding"
)

// Default limit for FetchSince when the caller passes none
const defaultFetchLimit = 100

// Store reads the append-only change log in sequence order.
type Store struct {
	db      *sql.DB
	table   string
	dialect goqu.DialectWrapper
}

// NewStore creates a read handle over the named changelog table.
func NewStore(db *sql.DB, table string) *Store {
	return &Store{
		db:      db,
		table:   table,
		dialect: goqu.Dialect("postgres"),
	}
}

// FetchSince returns up to limit records with log_seq > cursor, ordered
// ascending. An empty slice means the cursor is at the head.
func (s *Store) FetchSince(ctx context.Context, cursor int64, limit int) ([]cdc.MutationRecord, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	query, args, err := s.dialect.From(s.table).Prepared(true).
		Select("log_seq", "entity_id", "op", "fields", "captured_at").
		Where(goqu.C("log_seq").Gt(cursor)).
		Order(goqu.C("log_seq").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("FetchSince %s: %w", s.table, err)
	}
	defer rows.Close()

	var records []cdc.MutationRecord
	for rows.Next() {
		var (
			rec    cdc.MutationRecord
			op     string
			fields []byte
		)
		if err := rows.Scan(&rec.LogSeq, &rec.EntityID, &op, &fields, &rec.CapturedAt); err != nil {
			return nil, fmt.Errorf("FetchSince %s: %w", s.table, err)
		}
		rec.Op = cdc.Operation(op)
		rec.Fields, err = encoding.DecodeFields(fields)
		if err != nil {
			return nil, fmt.Errorf("FetchSince %s: record seq %d has unreadable fields: %w", s.table, rec.LogSeq, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Latest returns the highest log sequence present, or 0 when the log is
// empty.
func (s *Store) Latest(ctx context.Context) (int64, error) {
	query, args, err := s.dialect.From(s.table).Prepared(true).
		Select(goqu.COALESCE(goqu.MAX("log_seq"), 0)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build latest query: %w", err)
	}

	var latest int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&latest); err != nil {
		return 0, fmt.Errorf("Latest %s: %w", s.table, err)
	}
	return latest, nil
}
