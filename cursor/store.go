// Package cursor persists the forwarder's position in the change log.
// A cursor is a named int64 sequence; position N means every record with
// log_seq <= N has been durably published. Backends trade locality for
// durability: memory for tests, pebble for a local data directory,
// postgres to co-locate the cursor with the change log itself.
package cursor

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists named cursor positions.
type Store interface {
	// Load returns the saved position for name, or 0 when the cursor
	// has never been saved.
	Load(ctx context.Context, name string) (int64, error)
	// Save durably records the position for name.
	Save(ctx context.Context, name string, position int64) error
	// Close releases any resources held by the store.
	Close() error
}

// Options selects and configures a cursor store backend.
type Options struct {
	Backend string  // "memory", "pebble" or "postgres"
	DataDir string  // Pebble storage location
	DB      *sql.DB // Connection for the postgres backend
}

// Open creates the configured cursor store.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "pebble":
		if opts.DataDir == "" {
			return nil, fmt.Errorf("pebble cursor store requires a data directory")
		}
		return NewPebbleStore(opts.DataDir)
	case "postgres":
		if opts.DB == nil {
			return nil, fmt.Errorf("postgres cursor store requires a database connection")
		}
		return NewPostgresStore(opts.DB)
	default:
		return nil, fmt.Errorf("unknown cursor store backend: %s", opts.Backend)
	}
}
