package cursor

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// Key prefix for Pebble storage: /cursor/{name} -> uint64 position
const prefixCursor = "/cursor/"

// PebbleStore persists cursors in a local Pebble database with an
// in-memory cache in front. Saves are synced to disk before returning
// so a crash never moves a cursor backwards past an acked record.
type PebbleStore struct {
	db *pebble.DB

	cursors   map[string]int64
	cursorsMu sync.RWMutex

	closed atomic.Bool
}

// NewPebbleStore creates or opens a Pebble-backed cursor store under dataDir.
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	path := filepath.Join(dataDir, "cursors")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store at %s: %w", path, err)
	}

	return &PebbleStore{
		db:      db,
		cursors: make(map[string]int64),
	}, nil
}

func (s *PebbleStore) Load(_ context.Context, name string) (int64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("cursor store is closed")
	}

	s.cursorsMu.RLock()
	position, exists := s.cursors[name]
	s.cursorsMu.RUnlock()

	if exists {
		return position, nil
	}

	val, closer, err := s.db.Get([]byte(prefixCursor + name))
	if err == pebble.ErrNotFound {
		return 0, nil // New cursor - start from the beginning
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}

	position = int64(binary.LittleEndian.Uint64(val))

	// Cache in memory with proper double-check locking
	s.cursorsMu.Lock()
	if existing, exists := s.cursors[name]; exists {
		s.cursorsMu.Unlock()
		return existing, nil
	}
	s.cursors[name] = position
	s.cursorsMu.Unlock()

	return position, nil
}

func (s *PebbleStore) Save(_ context.Context, name string, position int64) error {
	if s.closed.Load() {
		return fmt.Errorf("cursor store is closed")
	}

	s.cursorsMu.Lock()
	s.cursors[name] = position
	s.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, uint64(position))

	if err := s.db.Set([]byte(prefixCursor+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
