package cursor

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// conformance exercises the behavior every backend must share.
func conformance(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	// Unknown cursor starts from the beginning
	pos, err := store.Load(ctx, "forwarder-a")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("new cursor position = %d, want 0", pos)
	}

	if err := store.Save(ctx, "forwarder-a", 42); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	pos, err = store.Load(ctx, "forwarder-a")
	if err != nil {
		t.Fatalf("Load after Save failed: %v", err)
	}
	if pos != 42 {
		t.Errorf("position = %d, want 42", pos)
	}

	// Overwrite advances
	if err := store.Save(ctx, "forwarder-a", 43); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	pos, _ = store.Load(ctx, "forwarder-a")
	if pos != 43 {
		t.Errorf("position after advance = %d, want 43", pos)
	}

	// Cursors are independent per name
	pos, err = store.Load(ctx, "forwarder-b")
	if err != nil {
		t.Fatalf("Load of second cursor failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("second cursor position = %d, want 0", pos)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	conformance(t, store)
}

func TestPebbleStore(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	defer store.Close()
	conformance(t, store)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	if err := store.Save(ctx, "forwarder-a", 99); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	pos, err := reopened.Load(ctx, "forwarder-a")
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if pos != 99 {
		t.Errorf("position after reopen = %d, want 99", pos)
	}
}

func TestPebbleStore_ClosedRejectsOperations(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	store.Close()

	if err := store.Save(context.Background(), "x", 1); err == nil {
		t.Error("expected Save on closed store to fail")
	}
	if _, err := store.Load(context.Background(), "x"); err == nil {
		t.Error("expected Load on closed store to fail")
	}
}

func TestPostgresStore(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	defer store.Close()
	conformance(t, store)
}

func TestPostgresStore_SurvivesNewStore(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	if err := store.Save(ctx, "forwarder-a", 7); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A second store over the same database sees the saved position.
	second, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("second NewPostgresStore failed: %v", err)
	}
	pos, err := second.Load(ctx, "forwarder-a")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if pos != 7 {
		t.Errorf("position = %d, want 7", pos)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	store, err := Open(Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	store.Close()

	store, err = Open(Options{Backend: "pebble", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(pebble) failed: %v", err)
	}
	store.Close()

	if _, err := Open(Options{Backend: "pebble"}); err == nil {
		t.Error("expected error for pebble without data dir")
	}
	if _, err := Open(Options{Backend: "postgres"}); err == nil {
		t.Error("expected error for postgres without connection")
	}
	if _, err := Open(Options{Backend: "etcd"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
