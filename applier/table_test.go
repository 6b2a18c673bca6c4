package applier

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupApplyTestDB creates an in-memory SQLite database with the
// destination table used by most tests.
func setupApplyTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE employees (
			emp_id INTEGER PRIMARY KEY,
			first_name TEXT,
			last_name TEXT,
			salary REAL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	return db, func() {
		db.Close()
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	return n
}

func TestApplyInsert_NewRow(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	err := tbl.ApplyInsert(context.Background(), 1, map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alice",
		"last_name":  "Smith",
		"salary":     95.5,
	})
	if err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	var firstName, lastName string
	var salary float64
	err = db.QueryRow("SELECT first_name, last_name, salary FROM employees WHERE emp_id = 1").
		Scan(&firstName, &lastName, &salary)
	if err != nil {
		t.Fatalf("Failed to query inserted row: %v", err)
	}

	if firstName != "Alice" {
		t.Errorf("Expected first_name='Alice', got '%s'", firstName)
	}
	if lastName != "Smith" {
		t.Errorf("Expected last_name='Smith', got '%s'", lastName)
	}
	if salary != 95.5 {
		t.Errorf("Expected salary=95.5, got %f", salary)
	}
}

func TestApplyInsert_ReplayOverwrites(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	first := map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alice",
		"salary":     95.5,
	}
	if err := tbl.ApplyInsert(context.Background(), 1, first); err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	// A redelivered INSERT with a newer image lands on the same key
	second := map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alicia",
		"salary":     120.0,
	}
	if err := tbl.ApplyInsert(context.Background(), 1, second); err != nil {
		t.Fatalf("Replayed ApplyInsert failed: %v", err)
	}

	if n := countRows(t, db, "employees"); n != 1 {
		t.Fatalf("Expected 1 row after replay, got %d", n)
	}

	var firstName string
	var salary float64
	err := db.QueryRow("SELECT first_name, salary FROM employees WHERE emp_id = 1").
		Scan(&firstName, &salary)
	if err != nil {
		t.Fatalf("Failed to query row: %v", err)
	}
	if firstName != "Alicia" {
		t.Errorf("Expected first_name='Alicia', got '%s'", firstName)
	}
	if salary != 120.0 {
		t.Errorf("Expected salary=120.0, got %f", salary)
	}
}

func TestApplyInsert_NullValue(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	err := tbl.ApplyInsert(context.Background(), 1, map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alice",
		"last_name":  nil,
	})
	if err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	var lastName sql.NullString
	if err := db.QueryRow("SELECT last_name FROM employees WHERE emp_id = 1").Scan(&lastName); err != nil {
		t.Fatalf("Failed to query row: %v", err)
	}
	if lastName.Valid {
		t.Errorf("Expected last_name=NULL, got %v", lastName)
	}
}

func TestApplyInsert_KeyOnlyTable(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	if _, err := db.Exec(`CREATE TABLE markers (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	tbl := NewTable(db, "markers", "id")

	fields := map[string]any{"id": int64(5)}
	if err := tbl.ApplyInsert(context.Background(), 5, fields); err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}
	if err := tbl.ApplyInsert(context.Background(), 5, fields); err != nil {
		t.Fatalf("Replayed ApplyInsert failed: %v", err)
	}

	if n := countRows(t, db, "markers"); n != 1 {
		t.Errorf("Expected 1 row, got %d", n)
	}
}

func TestApplyInsert_CompoundValueStoredAsJSON(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	if _, err := db.Exec(`CREATE TABLE tagged (id INTEGER PRIMARY KEY, tags TEXT)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	tbl := NewTable(db, "tagged", "id")

	err := tbl.ApplyInsert(context.Background(), 1, map[string]any{
		"id":   int64(1),
		"tags": map[string]any{"team": "infra"},
	})
	if err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	var tags string
	if err := db.QueryRow("SELECT tags FROM tagged WHERE id = 1").Scan(&tags); err != nil {
		t.Fatalf("Failed to query row: %v", err)
	}
	if tags != `{"team":"infra"}` {
		t.Errorf(`Expected tags='{"team":"infra"}', got '%s'`, tags)
	}
}

func TestApplyInsert_NoFields(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	if err := tbl.ApplyInsert(context.Background(), 1, map[string]any{}); err == nil {
		t.Error("Expected error for empty fields, got nil")
	}
}

func TestApplyUpdate_ExistingRow(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	err := tbl.ApplyInsert(context.Background(), 1, map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alice",
		"salary":     95.5,
	})
	if err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	applied, err := tbl.ApplyUpdate(context.Background(), 1, map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alice",
		"salary":     110.0,
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if !applied {
		t.Error("Expected applied=true for existing row")
	}

	var salary float64
	if err := db.QueryRow("SELECT salary FROM employees WHERE emp_id = 1").Scan(&salary); err != nil {
		t.Fatalf("Failed to query row: %v", err)
	}
	if salary != 110.0 {
		t.Errorf("Expected salary=110.0, got %f", salary)
	}
}

func TestApplyUpdate_MissingRowIsNoop(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	applied, err := tbl.ApplyUpdate(context.Background(), 42, map[string]any{
		"emp_id":     int64(42),
		"first_name": "Ghost",
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if applied {
		t.Error("Expected applied=false for missing row")
	}

	// The update must not resurrect the row
	if n := countRows(t, db, "employees"); n != 0 {
		t.Errorf("Expected 0 rows, got %d", n)
	}
}

func TestApplyUpdate_KeyOnlyTable(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	if _, err := db.Exec(`CREATE TABLE markers (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	tbl := NewTable(db, "markers", "id")

	if err := tbl.ApplyInsert(context.Background(), 5, map[string]any{"id": int64(5)}); err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	applied, err := tbl.ApplyUpdate(context.Background(), 5, map[string]any{"id": int64(5)})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if !applied {
		t.Error("Expected applied=true for existing row")
	}

	applied, err = tbl.ApplyUpdate(context.Background(), 6, map[string]any{"id": int64(6)})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if applied {
		t.Error("Expected applied=false for missing row")
	}
}

func TestApplyDelete_ExistingRow(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	err := tbl.ApplyInsert(context.Background(), 1, map[string]any{
		"emp_id":     int64(1),
		"first_name": "Alice",
	})
	if err != nil {
		t.Fatalf("ApplyInsert failed: %v", err)
	}

	applied, err := tbl.ApplyDelete(context.Background(), 1)
	if err != nil {
		t.Fatalf("ApplyDelete failed: %v", err)
	}
	if !applied {
		t.Error("Expected applied=true for existing row")
	}
	if n := countRows(t, db, "employees"); n != 0 {
		t.Errorf("Expected 0 rows, got %d", n)
	}
}

func TestApplyDelete_MissingRowIsNoop(t *testing.T) {
	db, cleanup := setupApplyTestDB(t)
	defer cleanup()

	tbl := NewTable(db, "employees", "emp_id")

	applied, err := tbl.ApplyDelete(context.Background(), 42)
	if err != nil {
		t.Fatalf("ApplyDelete failed: %v", err)
	}
	if applied {
		t.Error("Expected applied=false for missing row")
	}

	// Replayed delete is equally harmless
	applied, err = tbl.ApplyDelete(context.Background(), 42)
	if err != nil {
		t.Fatalf("Replayed ApplyDelete failed: %v", err)
	}
	if applied {
		t.Error("Expected applied=false for replayed delete")
	}
}
