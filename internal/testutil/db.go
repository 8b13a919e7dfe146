// internal/testutil/db.go
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
)

// TestDB holds a temp-file sqlite database with migrations applied.
type TestDB struct {
	DB   *sqlx.DB
	Path string
}

// SetupTestDB creates a sqlite database in a per-test temp directory and
// runs the project migrations against it.
func SetupTestDB(t *testing.T) *TestDB {
	// Load .env file if present (LOG_LEVEL etc.); absence is fine.
	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	path := filepath.Join(t.TempDir(), "buildrunner_test.db")

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping test DB: %v", err)
	}

	m, err := migrate.New("file://"+migrationsDir(t), "sqlite3://"+path)
	if err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return &TestDB{DB: db, Path: path}
}

// Teardown closes the database; the temp dir is cleaned up by testing.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
}

// migrationsDir locates the migrations directory relative to this source
// file so tests pass regardless of the package they run from.
func migrationsDir(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to locate caller for migrations dir")
	}
	dir := filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Migrations directory not found at %s: %v", dir, err)
	}
	return dir
}
