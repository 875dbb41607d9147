// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/discoversutd/discover/internal/config"
	"github.com/discoversutd/discover/internal/db"
)

// Open returns a migrated SQLite database in t.TempDir, closed with the test.
func Open(t testing.TB) *db.DB {
	t.Helper()

	d, err := db.Open(context.Background(), config.Database{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "discover.db"),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return d
}
