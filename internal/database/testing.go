package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// NewTestDatabase opens a migrated, file-backed ledger store in the test's
// temporary directory. A file rather than :memory: so that concurrent
// connections in reservation race tests share the same store.
func NewTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := NewDatabase(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}
