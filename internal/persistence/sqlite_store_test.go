package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestSQLiteStore(t *testing.T) *SQLiteInstanceStore {
	t.Helper()

	// A file database so concurrent connections share state; the WAL
	// journal and busy timeout let writers queue instead of failing.
	path := filepath.Join(t.TempDir(), "orderflow.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteInstanceStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore failed: %v", err)
	}

	return store
}

func TestSQLiteInstanceStore_Contract(t *testing.T) {
	runInstanceStoreContract(t, func(t *testing.T) InstanceStore {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteInstanceStore_SchemaIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	if _, err := NewSQLiteInstanceStore(context.Background(), store.db); err != nil {
		t.Fatalf("second schema init failed: %v", err)
	}
}
