package persistence

import (
	"context"
	"database/sql"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	*sqlStore
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			failure BLOB,
			history_len INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS instances_status_idx ON instances (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event BLOB NOT NULL,
			PRIMARY KEY (instance_id, position)
		)`,
	},
}

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(ctx context.Context, db *sql.DB) (*SQLiteInstanceStore, error) {
	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		return nil, err
	}
	return &SQLiteInstanceStore{sqlStore: s}, nil
}
