package persistence

import (
	"context"
	"database/sql"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresInstanceStore struct {
	*sqlStore
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

var postgresDialect = sqlDialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			output BYTEA,
			failure BYTEA,
			history_len INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS instances_status_idx ON instances (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL REFERENCES instances (id),
			position INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event BYTEA NOT NULL,
			PRIMARY KEY (instance_id, position)
		)`,
	},
	rebind: rebindDollar,
}

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(ctx context.Context, db *sql.DB) (*PostgresInstanceStore, error) {
	s, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresInstanceStore{sqlStore: s}, nil
}
