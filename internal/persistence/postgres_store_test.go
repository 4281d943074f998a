package persistence

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/orderflow/internal/testutil"
	"github.com/petrijr/orderflow/pkg/api"
)

func newMockPostgresStore(t *testing.T) (*PostgresInstanceStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for range postgresDialect.schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	store, err := NewPostgresInstanceStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewPostgresInstanceStore failed: %v", err)
	}
	return store, mock
}

func TestPostgresInstanceStore_StaleAppendIsConflict(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE instances")).
		WithArgs("RUNNING", sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg(), sqlmock.AnyArg(), "order-1", 2, "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, history_len FROM instances WHERE id = $1")).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "history_len"}).AddRow("RUNNING", 5))
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), "order-1", 2, api.TimerFired(t0, 1))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresInstanceStore_AppendToTerminal(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE instances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, history_len FROM instances")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "history_len"}).AddRow("COMPLETED", 2))
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), "order-1", 2, api.TimerFired(t0, 1))
	if !errors.Is(err, ErrInstanceTerminal) {
		t.Fatalf("expected ErrInstanceTerminal, got %v", err)
	}
}

func TestPostgresInstanceStore_AppendToMissing(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE instances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, history_len FROM instances")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), "nope", 1, api.TimerFired(t0, 1))
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestPostgresInstanceStore_DuplicateCreate(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CreateInstance(context.Background(), newRunning("dup", "order-saga", t0))
	if !errors.Is(err, ErrInstanceExists) {
		t.Fatalf("expected ErrInstanceExists, got %v", err)
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("UPDATE t SET a = ? WHERE id = ? AND n = ?")
	want := "UPDATE t SET a = $1 WHERE id = $2 AND n = $3"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPostgresInstanceStore_Contract(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	runInstanceStoreContract(t, func(t *testing.T) InstanceStore {
		ctx := context.Background()
		store, err := NewPostgresInstanceStore(ctx, db)
		if err != nil {
			t.Fatalf("NewPostgresInstanceStore failed: %v", err)
		}
		if _, err := db.ExecContext(ctx, `TRUNCATE history_events, instances`); err != nil {
			t.Fatalf("truncate failed: %v", err)
		}
		return store
	})
}
