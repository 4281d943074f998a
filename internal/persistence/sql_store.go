package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name   string
	schema []string
	// rebind rewrites '?' placeholders for drivers that need another style.
	rebind func(string) string
}

// sqlStore implements InstanceStore on database/sql. Summary rows live in
// instances; history rows live in history_events keyed by position.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

var _ InstanceStore = (*sqlStore)(nil)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect sqlDialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if s.dialect.rebind == nil {
		return query
	}
	return s.dialect.rebind(query)
}

func (s *sqlStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	failure, err := encodeFailure(inst.Failure)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO instances (id, workflow_name, status, input, output, failure, history_len, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		inst.ID,
		inst.Name,
		string(inst.Status),
		[]byte(inst.Input),
		[]byte(inst.Output),
		failure,
		len(inst.History),
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceExists
	}

	if err := s.insertEvents(ctx, tx, inst.ID, 0, inst.History); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) insertEvents(ctx context.Context, tx *sql.Tx, id string, from int, events []api.HistoryEvent) error {
	for i, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO history_events (instance_id, position, event_type, event)
			VALUES (?, ?, ?, ?)`),
			id, from+i, string(ev.Type), data,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return s.load(ctx, s.db, id)
}

func (s *sqlStore) load(ctx context.Context, db queryer, id string) (*api.WorkflowInstance, error) {
	row := db.QueryRowContext(ctx, s.q(`
		SELECT id, workflow_name, status, input, output, failure, history_len, created_at, updated_at
		FROM instances
		WHERE id = ?`),
		id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.q(`
		SELECT event FROM history_events
		WHERE instance_id = ?
		ORDER BY position`),
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inst := rec.instance()
	inst.History = make([]api.HistoryEvent, 0, rec.HistoryLen)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		inst.History = append(inst.History, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(inst.History) != rec.HistoryLen {
		return nil, fmt.Errorf("instance %s: history has %d events, summary says %d", id, len(inst.History), rec.HistoryLen)
	}
	return inst, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (instanceRecord, error) {
	var (
		rec                    instanceRecord
		status                 string
		input, output, failure []byte
		createdAt, updatedAt   int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &status, &input, &output, &failure, &rec.HistoryLen, &createdAt, &updatedAt); err != nil {
		return instanceRecord{}, err
	}
	f, err := decodeFailure(failure)
	if err != nil {
		return instanceRecord{}, err
	}
	rec.Status = api.Status(status)
	rec.Failure = f
	if len(input) > 0 {
		rec.Input = input
	}
	if len(output) > 0 {
		rec.Output = output
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func (s *sqlStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, workflow_name, status, input, output, failure, history_len, created_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.WorkflowInstance
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec.instance())
	}
	return result, rows.Err()
}

func (s *sqlStore) AppendEvents(ctx context.Context, id string, expected int, events ...api.HistoryEvent) (*api.WorkflowInstance, error) {
	sum := fold(events, time.Time{})
	failure, err := encodeFailure(sum.Failure)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE instances
		SET status = ?, output = ?, failure = ?, history_len = ?,
			updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END
		WHERE id = ? AND history_len = ? AND status = ?`),
		string(sum.Status),
		[]byte(sum.Output),
		failure,
		expected+len(events),
		sum.UpdatedAt.UnixNano(),
		sum.UpdatedAt.UnixNano(),
		id,
		expected,
		string(api.StatusRunning),
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.diagnose(ctx, tx, id, expected)
	}

	if err := s.insertEvents(ctx, tx, id, expected, events); err != nil {
		return nil, err
	}

	inst, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inst, nil
}

// diagnose explains a conditional update that matched no row.
func (s *sqlStore) diagnose(ctx context.Context, db queryer, id string, expected int) error {
	var (
		status     string
		historyLen int
	)
	err := db.QueryRowContext(ctx, s.q(`SELECT status, history_len FROM instances WHERE id = ?`), id).
		Scan(&status, &historyLen)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInstanceNotFound
	}
	if err != nil {
		return err
	}
	if err := checkAppend(api.Status(status), historyLen, expected); err != nil {
		return err
	}
	return ErrConflict
}

// rebindDollar rewrites '?' placeholders to $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
