package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLQueue is a persistent Queue on database/sql. Tasks are claimed with a
// single DELETE ... RETURNING statement so concurrent consumers never
// receive the same row.
type SQLQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	insert       string
	claim        string
	count        string
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

const taskColumns = `id, type, instance_id, seq, enqueued_at, not_before, attempts`

// NewSQLiteQueue initializes the tasks table in the given SQLite DB and
// returns a new queue.
func NewSQLiteQueue(ctx context.Context, db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		insert: `INSERT INTO tasks (` + taskColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		claim: `DELETE FROM tasks
			WHERE id = (
				SELECT id FROM tasks
				WHERE not_before <= ?
				ORDER BY not_before, rowid
				LIMIT 1
			)
			RETURNING ` + taskColumns,
		count: `SELECT COUNT(*) FROM tasks`,
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewPostgresQueue initializes the queue_tasks table in the given
// PostgreSQL DB and returns a new queue. Claims use FOR UPDATE SKIP LOCKED.
func NewPostgresQueue(ctx context.Context, db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
		insert: `INSERT INTO queue_tasks (` + taskColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		claim: `DELETE FROM queue_tasks
			WHERE id = (
				SELECT id FROM queue_tasks
				WHERE not_before <= $1
				ORDER BY not_before, enqueued_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING ` + taskColumns,
		count: `SELECT COUNT(*) FROM queue_tasks`,
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	_, err := q.db.ExecContext(ctx, q.insert,
		t.ID,
		string(t.Type),
		t.InstanceID,
		t.Seq,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			task                  Task
			typ                   string
			enqueuedAt, notBefore int64
		)
		err := q.db.QueryRowContext(ctx, q.claim, time.Now().UnixNano()).
			Scan(&task.ID, &typ, &task.InstanceID, &task.Seq, &enqueuedAt, &notBefore, &task.Attempts)
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing available: sleep a bit and retry.
			if err := sleep(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		task.Type = TaskType(typ)
		task.EnqueuedAt = time.Unix(0, enqueuedAt)
		task.NotBefore = time.Unix(0, notBefore)
		return &task, nil
	}
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(q.count).Scan(&n); err != nil {
		return 0
	}
	return n
}
