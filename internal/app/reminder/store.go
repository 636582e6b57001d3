package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schedule statuses. Pending is the only non-terminal state; Pending→Failed
// passes through bounded delivery retries.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Schedule struct {
	ReminderID    string
	TaskID        string
	UserID        string
	TaskTitle     string
	DueDate       time.Time
	ScheduledTime time.Time
	Channels      []string
	Status        string
	Attempts      int
}

// ScheduleStore is the event consumer's view: both methods run inside the
// idempotency ledger transaction.
type ScheduleStore interface {
	Upsert(ctx context.Context, tx pgx.Tx, sched Schedule) error
	CancelPending(ctx context.Context, tx pgx.Tx, taskID string) error
}

// SweepStore is the sweep loop's view over the same table.
type SweepStore interface {
	DuePending(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	Defer(ctx context.Context, reminderID string, until time.Time) error
	MarkSent(ctx context.Context, reminderID string) error
	MarkFailed(ctx context.Context, reminderID string) error
	MarkCancelled(ctx context.Context, reminderID string) error
	BumpAttempts(ctx context.Context, reminderID string) (int, error)
}

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS reminder_schedules (
	reminder_id    TEXT        PRIMARY KEY,
	task_id        TEXT        NOT NULL,
	user_id        TEXT        NOT NULL,
	task_title     TEXT        NOT NULL DEFAULT '',
	due_date       TIMESTAMPTZ NOT NULL,
	scheduled_time TIMESTAMPTZ NOT NULL,
	channels       TEXT[]      NOT NULL DEFAULT '{email,push}',
	status         TEXT        NOT NULL DEFAULT 'pending',
	attempts       INT         NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_reminder_schedules_pending_task
	ON reminder_schedules (task_id) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_reminder_schedules_due
	ON reminder_schedules (scheduled_time) WHERE status = 'pending';
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, scheduleSchema)
	if err != nil {
		return fmt.Errorf("ensure reminder_schedules schema: %w", err)
	}
	return nil
}

// Upsert keeps at most one pending schedule per task: a task update moves the
// existing pending row instead of stacking a second reminder.
func (s *PostgresStore) Upsert(ctx context.Context, tx pgx.Tx, sched Schedule) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reminder_schedules
			(reminder_id, task_id, user_id, task_title, due_date, scheduled_time, channels, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (task_id) WHERE status = 'pending' DO UPDATE SET
			task_title     = EXCLUDED.task_title,
			due_date       = EXCLUDED.due_date,
			scheduled_time = EXCLUDED.scheduled_time,
			channels       = EXCLUDED.channels,
			attempts       = 0,
			updated_at     = now()`,
		sched.ReminderID, sched.TaskID, sched.UserID, sched.TaskTitle,
		sched.DueDate, sched.ScheduledTime, sched.Channels,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule for task %s: %w", sched.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) CancelPending(ctx context.Context, tx pgx.Tx, taskID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE reminder_schedules
		SET status = 'cancelled', updated_at = now()
		WHERE task_id = $1 AND status = 'pending'`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("cancel schedules for task %s: %w", taskID, err)
	}
	return nil
}

func (s *PostgresStore) DuePending(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reminder_id, task_id, user_id, task_title, due_date, scheduled_time, channels, status, attempts
		FROM reminder_schedules
		WHERE status = 'pending' AND scheduled_time <= $1
		ORDER BY scheduled_time
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var due []Schedule
	for rows.Next() {
		var sched Schedule
		if err := rows.Scan(
			&sched.ReminderID, &sched.TaskID, &sched.UserID, &sched.TaskTitle,
			&sched.DueDate, &sched.ScheduledTime, &sched.Channels, &sched.Status, &sched.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, sched)
	}
	return due, rows.Err()
}

func (s *PostgresStore) Defer(ctx context.Context, reminderID string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reminder_schedules
		SET scheduled_time = $2, updated_at = now()
		WHERE reminder_id = $1 AND status = 'pending'`,
		reminderID, until,
	)
	if err != nil {
		return fmt.Errorf("defer schedule %s: %w", reminderID, err)
	}
	return nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, reminderID string) error {
	return s.setStatus(ctx, reminderID, StatusSent)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, reminderID string) error {
	return s.setStatus(ctx, reminderID, StatusFailed)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, reminderID string) error {
	return s.setStatus(ctx, reminderID, StatusCancelled)
}

func (s *PostgresStore) setStatus(ctx context.Context, reminderID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reminder_schedules
		SET status = $2, updated_at = now()
		WHERE reminder_id = $1 AND status = 'pending'`,
		reminderID, status,
	)
	if err != nil {
		return fmt.Errorf("mark schedule %s %s: %w", reminderID, status, err)
	}
	return nil
}

func (s *PostgresStore) BumpAttempts(ctx context.Context, reminderID string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE reminder_schedules
		SET attempts = attempts + 1, updated_at = now()
		WHERE reminder_id = $1
		RETURNING attempts`,
		reminderID,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("bump attempts for %s: %w", reminderID, err)
	}
	return attempts, nil
}
