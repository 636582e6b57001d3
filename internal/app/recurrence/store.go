package recurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskInstance is a materialized occurrence of a recurring task. It carries
// the parent's static fields, a fresh ID and a recomputed due date.
type TaskInstance struct {
	TaskID         string
	ParentTaskID   string
	RuleID         string
	UserID         string
	Title          string
	Description    string
	Priority       string
	DueDate        *time.Time
	ReminderOffset int
	OccursAt       time.Time
}

// InstanceStore persists materialized instances. Both methods run inside the
// ledger transaction so the occurrence count, the insert and the idempotency
// record commit together.
type InstanceStore interface {
	CountInstances(ctx context.Context, tx pgx.Tx, ruleID string) (int, error)
	InsertInstance(ctx context.Context, tx pgx.Tx, inst TaskInstance) error
}

const instanceSchema = `
CREATE TABLE IF NOT EXISTS task_instances (
	task_id         TEXT        PRIMARY KEY,
	parent_task_id  TEXT        NOT NULL,
	rule_id         TEXT        NOT NULL,
	user_id         TEXT        NOT NULL,
	title           TEXT        NOT NULL,
	description     TEXT        NOT NULL DEFAULT '',
	priority        TEXT        NOT NULL DEFAULT 'medium',
	due_date        TIMESTAMPTZ,
	reminder_offset INT         NOT NULL DEFAULT 30,
	occurs_at       TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_instances_rule_id
	ON task_instances (rule_id);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, instanceSchema)
	if err != nil {
		return fmt.Errorf("ensure task_instances schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountInstances(ctx context.Context, tx pgx.Tx, ruleID string) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FROM task_instances WHERE rule_id = $1`, ruleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count instances for rule %s: %w", ruleID, err)
	}
	return count, nil
}

func (s *PostgresStore) InsertInstance(ctx context.Context, tx pgx.Tx, inst TaskInstance) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO task_instances
			(task_id, parent_task_id, rule_id, user_id, title, description, priority, due_date, reminder_offset, occurs_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.TaskID, inst.ParentTaskID, inst.RuleID, inst.UserID,
		inst.Title, inst.Description, inst.Priority,
		inst.DueDate, inst.ReminderOffset, inst.OccursAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.TaskID, err)
	}
	return nil
}
