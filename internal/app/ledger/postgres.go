package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT        NOT NULL,
	consumer_id  TEXT        NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (event_id, consumer_id)
);

CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at
	ON processed_events (processed_at);
`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (l *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure processed_events schema: %w", err)
	}
	return nil
}

// ProcessOnce inserts the ledger row and runs the effect in one transaction.
// If the row already exists the transaction rolls back untouched and the
// outcome is OutcomeSkipped. An effect error rolls back the ledger row too,
// so a Nak'd event is retried from a clean slate.
func (l *Postgres) ProcessOnce(ctx context.Context, eventID, consumerID string, effect func(pgx.Tx) error) (Outcome, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, consumer_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id, consumer_id) DO NOTHING`,
		eventID, consumerID,
	)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("record event %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeSkipped, nil
	}

	if effect != nil {
		if err := effect(tx); err != nil {
			return OutcomeSkipped, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return OutcomeSkipped, fmt.Errorf("commit ledger tx: %w", err)
	}
	return OutcomeApplied, nil
}

// Prune deletes ledger rows older than the retention window. Events older
// than the stream retention can no longer be redelivered, so their rows are
// dead weight.
func (l *Postgres) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM processed_events
		WHERE processed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed_events: %w", err)
	}
	return tag.RowsAffected(), nil
}
