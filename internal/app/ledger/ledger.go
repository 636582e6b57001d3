// Package ledger provides exactly-once-effect processing on top of at-least-
// once delivery. A consumer records each event ID it has handled; the check
// and the side effect commit atomically, so a redelivered event is skipped.
package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type Outcome int

const (
	// OutcomeApplied means the event was seen for the first time and the
	// effect ran.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means the event was already processed by this consumer
	// and the effect did not run.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Ledger runs an effect at most once per (eventID, consumerID) pair. The
// Postgres implementation hands the effect the transaction holding the
// ledger insert; the in-memory implementation passes a nil tx.
type Ledger interface {
	ProcessOnce(ctx context.Context, eventID, consumerID string, effect func(pgx.Tx) error) (Outcome, error)
}
