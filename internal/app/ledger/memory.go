package ledger

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

const defaultMemoryLimit = 100_000

// Memory is a process-local ledger for consumers whose effect lives in the
// same process (the fan-out service) and for tests. The effect receives a
// nil tx and runs under the ledger lock, so it must not call back into the
// ledger. Entries are evicted oldest-first once the limit is hit, matching
// the bounded retention of the durable ledger.
type Memory struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &Memory{seen: make(map[string]struct{}), limit: limit}
}

func (l *Memory) ProcessOnce(ctx context.Context, eventID, consumerID string, effect func(pgx.Tx) error) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeSkipped, err
	}

	key := eventID + "|" + consumerID

	// The check, the effect and the record share one critical section so a
	// concurrent redelivery cannot run the effect a second time. A failed
	// effect leaves the event unrecorded for the next delivery.
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return OutcomeSkipped, nil
	}
	if effect != nil {
		if err := effect(nil); err != nil {
			return OutcomeSkipped, err
		}
	}
	l.seen[key] = struct{}{}
	l.order = append(l.order, key)
	if len(l.order) > l.limit {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
	}
	return OutcomeApplied, nil
}
