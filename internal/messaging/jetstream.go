package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	tasksStream     = "TASKS"
	remindersStream = "REMINDERS"
)

// Retention bounds the broker log. Once an event falls out of this window it
// can no longer be redelivered, which is also what makes pruning the
// idempotency ledger safe.
const Retention = 7 * 24 * time.Hour

// EnsureStreams creates (or validates) the streams required locally:
// - task-events.> and task-updates.> on TASKS
// - reminders.> on REMINDERS
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, &nats.StreamConfig{
		Name:      tasksStream,
		Subjects:  []string{"task-events.>", "task-updates.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    Retention,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}); err != nil {
		return err
	}

	return ensureStream(js, &nats.StreamConfig{
		Name:      remindersStream,
		Subjects:  []string{"reminders.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    Retention,
		Storage:   nats.FileStorage,
		Replicas:  1,
	})
}

func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := js.AddStream(cfg)
			return addErr
		}
		return err
	}
	return nil
}
