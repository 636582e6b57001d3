package recurrence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/app/ledger"
	"github.com/todostream/project/internal/contracts"
)

const ConsumerID = "recurrence-service"

const defaultReminderOffset = 30

// PublishCreatedFunc announces a materialized instance as a task.created
// event so the fan-out and reminder services pick it up.
type PublishCreatedFunc func(ctx context.Context, task contracts.TaskSnapshot, correlationID string) (string, error)

// Service consumes task.completed events and materializes the next instance
// of recurring tasks.
type Service struct {
	Ledger         ledger.Ledger
	Store          InstanceStore
	PublishCreated PublishCreatedFunc
	Log            zerolog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(l ledger.Ledger, store InstanceStore, log zerolog.Logger) *Service {
	return &Service{
		Ledger: l,
		Store:  store,
		Log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}
}

// Handle processes one raw event payload. It returns the ledger outcome and
// an error only for retryable failures; malformed payloads surface the
// contracts sentinel errors so the consumer loop can dead-letter them.
func (s *Service) Handle(ctx context.Context, payload []byte) (ledger.Outcome, error) {
	var env contracts.TaskChangeEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return ledger.OutcomeSkipped, fmt.Errorf("%w: %s", contracts.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return ledger.OutcomeSkipped, err
	}

	// Only completions materialize. Deletion is terminal for the lineage and
	// everything else is noise on this topic.
	if env.Type != contracts.TypeTaskCompleted {
		return ledger.OutcomeSkipped, nil
	}

	task, err := env.TaskData()
	if err != nil {
		return ledger.OutcomeSkipped, err
	}
	if task.Recurrence == nil {
		return ledger.OutcomeSkipped, nil
	}

	rule := *task.Recurrence
	if err := rule.Validate(); err != nil {
		// Rules are validated at creation, so a bad rule here means the data
		// was corrupted somewhere upstream. Acking keeps the partition moving.
		s.Log.Error().Err(err).
			Str("event_id", env.EventID).
			Str("correlation_id", env.CorrelationID).
			Str("task_id", task.TaskID).
			Str("rule_id", rule.RuleID).
			Msg("recurrence rule failed integrity check, no instance created")
		return ledger.OutcomeSkipped, nil
	}

	completedAt := s.Now()
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}

	var created *TaskInstance
	outcome, err := s.Ledger.ProcessOnce(ctx, env.EventID, ConsumerID, func(tx pgx.Tx) error {
		count, err := s.Store.CountInstances(ctx, tx, rule.RuleID)
		if err != nil {
			return err
		}
		next, ok := NextInstance(rule, completedAt, count)
		if !ok {
			s.Log.Info().
				Str("event_id", env.EventID).
				Str("correlation_id", env.CorrelationID).
				Str("task_id", task.TaskID).
				Str("rule_id", rule.RuleID).
				Msg("recurrence ended, no further instances")
			return nil
		}

		inst := TaskInstance{
			TaskID:         s.NewID(),
			ParentTaskID:   task.TaskID,
			RuleID:         rule.RuleID,
			UserID:         task.UserID,
			Title:          task.Title,
			Description:    task.Description,
			Priority:       task.Priority,
			DueDate:        DueDateForInstance(task.DueDate, completedAt, next),
			ReminderOffset: task.ReminderOffsetMinutes,
			OccursAt:       next,
		}
		if inst.ReminderOffset <= 0 {
			inst.ReminderOffset = defaultReminderOffset
		}
		if err := s.Store.InsertInstance(ctx, tx, inst); err != nil {
			return err
		}
		created = &inst
		return nil
	})
	if err != nil {
		return outcome, fmt.Errorf("materialize for event %s: %w", env.EventID, err)
	}
	if outcome == ledger.OutcomeSkipped {
		s.Log.Debug().
			Str("event_id", env.EventID).
			Str("correlation_id", env.CorrelationID).
			Msg("event already processed, skipping")
		return outcome, nil
	}
	if created == nil {
		return outcome, nil
	}

	s.Log.Info().
		Str("event_id", env.EventID).
		Str("correlation_id", env.CorrelationID).
		Str("task_id", created.TaskID).
		Str("parent_task_id", created.ParentTaskID).
		Time("occurs_at", created.OccursAt).
		Msg("materialized recurring instance")

	if s.PublishCreated != nil {
		snap := contracts.TaskSnapshot{
			TaskID:                created.TaskID,
			UserID:                created.UserID,
			Title:                 created.Title,
			Description:           created.Description,
			Priority:              created.Priority,
			DueDate:               created.DueDate,
			ReminderOffsetMinutes: created.ReminderOffset,
			ParentTaskID:          created.ParentTaskID,
			Recurrence:            &rule,
		}
		if _, err := s.PublishCreated(ctx, snap, env.CorrelationID); err != nil {
			// The instance row is committed; the announcement is best effort.
			s.Log.Warn().Err(err).
				Str("task_id", created.TaskID).
				Msg("instance created but announcement failed")
		}
	}
	return outcome, nil
}
