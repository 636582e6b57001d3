package reminder

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

const ConsumerID = "reminder-service"

// DefaultOffset is applied when a task carries no reminder_offset.
const DefaultOffset = 30 * time.Minute

var defaultChannels = []string{"email", "push"}

// Service maintains reminder schedules from the task event stream: a due
// date creates or moves a pending schedule, completion or deletion cancels it.
type Service struct {
	Ledger ledger.Ledger
	Store  ScheduleStore
	Log    zerolog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(l ledger.Ledger, store ScheduleStore, log zerolog.Logger) *Service {
	return &Service{
		Ledger: l,
		Store:  store,
		Log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}
}

// Handle processes one raw task event. Malformed payloads surface the
// contracts sentinels for dead-lettering; other errors are retryable.
func (s *Service) Handle(ctx context.Context, payload []byte) (ledger.Outcome, error) {
	var env contracts.TaskChangeEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return ledger.OutcomeSkipped, fmt.Errorf("%w: %s", contracts.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return ledger.OutcomeSkipped, err
	}

	switch env.Type {
	case contracts.TypeTaskCreated, contracts.TypeTaskUpdated:
		task, err := env.TaskData()
		if err != nil {
			return ledger.OutcomeSkipped, err
		}
		return s.applySnapshot(ctx, env, task)

	case contracts.TypeTaskCompleted:
		task, err := env.TaskData()
		if err != nil {
			return ledger.OutcomeSkipped, err
		}
		return s.cancel(ctx, env, task.TaskID)

	case contracts.TypeTaskDeleted:
		del, err := env.DeletionData()
		if err != nil {
			return ledger.OutcomeSkipped, err
		}
		return s.cancel(ctx, env, del.TaskID)
	}
	return ledger.OutcomeSkipped, nil
}

func (s *Service) applySnapshot(ctx context.Context, env contracts.TaskChangeEvent, task contracts.TaskSnapshot) (ledger.Outcome, error) {
	// An update that removes the due date or arrives already completed
	// must clear any pending reminder rather than reschedule it.
	if task.DueDate == nil || task.Completed {
		return s.cancel(ctx, env, task.TaskID)
	}

	offset := DefaultOffset
	if task.ReminderOffsetMinutes > 0 {
		offset = time.Duration(task.ReminderOffsetMinutes) * time.Minute
	}
	sched := Schedule{
		ReminderID:    s.NewID(),
		TaskID:        task.TaskID,
		UserID:        task.UserID,
		TaskTitle:     task.Title,
		DueDate:       *task.DueDate,
		ScheduledTime: task.DueDate.Add(-offset),
		Channels:      defaultChannels,
		Status:        StatusPending,
	}

	outcome, err := s.Ledger.ProcessOnce(ctx, env.EventID, ConsumerID, func(tx pgx.Tx) error {
		return s.Store.Upsert(ctx, tx, sched)
	})
	if err != nil {
		return outcome, fmt.Errorf("schedule reminder for event %s: %w", env.EventID, err)
	}
	if outcome == ledger.OutcomeApplied {
		s.Log.Info().
			Str("event_id", env.EventID).
			Str("correlation_id", env.CorrelationID).
			Str("task_id", task.TaskID).
			Time("scheduled_time", sched.ScheduledTime).
			Msg("reminder scheduled")
	}
	return outcome, nil
}

func (s *Service) cancel(ctx context.Context, env contracts.TaskChangeEvent, taskID string) (ledger.Outcome, error) {
	outcome, err := s.Ledger.ProcessOnce(ctx, env.EventID, ConsumerID, func(tx pgx.Tx) error {
		return s.Store.CancelPending(ctx, tx, taskID)
	})
	if err != nil {
		return outcome, fmt.Errorf("cancel reminders for event %s: %w", env.EventID, err)
	}
	if outcome == ledger.OutcomeApplied {
		s.Log.Info().
			Str("event_id", env.EventID).
			Str("correlation_id", env.CorrelationID).
			Str("task_id", taskID).
			Msg("pending reminders cancelled")
	}
	return outcome, nil
}
