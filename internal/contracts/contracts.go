package contracts

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Topics carried by the broker. task-events feeds the recurrence and reminder
// services, task-updates feeds the real-time fan-out, reminders carries the
// scheduler's output for downstream notification collaborators.
const (
	TopicTaskEvents  = "task-events"
	TopicTaskUpdates = "task-updates"
	TopicReminders   = "reminders"
)

// Event types in CloudEvents notation.
const (
	TypeTaskCreated   = "task.created"
	TypeTaskUpdated   = "task.updated"
	TypeTaskDeleted   = "task.deleted"
	TypeTaskCompleted = "task.completed"
	TypeReminderDue   = "reminder.due"
)

const SpecVersion = "1.0"

var ErrInvalidEnvelope = errors.New("invalid event envelope")
var ErrInvalidTaskData = errors.New("invalid task data")
var ErrInvalidDeletionData = errors.New("invalid deletion data")
var ErrInvalidReminderData = errors.New("invalid reminder data")

// TaskChangeEvent is the CloudEvents-style envelope published once a task
// mutation commits. It is immutable after publication; consumers decode Data
// through the typed accessors below and must never mutate the envelope.
type TaskChangeEvent struct {
	SpecVersion   string          `json:"specversion"`
	EventID       string          `json:"id"`
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	Subject       string          `json:"subject,omitempty"`
	Time          time.Time       `json:"time"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// TaskSnapshot is the task state captured at event time. It is the Data
// variant for task.created, task.updated and task.completed events.
type TaskSnapshot struct {
	TaskID                string          `json:"task_id"`
	UserID                string          `json:"user_id"`
	Title                 string          `json:"title"`
	Description           string          `json:"description,omitempty"`
	Priority              string          `json:"priority,omitempty"`
	Completed             bool            `json:"completed"`
	DueDate               *time.Time      `json:"due_date,omitempty"`
	ReminderOffsetMinutes int             `json:"reminder_offset,omitempty"`
	ParentTaskID          string          `json:"parent_task_id,omitempty"`
	Recurrence            *RecurrenceRule `json:"recurrence,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// TaskDeletion is the Data variant for task.deleted events. Deletion is
// terminal for the task's lineage, so only identity fields are carried.
type TaskDeletion struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}

// ReminderDue is the Data variant for reminder.due events published by the
// reminder scheduler when a delivery is admitted.
type ReminderDue struct {
	ReminderID    string    `json:"reminder_id"`
	TaskID        string    `json:"task_id"`
	TaskTitle     string    `json:"task_title"`
	UserID        string    `json:"user_id"`
	DueDate       time.Time `json:"due_date"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Channels      []string  `json:"channels"`
}

func (e TaskChangeEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" || strings.TrimSpace(e.Type) == "" {
		return ErrInvalidEnvelope
	}
	if e.Time.IsZero() || len(e.Data) == 0 {
		return ErrInvalidEnvelope
	}
	return nil
}

// TaskData decodes and validates the snapshot variant of the payload.
func (e TaskChangeEvent) TaskData() (TaskSnapshot, error) {
	var snap TaskSnapshot
	if err := json.Unmarshal(e.Data, &snap); err != nil {
		return TaskSnapshot{}, ErrInvalidTaskData
	}
	if strings.TrimSpace(snap.TaskID) == "" || strings.TrimSpace(snap.UserID) == "" {
		return TaskSnapshot{}, ErrInvalidTaskData
	}
	return snap, nil
}

// DeletionData decodes and validates the deletion variant of the payload.
func (e TaskChangeEvent) DeletionData() (TaskDeletion, error) {
	var del TaskDeletion
	if err := json.Unmarshal(e.Data, &del); err != nil {
		return TaskDeletion{}, ErrInvalidDeletionData
	}
	if strings.TrimSpace(del.TaskID) == "" || strings.TrimSpace(del.UserID) == "" {
		return TaskDeletion{}, ErrInvalidDeletionData
	}
	return del, nil
}

// ReminderData decodes and validates the reminder variant of the payload.
func (e TaskChangeEvent) ReminderData() (ReminderDue, error) {
	var due ReminderDue
	if err := json.Unmarshal(e.Data, &due); err != nil {
		return ReminderDue{}, ErrInvalidReminderData
	}
	if strings.TrimSpace(due.ReminderID) == "" || strings.TrimSpace(due.UserID) == "" {
		return ReminderDue{}, ErrInvalidReminderData
	}
	return due, nil
}

// PartitionKey returns the user ID used to route the event, regardless of
// which payload variant the envelope carries.
func (e TaskChangeEvent) PartitionKey() (string, error) {
	switch e.Type {
	case TypeTaskDeleted:
		del, err := e.DeletionData()
		if err != nil {
			return "", err
		}
		return del.UserID, nil
	case TypeReminderDue:
		due, err := e.ReminderData()
		if err != nil {
			return "", err
		}
		return due.UserID, nil
	default:
		snap, err := e.TaskData()
		if err != nil {
			return "", err
		}
		return snap.UserID, nil
	}
}
