package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todostream/project/internal/app/ledger"
	"github.com/todostream/project/internal/contracts"
)

type fakeStore struct {
	instances []TaskInstance
	insertErr error
}

func (f *fakeStore) CountInstances(_ context.Context, _ pgx.Tx, ruleID string) (int, error) {
	count := 0
	for _, inst := range f.instances {
		if inst.RuleID == ruleID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) InsertInstance(_ context.Context, _ pgx.Tx, inst TaskInstance) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.instances = append(f.instances, inst)
	return nil
}

func newTestService(store *fakeStore) *Service {
	s := NewService(ledger.NewMemory(0), store, zerolog.Nop())
	s.Now = func() time.Time { return time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC) }
	n := 0
	s.NewID = func() string {
		n++
		return fmt.Sprintf("inst-%d", n)
	}
	return s
}

func completedEvent(t *testing.T, eventID string, task contracts.TaskSnapshot) []byte {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	payload, err := json.Marshal(contracts.TaskChangeEvent{
		SpecVersion:   contracts.SpecVersion,
		EventID:       eventID,
		Source:        "task-gateway",
		Type:          contracts.TypeTaskCompleted,
		Subject:       "tasks/" + task.TaskID,
		Time:          time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC),
		CorrelationID: "corr-1",
		Data:          data,
	})
	require.NoError(t, err)
	return payload
}

func recurringTask(completedAt time.Time, rule contracts.RecurrenceRule) contracts.TaskSnapshot {
	due := completedAt.Add(8 * time.Hour)
	return contracts.TaskSnapshot{
		TaskID:                "task-1",
		UserID:                "user-1",
		Title:                 "water the plants",
		Priority:              "medium",
		Completed:             true,
		DueDate:               &due,
		ReminderOffsetMinutes: 30,
		Recurrence:            &rule,
		CompletedAt:           &completedAt,
	}
}

func TestHandleMaterializesNextInstance(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)
	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	rule := contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily, Interval: 1, MaxOccurrences: 3}

	outcome, err := s.Handle(context.Background(), completedEvent(t, "evt-1", recurringTask(completedAt, rule)))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, outcome)

	require.Len(t, store.instances, 1)
	inst := store.instances[0]
	assert.Equal(t, "task-1", inst.ParentTaskID)
	assert.Equal(t, "rule-1", inst.RuleID)
	assert.Equal(t, "user-1", inst.UserID)
	assert.Equal(t, time.Date(2026, 8, 11, 9, 0, 0, 0, time.UTC), inst.OccursAt)
	require.NotNil(t, inst.DueDate)
	assert.Equal(t, time.Date(2026, 8, 11, 17, 0, 0, 0, time.UTC), *inst.DueDate)
}

func TestHandleRedeliveryCreatesNoDuplicate(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)
	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	rule := contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily, Interval: 1, MaxOccurrences: 3}
	payload := completedEvent(t, "evt-1", recurringTask(completedAt, rule))

	outcome, err := s.Handle(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, outcome)

	outcome, err = s.Handle(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSkipped, outcome)

	assert.Len(t, store.instances, 1)
}

func TestHandleMaxOccurrencesProducesBoundedLineage(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)
	rule := contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily, Interval: 1, MaxOccurrences: 3}

	// Complete the origin task and then each materialized instance.
	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		outcome, err := s.Handle(context.Background(),
			completedEvent(t, fmt.Sprintf("evt-%d", i), recurringTask(completedAt, rule)))
		require.NoError(t, err)
		assert.Equal(t, ledger.OutcomeApplied, outcome)
		completedAt = completedAt.AddDate(0, 0, 1)
	}

	// Three occurrences total: the origin plus exactly two children.
	assert.Len(t, store.instances, 2)
}

func TestHandleIgnoresNonCompletionEvents(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)

	task := contracts.TaskSnapshot{TaskID: "task-1", UserID: "user-1", Title: "x",
		Recurrence: &contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily, Interval: 1, MaxOccurrences: 3}}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	payload, err := json.Marshal(contracts.TaskChangeEvent{
		SpecVersion: contracts.SpecVersion, EventID: "evt-1", Source: "task-gateway",
		Type: contracts.TypeTaskDeleted, Time: time.Now(), CorrelationID: "corr-1", Data: data,
	})
	require.NoError(t, err)

	outcome, err := s.Handle(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSkipped, outcome)
	assert.Empty(t, store.instances)
}

func TestHandleIgnoresTasksWithoutRecurrence(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)
	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	task := recurringTask(completedAt, contracts.RecurrenceRule{})
	task.Recurrence = nil

	outcome, err := s.Handle(context.Background(), completedEvent(t, "evt-1", task))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSkipped, outcome)
	assert.Empty(t, store.instances)
}

func TestHandleCorruptRuleIsLoggedNotRetried(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)
	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	end := completedAt.AddDate(0, 1, 0)
	// Both end conditions set should have been rejected at creation.
	rule := contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily,
		Interval: 1, MaxOccurrences: 3, EndDate: &end}

	outcome, err := s.Handle(context.Background(), completedEvent(t, "evt-1", recurringTask(completedAt, rule)))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSkipped, outcome)
	assert.Empty(t, store.instances)
}

func TestHandleMalformedPayloadSurfacesSentinel(t *testing.T) {
	s := newTestService(&fakeStore{})

	_, err := s.Handle(context.Background(), []byte("{not json"))
	assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)

	payload, merr := json.Marshal(contracts.TaskChangeEvent{
		SpecVersion: contracts.SpecVersion, EventID: "evt-1", Source: "x",
		Type: contracts.TypeTaskCompleted, Time: time.Now(), CorrelationID: "c",
		Data: json.RawMessage(`{"title":"missing ids"}`),
	})
	require.NoError(t, merr)
	_, err = s.Handle(context.Background(), payload)
	assert.ErrorIs(t, err, contracts.ErrInvalidTaskData)
}

func TestHandleStoreFailureIsRetryable(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("db down")}
	s := newTestService(store)
	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	rule := contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily, Interval: 1, MaxOccurrences: 3}
	payload := completedEvent(t, "evt-1", recurringTask(completedAt, rule))

	_, err := s.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, contracts.ErrInvalidEnvelope)

	// The failed attempt left no ledger record, so the retry succeeds.
	store.insertErr = nil
	outcome, err := s.Handle(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, outcome)
	assert.Len(t, store.instances, 1)
}

func TestHandleAnnouncesCreatedInstance(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store)
	var announced []contracts.TaskSnapshot
	s.PublishCreated = func(_ context.Context, task contracts.TaskSnapshot, correlationID string) (string, error) {
		assert.Equal(t, "corr-1", correlationID)
		announced = append(announced, task)
		return "evt-out", nil
	}

	completedAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	rule := contracts.RecurrenceRule{RuleID: "rule-1", Frequency: contracts.FrequencyDaily, Interval: 1, MaxOccurrences: 3}
	_, err := s.Handle(context.Background(), completedEvent(t, "evt-1", recurringTask(completedAt, rule)))
	require.NoError(t, err)

	require.Len(t, announced, 1)
	assert.Equal(t, "task-1", announced[0].ParentTaskID)
	assert.Equal(t, "inst-1", announced[0].TaskID)
}
