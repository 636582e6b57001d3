package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todostream/project/internal/contracts"
)

type fakeSweepStore struct {
	pending   []Schedule
	sent      []string
	failed    []string
	cancelled []string
	deferred  map[string]time.Time
	attempts  map[string]int
}

func newFakeSweepStore(pending ...Schedule) *fakeSweepStore {
	return &fakeSweepStore{
		pending:  pending,
		deferred: make(map[string]time.Time),
		attempts: make(map[string]int),
	}
}

func (f *fakeSweepStore) DuePending(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	var due []Schedule
	for _, sched := range f.pending {
		if !sched.ScheduledTime.After(now) && len(due) < limit {
			due = append(due, sched)
		}
	}
	return due, nil
}

func (f *fakeSweepStore) Defer(_ context.Context, reminderID string, until time.Time) error {
	f.deferred[reminderID] = until
	for i := range f.pending {
		if f.pending[i].ReminderID == reminderID {
			f.pending[i].ScheduledTime = until
		}
	}
	return nil
}

func (f *fakeSweepStore) MarkSent(_ context.Context, reminderID string) error {
	f.sent = append(f.sent, reminderID)
	f.removePending(reminderID)
	return nil
}

func (f *fakeSweepStore) MarkFailed(_ context.Context, reminderID string) error {
	f.failed = append(f.failed, reminderID)
	f.removePending(reminderID)
	return nil
}

func (f *fakeSweepStore) MarkCancelled(_ context.Context, reminderID string) error {
	f.cancelled = append(f.cancelled, reminderID)
	f.removePending(reminderID)
	return nil
}

func (f *fakeSweepStore) BumpAttempts(_ context.Context, reminderID string) (int, error) {
	f.attempts[reminderID]++
	return f.attempts[reminderID], nil
}

func (f *fakeSweepStore) removePending(reminderID string) {
	for i := range f.pending {
		if f.pending[i].ReminderID == reminderID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

type recordingDeliverer struct {
	batches [][]Schedule
	err     error
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ NotificationPreference, batch []Schedule) error {
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, batch)
	return nil
}

func sched(id, user string, at time.Time) Schedule {
	return Schedule{
		ReminderID: id, TaskID: "task-" + id, UserID: user, TaskTitle: "title " + id,
		DueDate: at.Add(30 * time.Minute), ScheduledTime: at,
		Channels: []string{"email", "push"}, Status: StatusPending,
	}
}

func newSweeper(store SweepStore, prefs PreferenceReader, d Deliverer, now time.Time) *Sweeper {
	s := NewSweeper(store, prefs, d, zerolog.Nop())
	s.Now = func() time.Time { return now }
	return s
}

func TestSweepDeliversDueReminder(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := newFakeSweepStore(sched("r1", "user-1", now.Add(-time.Minute)))
	d := &recordingDeliverer{}
	// Midday, outside default quiet hours.
	s := newSweeper(store, StaticPreferences{}, d, now)

	var published []contracts.ReminderDue
	s.PublishDue = func(_ context.Context, due contracts.ReminderDue, _ string) (string, error) {
		published = append(published, due)
		return "evt-1", nil
	}

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Sent: 1}, stats)
	assert.Equal(t, []string{"r1"}, store.sent)
	require.Len(t, published, 1)
	assert.Equal(t, "r1", published[0].ReminderID)
}

func TestSweepLeavesFutureRemindersAlone(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := newFakeSweepStore(sched("r1", "user-1", now.Add(5*time.Minute)))
	s := newSweeper(store, StaticPreferences{}, &recordingDeliverer{}, now)

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
	assert.Empty(t, store.sent)
}

func TestSweepBatchesSameUserIntoOneDelivery(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := newFakeSweepStore(
		sched("r1", "user-1", now.Add(-2*time.Minute)),
		sched("r2", "user-1", now.Add(-time.Minute)),
		sched("r3", "user-2", now.Add(-time.Minute)),
	)
	d := &recordingDeliverer{}
	s := newSweeper(store, StaticPreferences{}, d, now)

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Sent)
	require.Len(t, d.batches, 2)
	assert.Len(t, d.batches[0], 2)
	assert.Len(t, d.batches[1], 1)
}

func TestSweepDefersDuringQuietHours(t *testing.T) {
	now := time.Date(2026, 8, 20, 23, 0, 0, 0, time.UTC)
	store := newFakeSweepStore(sched("r1", "user-1", now.Add(-time.Minute)))
	d := &recordingDeliverer{}
	prefs := StaticPreferences{"user-1": {
		UserID: "user-1", EmailEnabled: true, PushEnabled: true,
		QuietHoursStart: "22:00", QuietHoursEnd: "08:00",
	}}
	s := newSweeper(store, prefs, d, now)

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Deferred: 1}, stats)
	assert.Empty(t, d.batches)
	assert.Equal(t, time.Date(2026, 8, 21, 8, 0, 0, 0, time.UTC), store.deferred["r1"])

	// After the quiet window the deferred reminder goes out.
	s.Now = func() time.Time { return time.Date(2026, 8, 21, 8, 30, 0, 0, time.UTC) }
	stats, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
}

func TestSweepDeliversOnceQuietWindowEnds(t *testing.T) {
	// Half a minute into the end minute the window is over; the reminder
	// must go out now rather than defer a full day.
	now := time.Date(2026, 8, 20, 8, 0, 30, 0, time.UTC)
	store := newFakeSweepStore(sched("r1", "user-1", now.Add(-time.Hour)))
	d := &recordingDeliverer{}
	prefs := StaticPreferences{"user-1": {
		UserID: "user-1", EmailEnabled: true, PushEnabled: true,
		QuietHoursStart: "22:00", QuietHoursEnd: "08:00",
	}}
	s := newSweeper(store, prefs, d, now)

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Sent: 1}, stats)
	assert.Empty(t, store.deferred)
}

func TestSweepCancelsWhenAllChannelsDisabled(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := newFakeSweepStore(sched("r1", "user-1", now.Add(-time.Minute)))
	d := &recordingDeliverer{}
	prefs := StaticPreferences{"user-1": {UserID: "user-1"}}
	s := newSweeper(store, prefs, d, now)

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Suppressed: 1}, stats)
	assert.Empty(t, d.batches)
	assert.Empty(t, store.sent)
	assert.Equal(t, []string{"r1"}, store.cancelled)
}

func TestSweepRetriesThenFailsDelivery(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := newFakeSweepStore(sched("r1", "user-1", now.Add(-time.Minute)))
	d := &recordingDeliverer{err: errors.New("provider down")}
	s := newSweeper(store, StaticPreferences{}, d, now)
	s.MaxAttempts = 2

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Retried: 1}, stats)
	assert.Empty(t, store.failed)

	stats, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"r1"}, store.failed)
}
