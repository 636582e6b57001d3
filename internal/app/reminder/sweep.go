package reminder

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/contracts"
)

const (
	DefaultMaxAttempts = 3
	DefaultScanLimit   = 500
)

// Deliverer pushes a batch of reminders for one user over the enabled
// channels. Reminders due in the same sweep for the same user arrive as one
// batch so the user gets a single notification instead of a flood.
type Deliverer interface {
	Deliver(ctx context.Context, prefs NotificationPreference, batch []Schedule) error
}

// PublishDueFunc announces a delivered reminder as a reminder.due event for
// connected clients.
type PublishDueFunc func(ctx context.Context, due contracts.ReminderDue, correlationID string) (string, error)

// Sweeper is the wall-clock half of the scheduler: a timer loop that scans
// pending schedules whose time has passed and delivers or defers them.
type Sweeper struct {
	Store      SweepStore
	Prefs      PreferenceReader
	Deliverer  Deliverer
	PublishDue PublishDueFunc
	Log        zerolog.Logger

	// OnStats, when set, receives each sweep's outcome. The service binary
	// hangs its metric counters off this.
	OnStats func(SweepStats)

	Now         func() time.Time
	MaxAttempts int
	ScanLimit   int
}

func NewSweeper(store SweepStore, prefs PreferenceReader, deliverer Deliverer, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Store:       store,
		Prefs:       prefs,
		Deliverer:   deliverer,
		Log:         log,
		Now:         func() time.Time { return time.Now().UTC() },
		MaxAttempts: DefaultMaxAttempts,
		ScanLimit:   DefaultScanLimit,
	}
}

type SweepStats struct {
	Scanned    int
	Sent       int
	Deferred   int
	Retried    int
	Failed     int
	Suppressed int
}

// Run sweeps on the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				s.Log.Error().Err(err).Msg("reminder sweep failed")
				continue
			}
			if s.OnStats != nil {
				s.OnStats(stats)
			}
			if stats.Scanned > 0 {
				s.Log.Info().
					Int("scanned", stats.Scanned).
					Int("sent", stats.Sent).
					Int("deferred", stats.Deferred).
					Int("retried", stats.Retried).
					Int("failed", stats.Failed).
					Int("suppressed", stats.Suppressed).
					Msg("reminder sweep complete")
			}
		}
	}
}

// SweepOnce processes every pending schedule whose time has passed, grouped
// per user so near-simultaneous reminders coalesce into one delivery.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	now := s.Now()
	due, err := s.Store.DuePending(ctx, now, s.ScanLimit)
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{Scanned: len(due)}

	byUser := make(map[string][]Schedule)
	var users []string
	for _, sched := range due {
		if _, ok := byUser[sched.UserID]; !ok {
			users = append(users, sched.UserID)
		}
		byUser[sched.UserID] = append(byUser[sched.UserID], sched)
	}

	for _, userID := range users {
		batch := byUser[userID]
		prefs, err := s.Prefs.Preferences(ctx, userID)
		if err != nil {
			s.Log.Warn().Err(err).Str("user_id", userID).Msg("preference lookup failed, using defaults")
			prefs = DefaultPreferences(userID)
		}

		// A user with every channel disabled has opted out: cancel instead
		// of recording a send that never happened.
		if !prefs.AnyChannelEnabled() {
			for _, sched := range batch {
				if err := s.Store.MarkCancelled(ctx, sched.ReminderID); err != nil {
					s.Log.Error().Err(err).Str("reminder_id", sched.ReminderID).Msg("mark cancelled failed")
					continue
				}
				stats.Suppressed++
			}
			s.Log.Info().
				Str("user_id", userID).
				Int("count", len(batch)).
				Msg("all channels disabled, reminders cancelled")
			continue
		}

		if prefs.InQuietHours(now) {
			until := prefs.QuietHoursUntil(now)
			for _, sched := range batch {
				if err := s.Store.Defer(ctx, sched.ReminderID, until); err != nil {
					s.Log.Error().Err(err).Str("reminder_id", sched.ReminderID).Msg("defer failed")
					continue
				}
				stats.Deferred++
			}
			s.Log.Info().
				Str("user_id", userID).
				Time("until", until).
				Int("count", len(batch)).
				Msg("quiet hours active, reminders deferred")
			continue
		}

		if err := s.Deliverer.Deliver(ctx, prefs, batch); err != nil {
			s.Log.Warn().Err(err).Str("user_id", userID).Msg("reminder delivery failed")
			for _, sched := range batch {
				attempts, aerr := s.Store.BumpAttempts(ctx, sched.ReminderID)
				if aerr != nil {
					s.Log.Error().Err(aerr).Str("reminder_id", sched.ReminderID).Msg("attempt bump failed")
					continue
				}
				if attempts >= s.MaxAttempts {
					if ferr := s.Store.MarkFailed(ctx, sched.ReminderID); ferr != nil {
						s.Log.Error().Err(ferr).Str("reminder_id", sched.ReminderID).Msg("mark failed failed")
						continue
					}
					stats.Failed++
				} else {
					stats.Retried++
				}
			}
			continue
		}

		for _, sched := range batch {
			if err := s.Store.MarkSent(ctx, sched.ReminderID); err != nil {
				s.Log.Error().Err(err).Str("reminder_id", sched.ReminderID).Msg("mark sent failed")
				continue
			}
			stats.Sent++
			if s.PublishDue != nil {
				dueEvent := contracts.ReminderDue{
					ReminderID:    sched.ReminderID,
					TaskID:        sched.TaskID,
					TaskTitle:     sched.TaskTitle,
					UserID:        sched.UserID,
					DueDate:       sched.DueDate,
					ScheduledTime: sched.ScheduledTime,
					Channels:      sched.Channels,
				}
				if _, err := s.PublishDue(ctx, dueEvent, ""); err != nil {
					s.Log.Warn().Err(err).Str("reminder_id", sched.ReminderID).Msg("reminder.due publish failed")
				}
			}
		}
	}
	return stats, nil
}

// LogDeliverer simulates channel delivery with structured logs. Production
// would swap in email and push providers behind the same interface.
type LogDeliverer struct {
	Log zerolog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, prefs NotificationPreference, batch []Schedule) error {
	titles := make([]string, 0, len(batch))
	for _, sched := range batch {
		titles = append(titles, sched.TaskTitle)
	}

	for _, channel := range []string{"email", "push"} {
		if !prefs.ChannelEnabled(channel) {
			continue
		}
		d.Log.Info().
			Str("channel", channel).
			Str("user_id", prefs.UserID).
			Int("count", len(batch)).
			Str("tasks", strings.Join(titles, ", ")).
			Msg("reminder delivered")
	}
	return nil
}
