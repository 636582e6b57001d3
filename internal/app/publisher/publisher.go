// Package publisher builds versioned event envelopes and hands them to the
// broker. A publish failure never blocks or fails the caller: the event is
// parked in a bounded retry queue and drained in the background.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/broker"
	"github.com/todostream/project/internal/contracts"
	"github.com/todostream/project/internal/platform/metrics"
)

const (
	DefaultMaxRetries    = 8
	DefaultBaseDelay     = 200 * time.Millisecond
	DefaultMaxDelay      = 30 * time.Second
	DefaultQueueLimit    = 10_000
	DefaultDrainInterval = time.Second
)

type Config struct {
	// Source identifies the producing service in event envelopes.
	Source        string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	QueueLimit    int
	DrainInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
}

type pendingPublish struct {
	topic       string
	key         string
	payload     []byte
	eventID     string
	attempts    int
	nextAttempt time.Time
}

type Service struct {
	Broker  broker.Broker
	Log     zerolog.Logger
	Metrics *metrics.Registry

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string

	cfg Config

	mu    sync.Mutex
	queue []pendingPublish
}

func New(b broker.Broker, log zerolog.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		Broker: b,
		Log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
		cfg:    cfg,
	}
}

// PublishTaskChange emits a task lifecycle event to both the durable consumer
// topic and the real-time fan-out topic. It returns the assigned event ID.
func (s *Service) PublishTaskChange(ctx context.Context, eventType string, task contracts.TaskSnapshot, correlationID string) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task snapshot: %w", err)
	}
	return s.publishEnvelope(ctx, eventType, task.UserID, task.TaskID, data, correlationID,
		contracts.TopicTaskEvents, contracts.TopicTaskUpdates)
}

// PublishTaskDeletion emits task.deleted with the slim deletion payload.
func (s *Service) PublishTaskDeletion(ctx context.Context, del contracts.TaskDeletion, correlationID string) (string, error) {
	data, err := json.Marshal(del)
	if err != nil {
		return "", fmt.Errorf("marshal task deletion: %w", err)
	}
	return s.publishEnvelope(ctx, contracts.TypeTaskDeleted, del.UserID, del.TaskID, data, correlationID,
		contracts.TopicTaskEvents, contracts.TopicTaskUpdates)
}

// PublishReminder emits reminder.due to the fan-out topic so connected
// clients see the notification, and to the reminders topic consumed by
// downstream notification collaborators.
func (s *Service) PublishReminder(ctx context.Context, due contracts.ReminderDue, correlationID string) (string, error) {
	data, err := json.Marshal(due)
	if err != nil {
		return "", fmt.Errorf("marshal reminder: %w", err)
	}
	return s.publishEnvelope(ctx, contracts.TypeReminderDue, due.UserID, due.TaskID, data, correlationID,
		contracts.TopicTaskUpdates, contracts.TopicReminders)
}

// publishEnvelope wraps the payload in a versioned envelope and publishes it
// to every topic, partitioned by user. The subject names the affected task.
func (s *Service) publishEnvelope(ctx context.Context, eventType, userID, taskID string, data []byte, correlationID string, topics ...string) (string, error) {
	if correlationID == "" {
		correlationID = s.NewID()
	}
	env := contracts.TaskChangeEvent{
		SpecVersion:   contracts.SpecVersion,
		EventID:       s.NewID(),
		Source:        s.cfg.Source,
		Type:          eventType,
		Subject:       "tasks/" + taskID,
		Time:          s.Now(),
		CorrelationID: correlationID,
		Data:          data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	for _, topic := range topics {
		if err := s.Broker.Publish(ctx, topic, userID, payload); err == nil {
			if s.Metrics != nil {
				s.Metrics.EventsPublished.WithLabelValues(topic).Inc()
			}
		} else {
			if s.Metrics != nil {
				s.Metrics.PublishFailures.Inc()
			}
			s.Log.Warn().Err(err).
				Str("event_id", env.EventID).
				Str("topic", topic).
				Msg("publish failed, parked in retry queue")
			s.park(pendingPublish{
				topic:       topic,
				key:         userID,
				payload:     payload,
				eventID:     env.EventID,
				attempts:    1,
				nextAttempt: s.Now().Add(s.cfg.BaseDelay),
			})
		}
	}
	return env.EventID, nil
}

func (s *Service) park(p pendingPublish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cfg.QueueLimit {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.Log.Error().
			Str("event_id", dropped.eventID).
			Str("topic", dropped.topic).
			Msg("retry queue full, oldest event lost")
	}
	s.queue = append(s.queue, p)
}

// QueueDepth reports how many events are waiting for a retry.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// DrainLoop retries parked events until ctx is cancelled.
func (s *Service) DrainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DrainOnce(ctx)
		}
	}
}

// DrainOnce retries every parked event whose backoff has elapsed. Events
// that fail again are re-parked with a doubled delay; events that exhaust
// their attempts are dropped with a durability warning.
func (s *Service) DrainOnce(ctx context.Context) {
	now := s.Now()

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, p := range pending {
		if now.Before(p.nextAttempt) {
			s.park(p)
			continue
		}
		if err := s.Broker.Publish(ctx, p.topic, p.key, p.payload); err == nil {
			if s.Metrics != nil {
				s.Metrics.EventsPublished.WithLabelValues(p.topic).Inc()
			}
			s.Log.Info().
				Str("event_id", p.eventID).
				Str("topic", p.topic).
				Int("attempts", p.attempts+1).
				Msg("parked event published")
			continue
		}
		p.attempts++
		if p.attempts > s.cfg.MaxRetries {
			s.Log.Error().
				Str("event_id", p.eventID).
				Str("topic", p.topic).
				Int("attempts", p.attempts).
				Msg("event lost after exhausting publish retries")
			continue
		}
		p.nextAttempt = now.Add(backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, p.attempts))
		s.park(p)
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
