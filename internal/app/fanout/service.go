package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/app/ledger"
	"github.com/todostream/project/internal/contracts"
	"github.com/todostream/project/internal/platform/metrics"
)

const ConsumerID = "fanout-service"

// Service turns task-updates events into pushes for the instance's live
// connections. Its side effects are instance-local, so the in-memory ledger
// is enough to keep redeliveries from bumping sequence numbers twice.
type Service struct {
	Ledger   ledger.Ledger
	Registry *Registry
	Buffer   *ReplayBuffer
	Log      zerolog.Logger
	Metrics  *metrics.Registry
}

func NewService(l ledger.Ledger, reg *Registry, buf *ReplayBuffer, log zerolog.Logger) *Service {
	return &Service{Ledger: l, Registry: reg, Buffer: buf, Log: log}
}

// HandleEvent processes one raw event from the task-updates topic. Malformed
// payloads surface the contracts sentinels for dead-lettering.
func (s *Service) HandleEvent(ctx context.Context, payload []byte) (ledger.Outcome, error) {
	var env contracts.TaskChangeEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return ledger.OutcomeSkipped, fmt.Errorf("%w: %s", contracts.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return ledger.OutcomeSkipped, err
	}
	userID, err := env.PartitionKey()
	if err != nil {
		return ledger.OutcomeSkipped, err
	}
	taskID, err := s.taskID(env)
	if err != nil {
		return ledger.OutcomeSkipped, err
	}

	outcome, err := s.Ledger.ProcessOnce(ctx, env.EventID, ConsumerID, func(pgx.Tx) error {
		// Sequence assignment lives inside the gated effect so a redelivered
		// event can never claim a second number.
		msg := s.Buffer.Append(userID, ServerMessage{
			Type:   MsgUpdate,
			TaskID: taskID,
			Change: env.Type,
			Data:   env.Data,
		})
		s.push(userID, msg, env)
		return nil
	})
	if err != nil {
		return outcome, err
	}
	if outcome == ledger.OutcomeSkipped {
		s.Log.Debug().
			Str("event_id", env.EventID).
			Str("correlation_id", env.CorrelationID).
			Msg("event already processed, skipping")
	}
	return outcome, nil
}

func (s *Service) push(userID string, msg ServerMessage, env contracts.TaskChangeEvent) {
	for _, conn := range s.Registry.ForUser(userID) {
		if !conn.Subscribed() || !conn.HasScope(ScopeOwnTasks) {
			continue
		}
		if conn.TrySend(msg) {
			if s.Metrics != nil {
				s.Metrics.MessagesSent.Inc()
			}
			continue
		}
		// A full queue means the client stopped reading. The event is
		// already durably processed; only this connection is sacrificed.
		if s.Metrics != nil {
			s.Metrics.MessagesDropped.Inc()
		}
		s.Log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", userID).
			Str("event_id", env.EventID).
			Msg("send queue full, tearing connection down")
		conn.Close()
		s.Registry.Remove(conn.ID)
	}
}

func (s *Service) taskID(env contracts.TaskChangeEvent) (string, error) {
	switch env.Type {
	case contracts.TypeTaskDeleted:
		del, err := env.DeletionData()
		if err != nil {
			return "", err
		}
		return del.TaskID, nil
	case contracts.TypeReminderDue:
		due, err := env.ReminderData()
		if err != nil {
			return "", err
		}
		return due.TaskID, nil
	default:
		snap, err := env.TaskData()
		if err != nil {
			return "", err
		}
		return snap.TaskID, nil
	}
}

// Resubscribe applies a subscribe request: scopes are normalized, replay is
// attempted from the client's cursor, and the reply frames are queued on the
// connection in order (ack, then missed updates or a resync instruction).
func (s *Service) Resubscribe(conn *Conn, req ClientMessage) {
	scopes := NormalizeScopes(req.Scopes)
	conn.Subscribe(scopes)
	conn.TrySend(ServerMessage{Type: MsgSubscriptionAck, Scopes: scopes})

	if req.LastSeenSequence == 0 {
		return
	}
	missed, ok := s.Buffer.Since(conn.UserID, req.LastSeenSequence)
	if !ok {
		s.Log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Uint64("last_seen", req.LastSeenSequence).
			Msg("catch-up gap exceeds retention, instructing resync")
		conn.TrySend(ServerMessage{Type: MsgResync, Reason: "sequence outside retention window"})
		return
	}
	for _, msg := range missed {
		if !conn.TrySend(msg) {
			conn.Close()
			s.Registry.Remove(conn.ID)
			return
		}
	}
}
