// Package gateway accepts task mutation notifications from the CRUD
// collaborator and turns them into published events.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/contracts"
	"github.com/todostream/project/internal/platform/auth"
)

// EventPublisher is the slice of the publisher the gateway needs.
type EventPublisher interface {
	PublishTaskChange(ctx context.Context, eventType string, task contracts.TaskSnapshot, correlationID string) (string, error)
	PublishTaskDeletion(ctx context.Context, del contracts.TaskDeletion, correlationID string) (string, error)
}

// ChangeRequest is the notification body posted after a task mutation
// commits in the system of record.
type ChangeRequest struct {
	ChangeType string                 `json:"change_type"`
	Task       contracts.TaskSnapshot `json:"task"`
}

type ChangeResponse struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
}

type Server struct {
	Events EventPublisher
	Auth   auth.Manager
	Log    zerolog.Logger

	Now              func() time.Time
	NewCorrelationID func() string
}

func NewServer(events EventPublisher, authMgr auth.Manager, log zerolog.Logger) *Server {
	return &Server{
		Events:           events,
		Auth:             authMgr,
		Log:              log,
		Now:              func() time.Time { return time.Now().UTC() },
		NewCorrelationID: func() string { return nuid.Next() },
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/task-changes", s.handleTaskChange)
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if _, err := s.Auth.Parse(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTaskChange(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	eventType, ok := changeType(req.ChangeType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown change_type")
		return
	}
	if req.Task.TaskID == "" || req.Task.UserID == "" {
		writeError(w, http.StatusBadRequest, "task_id and user_id are required")
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = s.NewCorrelationID()
	}

	var (
		eventID string
		err     error
	)
	switch eventType {
	case contracts.TypeTaskDeleted:
		eventID, err = s.Events.PublishTaskDeletion(r.Context(),
			contracts.TaskDeletion{TaskID: req.Task.TaskID, UserID: req.Task.UserID}, correlationID)

	default:
		if req.Task.Recurrence != nil {
			if verr := req.Task.Recurrence.Validate(); verr != nil {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
		}
		if eventType == contracts.TypeTaskCompleted {
			req.Task.Completed = true
			if req.Task.CompletedAt == nil {
				now := s.Now()
				req.Task.CompletedAt = &now
			}
		}
		eventID, err = s.Events.PublishTaskChange(r.Context(), eventType, req.Task, correlationID)
	}
	if err != nil {
		s.Log.Error().Err(err).
			Str("correlation_id", correlationID).
			Str("task_id", req.Task.TaskID).
			Msg("event publication failed")
		writeError(w, http.StatusInternalServerError, "could not publish event")
		return
	}

	s.Log.Info().
		Str("event_id", eventID).
		Str("correlation_id", correlationID).
		Str("type", eventType).
		Str("task_id", req.Task.TaskID).
		Msg("task change accepted")
	writeJSON(w, http.StatusAccepted, ChangeResponse{EventID: eventID, CorrelationID: correlationID})
}

func changeType(change string) (string, bool) {
	switch change {
	case "created":
		return contracts.TypeTaskCreated, true
	case "updated":
		return contracts.TypeTaskUpdated, true
	case "deleted":
		return contracts.TypeTaskDeleted, true
	case "completed":
		return contracts.TypeTaskCompleted, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
