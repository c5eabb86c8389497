// Package httpapi exposes task submission and status lookup over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/emailtask"
)

// Engine is the part of *notifyflow.Engine the API needs.
type Engine interface {
	Submit(ctx context.Context, s notifyflow.Submission) (notifyflow.Task, error)
	Lookup(ctx context.Context, externalID string) (notifyflow.Task, error)
}

type App struct {
	Engine Engine
	// ErrorLog receives unexpected failures; may be nil.
	ErrorLog func(notifyflow.LogEvent)
}

// NewRouter mounts the API routes behind CORS and panic recovery.
func NewRouter(app *App, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	RegisterRoutes(r, app)
	return r
}

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)
	r.Post("/v1/notifications/email", app.submitEmail)
	r.Get("/v1/tasks/{externalId}", app.getTask)
}

type SubmitEmailRequest struct {
	ExternalID       string            `json:"externalId"`
	Priority         string            `json:"priority"`
	Recipient        string            `json:"recipient"`
	NotificationType string            `json:"notificationType"`
	Language         string            `json:"language"`
	Values           map[string]string `json:"values"`
}

type SubmitResponse struct {
	TaskID     string `json:"taskId"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
}

type TaskResponse struct {
	TaskID               string          `json:"taskId"`
	ExternalID           string          `json:"externalId"`
	Type                 string          `json:"type"`
	Status               string          `json:"status"`
	Priority             string          `json:"priority"`
	ExecutionCount       int             `json:"executionCount"`
	ExecutionScheduledAt *time.Time      `json:"executionScheduledAt,omitempty"`
	Message              *string         `json:"message,omitempty"`
	Context              json.RawMessage `json:"context"`
	CreatedAt            time.Time       `json:"createdAt"`
	ModifiedAt           time.Time       `json:"modifiedAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) submitEmail(w http.ResponseWriter, r *http.Request) {
	var req SubmitEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}

	var priority notifyflow.Priority
	if req.Priority != "" {
		p, ok := notifyflow.ParsePriority(strings.ToUpper(req.Priority))
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "must be LOW, MEDIUM or HIGH", Field: "priority"})
			return
		}
		priority = p
	}
	for _, f := range []struct{ name, value string }{
		{"recipient", req.Recipient},
		{"notificationType", req.NotificationType},
		{"language", req.Language},
	} {
		if strings.TrimSpace(f.value) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "is required", Field: f.name})
			return
		}
	}

	task, err := a.Engine.Submit(r.Context(), notifyflow.Submission{
		Type:       notifyflow.TaskSendEmail,
		ExternalID: req.ExternalID,
		Priority:   priority,
		Input: emailtask.Input{
			Recipient:        req.Recipient,
			NotificationType: req.NotificationType,
			Language:         req.Language,
			Values:           req.Values,
		},
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TaskID:     task.ID,
		ExternalID: task.ExternalID,
		Status:     string(task.Status),
	})
}

func (a *App) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.Engine.Lookup(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{
		TaskID:               task.ID,
		ExternalID:           task.ExternalID,
		Type:                 string(task.Type),
		Status:               string(task.Status),
		Priority:             task.Priority.String(),
		ExecutionCount:       task.ExecutionCount,
		ExecutionScheduledAt: task.ExecutionScheduledAt,
		Message:              task.Message,
		Context:              task.Context,
		CreatedAt:            task.CreatedAt,
		ModifiedAt:           task.ModifiedAt,
	})
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict *notifyflow.ConflictError
		notFound *notifyflow.NotFoundError
		invalid  *notifyflow.InvalidityError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: conflict.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notFound.Error()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: invalid.Reason, Field: invalid.Field})
	default:
		if a.ErrorLog != nil {
			msg := r.Method + " " + r.URL.Path + " failed"
			a.ErrorLog(notifyflow.LogEvent{Message: msg, Err: err})
		}
		status := http.StatusInternalServerError
		if notifyflow.IsTemporary(err) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
