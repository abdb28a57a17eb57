package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carewire/referrald/internal/protocol"
	"github.com/carewire/referrald/internal/runtime"
	"github.com/carewire/referrald/internal/tasks"
)

// taskView is the REST representation of a task. History is trimmed to
// the requested length; counters and requirements travel whole.
type taskView struct {
	ID              string             `json:"id"`
	ContextID       string             `json:"context_id"`
	State           tasks.State        `json:"state"`
	Reason          string             `json:"reason,omitempty"`
	History         []tasks.Message    `json:"history"`
	Artifacts       []tasks.Artifact   `json:"artifacts,omitempty"`
	Counters        tasks.CounterSet   `json:"counters"`
	Requirements    tasks.Requirements `json:"requirements"`
	BoundProviderID string             `json:"bound_provider_id,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
}

func viewOf(t tasks.Task, historyLength int) taskView {
	history := t.History
	if historyLength >= 0 && historyLength < len(history) {
		history = history[len(history)-historyLength:]
	}
	if history == nil {
		history = []tasks.Message{}
	}
	return taskView{
		ID:              t.ID,
		ContextID:       t.ContextID,
		State:           t.State,
		Reason:          t.Reason,
		History:         history,
		Artifacts:       t.Artifacts,
		Counters:        t.Counters,
		Requirements:    t.Requirements,
		BoundProviderID: t.BoundProviderID,
		CreatedAt:       t.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:       t.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

type sendRequest struct {
	TaskID    string                `json:"task_id,omitempty"`
	ContextID string                `json:"context_id,omitempty"`
	Message   protocol.WireMessage  `json:"message"`
	Push      *protocol.WirePushCfg `json:"push,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.rejectTurn(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	msg, err := req.Message.ToTaskMessage()
	if err != nil {
		s.rejectTurn(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}

	taskID := strings.TrimSpace(req.TaskID)
	if req.Push != nil {
		// Register the webhook before the turn runs so its status updates
		// are delivered. For a brand-new task that means creating it first.
		if taskID == "" {
			created, err := s.service.CreateTask(req.ContextID)
			if err != nil {
				s.rejectTurn(w, http.StatusInternalServerError, "internal", err.Error())
				return
			}
			taskID = created.ID
		}
		if err := s.applyPushConfig(taskID, req.Push); err != nil {
			s.respondTaskError(w, err)
			return
		}
	}

	task, err := s.service.Send(r.Context(), runtime.SendRequest{
		TaskID:    taskID,
		ContextID: req.ContextID,
		Message:   msg,
	})
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(task, -1))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	historyLength := -1
	if raw := strings.TrimSpace(r.URL.Query().Get("historyLength")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_history_length", "historyLength must be a non-negative integer")
			return
		}
		historyLength = n
	}

	task, err := s.service.Get(id)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(task, historyLength))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.service.Cancel(id, tasks.ReasonCanceledByCaller)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(task, -1))
}

func (s *Server) handleSetPush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req protocol.WirePushCfg
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.applyPushConfig(id, &req); err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "url": req.URL})
}

func (s *Server) handleGetPush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.service.Manager().PushConfig(id)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	if cfg == nil {
		respondError(w, http.StatusNotFound, "push_config_not_found", "no push configuration for task")
		return
	}
	// The token never travels back out.
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id":     id,
		"url":         cfg.URL,
		"auth_scheme": cfg.AuthScheme,
		"has_token":   cfg.Token != "",
	})
}

func (s *Server) handleDeletePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.service.Manager().DeletePushConfig(id); err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "deleted": true})
}

func (s *Server) handleListPushConfigs(w http.ResponseWriter, _ *http.Request) {
	configs := s.service.Manager().PushConfigs()
	out := make([]map[string]any, 0, len(configs))
	for taskID, cfg := range configs {
		out = append(out, map[string]any{
			"task_id":     taskID,
			"url":         cfg.URL,
			"auth_scheme": cfg.AuthScheme,
			"has_token":   cfg.Token != "",
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"push_configs": out})
}

func (s *Server) handleListContextTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list := s.service.ListByContext(id, limit)
	views := make([]taskView, 0, len(list))
	for _, t := range list {
		views = append(views, viewOf(t, -1))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"context_id": id,
		"tasks":      views,
	})
}

func (s *Server) applyPushConfig(taskID string, cfg *protocol.WirePushCfg) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return errInvalidPushURL
	}
	if _, err := s.service.Manager().SetPushConfig(taskID, tasks.PushConfig{
		URL:        strings.TrimSpace(cfg.URL),
		Token:      cfg.Token,
		AuthScheme: cfg.AuthScheme,
	}); err != nil {
		return err
	}
	if s.dispatcher != nil {
		s.dispatcher.Watch(taskID)
	}
	return nil
}

var errInvalidPushURL = errors.New("push url is required")

// respondTaskError maps service errors to HTTP status and error codes.
func (s *Server) respondTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		s.rejectTurn(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tasks.ErrTaskTerminal):
		s.rejectTurn(w, http.StatusConflict, "task_terminal", err.Error())
	case errors.Is(err, tasks.ErrIllegalTransition):
		s.rejectTurn(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, runtime.ErrEmptyMessage):
		s.rejectTurn(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, errInvalidPushURL):
		s.rejectTurn(w, http.StatusBadRequest, "invalid_push_config", err.Error())
	default:
		s.rejectTurn(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) rejectTurn(w http.ResponseWriter, status int, code, message string) {
	if s.metrics != nil && status != http.StatusInternalServerError {
		s.metrics.TurnsRejected.WithLabelValues(code).Inc()
	}
	respondError(w, status, code, message)
}
