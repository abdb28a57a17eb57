package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/carewire/referrald/internal/config"
	"github.com/carewire/referrald/internal/observability"
	"github.com/carewire/referrald/internal/push"
	"github.com/carewire/referrald/internal/runtime"
)

// ReadinessChecker verifies the provider registry answers before the
// service reports ready.
type ReadinessChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	cfg        config.Config
	service    *runtime.Service
	dispatcher *push.Dispatcher
	readiness  ReadinessChecker
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, service *runtime.Service, dispatcher *push.Dispatcher, readiness ReadinessChecker, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		service:    service,
		dispatcher: dispatcher,
		readiness:  readiness,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/message/send", s.handleSend)
	r.Get("/v1/message/stream", s.handleStreamWS)

	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/tasks/{id}/resubscribe", s.handleResubscribeWS)

	r.Put("/v1/tasks/{id}/push-config", s.handleSetPush)
	r.Get("/v1/tasks/{id}/push-config", s.handleGetPush)
	r.Delete("/v1/tasks/{id}/push-config", s.handleDeletePush)
	r.Get("/v1/push-configs", s.handleListPushConfigs)

	r.Get("/v1/contexts/{id}/tasks", s.handleListContextTasks)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"streaming_enabled": s.cfg.StreamingEnabled,
		"store_mode":        s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.readiness.HealthCheck(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "registry_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
