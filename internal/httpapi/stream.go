package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/carewire/referrald/internal/protocol"
	"github.com/carewire/referrald/internal/reliability"
	"github.com/carewire/referrald/internal/runtime"
	"github.com/carewire/referrald/internal/tasks"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleStreamWS accepts one client_send over a websocket and streams
// the turn's events back in sequence order. The stream ends when the
// turn pauses for more input or the task reaches a terminal state; the
// client resubscribes or opens a new stream for the next message.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.StreamingEnabled {
		respondError(w, http.StatusNotImplemented, "streaming_disabled", "streaming is disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		writeFrame(conn, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error(),
		})
		return
	}
	req, ok := parsed.(protocol.ClientSend)
	if !ok {
		writeFrame(conn, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: "expected client_send",
		})
		return
	}
	msg, err := req.Message.ToTaskMessage()
	if err != nil {
		writeFrame(conn, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, Code: "invalid_message", Detail: err.Error(),
		})
		return
	}

	taskID := strings.TrimSpace(req.TaskID)
	afterSeq := 0
	if taskID == "" {
		created, err := s.service.CreateTask(req.ContextID)
		if err != nil {
			writeFrame(conn, protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, Code: "internal", Detail: err.Error(),
			})
			return
		}
		taskID = created.ID
	} else {
		task, err := s.service.Get(taskID)
		if err != nil {
			writeFrame(conn, protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, TaskID: taskID, Code: "task_not_found", Detail: err.Error(),
			})
			return
		}
		if task.Terminal() {
			writeFrame(conn, protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, TaskID: taskID, Code: "task_terminal",
				Detail: "task is " + string(task.State),
			})
			return
		}
		// Stream only this turn's events, not the whole history.
		if events, err := s.service.Manager().Events(taskID, 0); err == nil && len(events) > 0 {
			afterSeq = events[len(events)-1].Seq
		}
	}

	if req.Push != nil {
		if err := s.applyPushConfig(taskID, req.Push); err != nil {
			writeFrame(conn, protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, TaskID: taskID, Code: "invalid_push_config", Detail: err.Error(),
			})
			return
		}
	}

	events, cancelSub, err := s.service.Manager().Subscribe(taskID, afterSeq)
	if err != nil {
		writeFrame(conn, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, TaskID: taskID, Code: "subscribe_failed", Detail: err.Error(),
		})
		return
	}
	defer cancelSub()
	s.trackSubscriber(1)
	defer s.trackSubscriber(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchConn(conn, cancel)

	errCh := make(chan error, 1)
	go func() {
		_, sendErr := s.service.Send(ctx, runtime.SendRequest{
			TaskID:    taskID,
			ContextID: req.ContextID,
			Message:   msg,
		})
		errCh <- sendErr
	}()

	s.streamEvents(ctx, conn, taskID, events, errCh, true)
}

// handleResubscribeWS resumes a task's event stream after a dropped
// connection. The after query parameter is the last sequence number the
// client saw; replay starts just past it.
func (s *Server) handleResubscribeWS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.StreamingEnabled {
		respondError(w, http.StatusNotImplemented, "streaming_disabled", "streaming is disabled")
		return
	}
	taskID := chi.URLParam(r, "id")
	afterSeq := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_after", "after must be a non-negative integer")
			return
		}
		afterSeq = n
	}

	if _, err := s.service.Get(taskID); err != nil {
		s.respondTaskError(w, err)
		return
	}
	events, cancelSub, err := s.service.Manager().Subscribe(taskID, afterSeq)
	if err != nil {
		respondError(w, http.StatusConflict, "backlog_too_large", err.Error())
		return
	}
	defer cancelSub()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.trackSubscriber(1)
	defer s.trackSubscriber(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchConn(conn, cancel)

	s.streamEvents(ctx, conn, taskID, events, nil, false)
}

// streamEvents is the single writer for one websocket. pauseEnds makes
// an input-required status update terminate the stream (the send flow);
// resubscription streams keep following across pauses until terminal.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, taskID string, events <-chan tasks.Event, errCh <-chan error, pauseEnds bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				writeFrame(conn, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, TaskID: taskID,
					Code: errorCodeOf(err), Retryable: reliability.IsTransient(err),
					Detail: err.Error(),
				})
				return
			}
			// The turn committed; remaining events are already queued.
			errCh = nil
		case evt, ok := <-events:
			if !ok {
				// Closed as a lagging consumer; the client must resubscribe
				// from its last sequence.
				writeFrame(conn, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, TaskID: taskID, Code: "stream_lagged",
					Retryable: true, Detail: "stream fell behind; resubscribe from the last received seq",
				})
				return
			}
			if !writeFrame(conn, protocol.EventFrame(evt)) {
				return
			}
			if evt.Type == tasks.EventStatusUpdate {
				if evt.Final {
					return
				}
				if pauseEnds && evt.State == tasks.StateInputRequired {
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame) == nil
}

// watchConn drains inbound frames so pings are answered and a client
// disconnect cancels the stream promptly.
func watchConn(conn *websocket.Conn, cancel context.CancelFunc) {
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
	}
}

func (s *Server) trackSubscriber(delta float64) {
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Add(delta)
	}
}

func errorCodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tasks.ErrTaskTerminal):
		return "task_terminal"
	case errors.Is(err, runtime.ErrEmptyMessage):
		return "invalid_message"
	default:
		return "turn_failed"
	}
}
