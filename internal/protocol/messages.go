package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/carewire/referrald/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSend   MessageType = "client_send"
	TypeTaskStatus   MessageType = "task_status"
	TypeTaskMessage  MessageType = "task_message"
	TypeTaskArtifact MessageType = "task_artifact"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSend is the inbound streaming request: one user message aimed
// at a new or existing task.
type ClientSend struct {
	Type      MessageType  `json:"type"`
	TaskID    string       `json:"task_id,omitempty"`
	ContextID string       `json:"context_id,omitempty"`
	Message   WireMessage  `json:"message"`
	Push      *WirePushCfg `json:"push,omitempty"`
}

type WireMessage struct {
	ID    string     `json:"id,omitempty"`
	Parts []WirePart `json:"parts"`
}

type WirePart struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	FileURI string `json:"file_uri,omitempty"`
}

type WirePushCfg struct {
	URL        string `json:"url"`
	Token      string `json:"token,omitempty"`
	AuthScheme string `json:"auth_scheme,omitempty"`
}

// TaskStatus mirrors a status-update event on the wire.
type TaskStatus struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	ContextID string      `json:"context_id"`
	Seq       int         `json:"seq"`
	State     tasks.State `json:"state"`
	Final     bool        `json:"final"`
	Reason    string      `json:"reason,omitempty"`
}

type TaskMessage struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	ContextID string      `json:"context_id"`
	Seq       int         `json:"seq"`
	State     tasks.State `json:"state"`
	Role      tasks.Role  `json:"role"`
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
}

type TaskArtifact struct {
	Type       MessageType `json:"type"`
	TaskID     string      `json:"task_id"`
	ContextID  string      `json:"context_id"`
	Seq        int         `json:"seq"`
	ArtifactID string      `json:"artifact_id"`
	Name       string      `json:"name"`
	Text       string      `json:"text"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSend:
		var msg ClientSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Message.Parts) == 0 {
			return nil, errors.New("invalid client_send: message has no parts")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ToTaskMessage converts the wire message into the internal form.
// Unknown part kinds are rejected rather than passed through.
func (m WireMessage) ToTaskMessage() (tasks.Message, error) {
	out := tasks.Message{ID: strings.TrimSpace(m.ID)}
	for _, p := range m.Parts {
		switch tasks.PartKind(p.Kind) {
		case tasks.PartText:
			out.Parts = append(out.Parts, tasks.Part{Kind: tasks.PartText, Text: p.Text})
		case tasks.PartFile:
			out.Parts = append(out.Parts, tasks.Part{Kind: tasks.PartFile, FileURI: p.FileURI})
		default:
			return tasks.Message{}, fmt.Errorf("unsupported part kind %q", p.Kind)
		}
	}
	return out, nil
}

// EventFrame renders a task event as its wire variant.
func EventFrame(evt tasks.Event) any {
	switch evt.Type {
	case tasks.EventMessage:
		frame := TaskMessage{
			Type:      TypeTaskMessage,
			TaskID:    evt.TaskID,
			ContextID: evt.ContextID,
			Seq:       evt.Seq,
			State:     evt.State,
		}
		if evt.Message != nil {
			frame.Role = evt.Message.Role
			frame.MessageID = evt.Message.ID
			frame.Text = evt.Message.Text()
		}
		return frame
	case tasks.EventArtifact:
		frame := TaskArtifact{
			Type:      TypeTaskArtifact,
			TaskID:    evt.TaskID,
			ContextID: evt.ContextID,
			Seq:       evt.Seq,
		}
		if evt.Artifact != nil {
			frame.ArtifactID = evt.Artifact.ID
			frame.Name = evt.Artifact.Name
			for _, p := range evt.Artifact.Parts {
				if p.Kind == tasks.PartText {
					frame.Text += p.Text
				}
			}
		}
		return frame
	default:
		return TaskStatus{
			Type:      TypeTaskStatus,
			TaskID:    evt.TaskID,
			ContextID: evt.ContextID,
			Seq:       evt.Seq,
			State:     evt.State,
			Final:     evt.Final,
			Reason:    evt.Reason,
		}
	}
}
