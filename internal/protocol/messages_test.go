package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/carewire/referrald/internal/tasks"
)

func TestParseClientSend(t *testing.T) {
	raw := []byte(`{"type":"client_send","task_id":"t-1","message":{"id":"m-1","parts":[{"kind":"text","text":"hello"}]}}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(ClientSend)
	if !ok {
		t.Fatalf("parsed type = %T, want ClientSend", parsed)
	}
	if msg.TaskID != "t-1" || len(msg.Message.Parts) != 1 || msg.Message.Parts[0].Text != "hello" {
		t.Fatalf("parsed = %+v", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"something_else"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientSendRequiresParts(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_send","message":{"parts":[]}}`)); err == nil {
		t.Fatalf("accepted client_send without parts")
	}
}

func TestWireMessageRejectsUnknownPartKind(t *testing.T) {
	wm := WireMessage{Parts: []WirePart{{Kind: "video", Text: "x"}}}
	if _, err := wm.ToTaskMessage(); err == nil {
		t.Fatalf("accepted unknown part kind")
	}
}

func TestEventFrames(t *testing.T) {
	now := time.Now().UTC()
	statusEvt := tasks.Event{
		Type: tasks.EventStatusUpdate, TaskID: "t-1", ContextID: "c-1",
		Seq: 3, State: tasks.StateCompleted, Final: true, At: now,
	}
	frame, ok := EventFrame(statusEvt).(TaskStatus)
	if !ok {
		t.Fatalf("status frame type = %T", EventFrame(statusEvt))
	}
	if frame.Type != TypeTaskStatus || frame.Seq != 3 || !frame.Final {
		t.Fatalf("status frame = %+v", frame)
	}

	msgEvt := tasks.Event{
		Type: tasks.EventMessage, TaskID: "t-1", Seq: 2, State: tasks.StateWorking,
		Message: &tasks.Message{ID: "m-1", Role: tasks.RoleAgent, Parts: []tasks.Part{{Kind: tasks.PartText, Text: "hi"}}},
	}
	msgFrame, ok := EventFrame(msgEvt).(TaskMessage)
	if !ok {
		t.Fatalf("message frame type = %T", EventFrame(msgEvt))
	}
	if msgFrame.Role != tasks.RoleAgent || msgFrame.Text != "hi" || msgFrame.MessageID != "m-1" {
		t.Fatalf("message frame = %+v", msgFrame)
	}

	artEvt := tasks.Event{
		Type: tasks.EventArtifact, TaskID: "t-1", Seq: 4,
		Artifact: &tasks.Artifact{ID: "a-1", Name: "referral-confirmation", Parts: []tasks.Part{{Kind: tasks.PartText, Text: "booked"}}},
	}
	artFrame, ok := EventFrame(artEvt).(TaskArtifact)
	if !ok {
		t.Fatalf("artifact frame type = %T", EventFrame(artEvt))
	}
	if artFrame.Name != "referral-confirmation" || artFrame.Text != "booked" {
		t.Fatalf("artifact frame = %+v", artFrame)
	}
}
