package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/carewire/referrald/internal/tasks"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []Payload
	auth     []string
	failures int
}

func (s *webhookSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.payloads = append(s.payloads, p)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *webhookSink) received() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func runTurn(t *testing.T, m *tasks.Manager, taskID string, to tasks.State) {
	t.Helper()
	reply := tasks.Message{ID: "r-" + string(to), Parts: []tasks.Part{{Kind: tasks.PartText, Text: "update"}}}
	if _, err := m.CommitTurn(taskID, &reply, to, ""); err != nil {
		t.Fatalf("CommitTurn(%s) error = %v", to, err)
	}
}

func TestDispatcherDeliversStatusUpdates(t *testing.T) {
	sink := &webhookSink{}
	ts := httptest.NewServer(sink.handler())
	defer ts.Close()

	m := tasks.NewManager(nil)
	task, _ := m.Create("")
	if _, err := m.SetPushConfig(task.ID, tasks.PushConfig{URL: ts.URL, Token: "secret"}); err != nil {
		t.Fatalf("SetPushConfig() error = %v", err)
	}

	d := NewDispatcher(Config{MaxRetries: 1, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond, SendTimeout: time.Second}, m, nil)
	defer d.Close()
	d.Watch(task.ID)

	if _, err := m.CommitState(task.ID, tasks.StateWorking, ""); err != nil {
		t.Fatalf("CommitState() error = %v", err)
	}
	runTurn(t, m, task.ID, tasks.StateCompleted)

	waitFor(t, 3*time.Second, func() bool { return len(sink.received()) >= 2 })

	got := sink.received()
	if got[0].State != tasks.StateWorking || got[0].Final {
		t.Fatalf("first payload = %+v", got[0])
	}
	last := got[len(got)-1]
	if last.State != tasks.StateCompleted || !last.Final {
		t.Fatalf("last payload = %+v", last)
	}
	if last.TaskID != task.ID || last.Sequence == 0 {
		t.Fatalf("payload identity = %+v", last)
	}

	sink.mu.Lock()
	auth := sink.auth[0]
	sink.mu.Unlock()
	if auth != "Bearer secret" {
		t.Fatalf("Authorization = %q, want %q", auth, "Bearer secret")
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	sink := &webhookSink{failures: 2}
	ts := httptest.NewServer(sink.handler())
	defer ts.Close()

	m := tasks.NewManager(nil)
	task, _ := m.Create("")
	_, _ = m.SetPushConfig(task.ID, tasks.PushConfig{URL: ts.URL})

	d := NewDispatcher(Config{MaxRetries: 3, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond, SendTimeout: time.Second}, m, nil)
	defer d.Close()
	d.Watch(task.ID)

	if _, err := m.CommitState(task.ID, tasks.StateWorking, ""); err != nil {
		t.Fatalf("CommitState() error = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(sink.received()) >= 1 })
	if got := sink.received()[0]; got.State != tasks.StateWorking {
		t.Fatalf("payload = %+v", got)
	}
}

func TestDispatcherSkipsTasksWithoutConfig(t *testing.T) {
	sink := &webhookSink{}
	ts := httptest.NewServer(sink.handler())
	defer ts.Close()

	m := tasks.NewManager(nil)
	task, _ := m.Create("")

	d := NewDispatcher(Config{MaxRetries: 0, SendTimeout: time.Second}, m, nil)
	defer d.Close()
	d.Watch(task.ID)

	if _, err := m.CommitState(task.ID, tasks.StateWorking, ""); err != nil {
		t.Fatalf("CommitState() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(sink.received()); got != 0 {
		t.Fatalf("deliveries = %d, want 0", got)
	}
}
