package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/referrald/internal/reliability"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already terminal")
)

const (
	subscriberBuffer  = 256
	persistAttempts   = 3
	persistTimeout    = 2 * time.Second
	persistBackoffMin = 100 * time.Millisecond
	persistBackoffMax = 1 * time.Second
)

// entry owns one task's canonical state, its ordered event log, and its
// live subscribers. entry.mu is the per-task exclusivity guarantee: every
// mutation and every event append for one task happens under it, so
// history and state changes are never interleaved. turnMu is the coarser
// ownership token a caller holds across a whole message-processing turn.
type entry struct {
	mu     sync.Mutex
	turnMu sync.Mutex

	task        Task
	events      []Event
	subscribers map[int]chan Event
	nextSubID   int
}

// Manager is the single authority over task state. Transitions commit
// atomically with their triggering message; no observer ever sees one
// without the other.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byCtx   map[string][]string
	store   Store
}

func NewManager(store Store) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		byCtx:   make(map[string][]string),
		store:   store,
	}
}

// Create registers a fresh task in the submitted state. Task id and
// context id are fixed for the life of the task.
func (m *Manager) Create(contextID string) (Task, error) {
	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		contextID = uuid.NewString()
	}
	now := time.Now().UTC()
	task := Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.saveSnapshot(task); err != nil {
		return Task{}, err
	}

	e := &entry{task: task, subscribers: make(map[int]chan Event)}
	m.mu.Lock()
	m.entries[task.ID] = e
	m.byCtx[contextID] = append(m.byCtx[contextID], task.ID)
	m.mu.Unlock()
	return task.Clone(), nil
}

// AcquireTurn takes the per-task ownership token for the duration of one
// message-processing turn. Operations on different tasks proceed in
// parallel; two turns on the same task are strictly serialized.
func (m *Manager) AcquireTurn(taskID string) (func(), error) {
	e, err := m.entry(taskID)
	if err != nil {
		return nil, err
	}
	e.turnMu.Lock()
	return e.turnMu.Unlock, nil
}

func (m *Manager) Get(taskID string) (Task, error) {
	e, err := m.entry(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (m *Manager) ListByContext(contextID string, limit int) []Task {
	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		return nil
	}

	m.mu.RLock()
	ids := append([]string(nil), m.byCtx[contextID]...)
	store := m.store
	m.mu.RUnlock()

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, err := m.Get(id); err == nil {
			out = append(out, t)
		}
	}

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		persisted, err := store.ListTasksByContext(ctx, contextID, limit)
		if err == nil {
			seen := make(map[string]bool, len(out))
			for _, t := range out {
				seen[t.ID] = true
			}
			for _, t := range persisted {
				if !seen[t.ID] {
					out = append(out, t)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// AppendUserMessage appends an inbound message and consumes one turn.
// Resubmitting a message id already in history is an idempotent replay:
// the current snapshot is returned with duplicate=true and nothing
// mutates. Terminal tasks reject the message outright.
func (m *Manager) AppendUserMessage(taskID string, msg Message) (task Task, duplicate bool, err error) {
	e, err := m.entry(taskID)
	if err != nil {
		return Task{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Terminal() {
		return Task{}, false, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, e.task.State)
	}
	for _, existing := range e.task.History {
		if existing.ID == msg.ID {
			return e.task.Clone(), true, nil
		}
	}

	next := e.task.Clone()
	msg.Role = RoleUser
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	next.History = append(next.History, msg)
	next.Counters.TotalTurns++
	next.UpdatedAt = msg.Timestamp
	if err := m.saveSnapshot(next); err != nil {
		return Task{}, false, err
	}

	e.task = next
	m.publishLocked(e, Event{
		Type:    EventMessage,
		State:   e.task.State,
		Message: &msg,
		At:      msg.Timestamp,
	})
	return e.task.Clone(), false, nil
}

// CommitTurn appends the agent reply and commits the state transition in
// one atomic step. The transition must be legal per the fixed table.
func (m *Manager) CommitTurn(taskID string, reply *Message, to State, reason string) (Task, error) {
	e, err := m.entry(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.commitLocked(e, reply, to, reason)
}

// CommitState commits a bare transition with no accompanying message,
// used for the submitted -> working move at the start of a turn.
func (m *Manager) CommitState(taskID string, to State, reason string) (Task, error) {
	return m.CommitTurn(taskID, nil, to, reason)
}

func (m *Manager) commitLocked(e *entry, reply *Message, to State, reason string) (Task, error) {
	if e.task.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, e.task.ID, e.task.State)
	}
	if err := CheckTransition(e.task.State, to); err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	next := e.task.Clone()
	if reply != nil {
		reply.Role = RoleAgent
		if reply.Timestamp.IsZero() {
			reply.Timestamp = now
		}
		next.History = append(next.History, *reply)
	}
	next.State = to
	next.Reason = reason
	next.UpdatedAt = now
	if err := m.saveSnapshot(next); err != nil {
		return Task{}, err
	}

	e.task = next
	if reply != nil {
		m.publishLocked(e, Event{
			Type:    EventMessage,
			State:   to,
			Message: reply,
			At:      now,
		})
	}
	m.publishLocked(e, Event{
		Type:   EventStatusUpdate,
		State:  to,
		Final:  e.task.Terminal(),
		Reason: reason,
		At:     now,
	})
	return e.task.Clone(), nil
}

// Cancel commits canceled on a live task. Cancel on a terminal task is a
// no-op returning the current state: no error, no event.
func (m *Manager) Cancel(taskID, reason string) (Task, error) {
	e, err := m.entry(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Terminal() {
		return e.task.Clone(), nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonCanceledByCaller
	}
	reply := &Message{
		ID:    uuid.NewString(),
		Parts: []Part{{Kind: PartText, Text: "This referral request was canceled before completion. You can start a new request at any time."}},
	}
	return m.commitLocked(e, reply, StateCanceled, reason)
}

// AddArtifact appends an artifact and emits its event.
func (m *Manager) AddArtifact(taskID string, artifact Artifact) (Task, error) {
	e, err := m.entry(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, e.task.State)
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	next := e.task.Clone()
	next.Artifacts = append(next.Artifacts, artifact)
	next.UpdatedAt = now
	if err := m.saveSnapshot(next); err != nil {
		return Task{}, err
	}
	e.task = next
	m.publishLocked(e, Event{
		Type:     EventArtifact,
		State:    e.task.State,
		Artifact: &artifact,
		At:       now,
	})
	return e.task.Clone(), nil
}

// UpdateProgress mutates counters, requirements, and the bound provider
// without emitting an event. Counter fields may only grow.
func (m *Manager) UpdateProgress(taskID string, fn func(*Task)) (Task, error) {
	e, err := m.entry(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, e.task.State)
	}
	next := e.task.Clone()
	fn(&next)
	next.ID = e.task.ID
	next.ContextID = e.task.ContextID
	next.State = e.task.State
	next.UpdatedAt = time.Now().UTC()
	if err := m.saveSnapshot(next); err != nil {
		return Task{}, err
	}
	e.task = next
	return e.task.Clone(), nil
}

func (m *Manager) SetPushConfig(taskID string, cfg PushConfig) (Task, error) {
	return m.UpdateProgress(taskID, func(t *Task) {
		c := cfg
		t.PushConfig = &c
	})
}

func (m *Manager) DeletePushConfig(taskID string) (Task, error) {
	return m.UpdateProgress(taskID, func(t *Task) {
		t.PushConfig = nil
	})
}

func (m *Manager) PushConfig(taskID string) (*PushConfig, error) {
	t, err := m.Get(taskID)
	if err != nil {
		return nil, err
	}
	return t.PushConfig, nil
}

// PushConfigs lists the active webhook configs keyed by task id.
func (m *Manager) PushConfigs() map[string]PushConfig {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]PushConfig)
	for _, id := range ids {
		if t, err := m.Get(id); err == nil && t.PushConfig != nil {
			out[id] = *t.PushConfig
		}
	}
	return out
}

// Subscribe attaches a live event channel replaying everything after
// afterSeq first, so resubscription resumes without gaps or duplicates.
// A subscriber that falls more than the channel buffer behind is closed
// rather than skipped past; it must resubscribe from its last sequence.
func (m *Manager) Subscribe(taskID string, afterSeq int) (<-chan Event, func(), error) {
	e, err := m.entry(taskID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, subscriberBuffer)
	e.mu.Lock()
	backlog := 0
	for _, evt := range e.events {
		if evt.Seq > afterSeq {
			backlog++
		}
	}
	if backlog > subscriberBuffer {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("resubscribe backlog %d exceeds buffer; fetch the task snapshot instead", backlog)
	}
	for _, evt := range e.events {
		if evt.Seq > afterSeq {
			ch <- evt
		}
	}
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(c)
		}
	}
	return ch, cancel, nil
}

// Events returns the committed event log after afterSeq.
func (m *Manager) Events(taskID string, afterSeq int) ([]Event, error) {
	e, err := m.entry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, 0, len(e.events))
	for _, evt := range e.events {
		if evt.Seq > afterSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (m *Manager) entry(taskID string) (*entry, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, ErrTaskNotFound
	}
	m.mu.RLock()
	e, ok := m.entries[taskID]
	store := m.store
	m.mu.RUnlock()
	if ok {
		return e, nil
	}
	if store == nil {
		return nil, ErrTaskNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	persisted, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[taskID]; ok {
		return e, nil
	}
	e = &entry{task: persisted, subscribers: make(map[int]chan Event)}
	m.entries[taskID] = e
	m.byCtx[persisted.ContextID] = append(m.byCtx[persisted.ContextID], taskID)
	return e, nil
}

// publishLocked assigns the next sequence number, appends to the log,
// and fans out. Caller holds entry.mu, so subscribers always observe
// events in sequence order.
func (m *Manager) publishLocked(e *entry, evt Event) {
	evt.TaskID = e.task.ID
	evt.ContextID = e.task.ContextID
	evt.Seq = len(e.events) + 1
	e.events = append(e.events, evt)

	for id, ch := range e.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow consumer: closing forces a resubscribe from the last
			// delivered sequence instead of silently dropping events.
			delete(e.subscribers, id)
			close(ch)
		}
	}
}

// saveSnapshot writes through to the durable store with bounded retries
// before the in-memory commit, so a failed persist never leaves a
// half-applied turn behind.
func (m *Manager) saveSnapshot(task Task) error {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		lastErr = store.SaveTask(ctx, task)
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(reliability.ExponentialBackoff(attempt, persistBackoffMin, persistBackoffMax))
	}
	log.Printf("task %s: persist failed after %d attempts: %v", task.ID, persistAttempts, lastErr)
	return fmt.Errorf("persist task: %w", lastErr)
}
