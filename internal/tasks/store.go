package tasks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable persistence contract. Implementations must write
// each task snapshot atomically: a saved task never shows a state commit
// without its triggering history append, or vice versa.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByContext(ctx context.Context, contextID string, limit int) ([]Task, error)
	Close() error
}

// NewStore selects the persistence backend. An empty databaseURL returns
// a nil Store, leaving the manager memory-only.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// MemoryStore keeps task snapshots in process memory. Used by tests and
// as the fallback when no DATABASE_URL is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasksByContext(_ context.Context, contextID string, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, 8)
	for _, t := range s.tasks {
		if t.ContextID == contextID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
