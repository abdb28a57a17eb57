package generate

import (
	"context"
	"sync"
)

// MockGenerator returns scripted replies in order, then repeats the last
// one. Used by tests and by local runs without an LLM endpoint.
type MockGenerator struct {
	mu      sync.Mutex
	replies []Reply
	errs    []error
	calls   int
	// LastRequest captures the most recent request for assertions.
	LastRequest Request
}

func NewMockGenerator(replies ...Reply) *MockGenerator {
	return &MockGenerator{replies: replies}
}

// FailWith queues an error to be returned before any scripted replies.
func (m *MockGenerator) FailWith(errs ...error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

func (m *MockGenerator) Generate(_ context.Context, req Request) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRequest = req
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return Reply{}, err
	}
	idx := m.calls
	m.calls++
	if len(m.replies) == 0 {
		return Reply{Text: "Could you tell me more about the referral? [NEED_MORE_INFO]"}, nil
	}
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return m.replies[idx], nil
}

func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
