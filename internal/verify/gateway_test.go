package verify

import (
	"context"
	"errors"
	"testing"
)

// fakeRegistry scripts Search results in order, repeating the last one.
type fakeRegistry struct {
	results []searchResult
	calls   int
}

type searchResult struct {
	count      int
	candidates []Candidate
	err        error
}

func (f *fakeRegistry) Search(_ context.Context, _ Query, _ int) (int, []Candidate, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	return r.count, r.candidates, r.err
}

func drSarah() Candidate {
	return Candidate{NPI: "1234567890", Name: "Sarah Chen", Credentials: "MD", Active: true, City: "New York", State: "NY"}
}

func TestVerifySingleMatchBinds(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{count: 1, candidates: []Candidate{drSarah()}}}}
	g := NewGateway(reg, 3, 3, nil)

	out := g.Verify(context.Background(), "task-1", Query{FirstName: "Sarah", LastName: "Chen"})
	if out.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", out.Status, StatusSuccess)
	}
	if out.Bound == nil || out.Bound.NPI != "1234567890" {
		t.Fatalf("Bound = %+v, want NPI 1234567890", out.Bound)
	}
	if out.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", out.Attempt)
	}
}

func TestVerifyResolvedAnswersFromLedger(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{count: 1, candidates: []Candidate{drSarah()}}}}
	g := NewGateway(reg, 3, 3, nil)
	q := Query{FirstName: "Sarah", LastName: "Chen"}

	_ = g.Verify(context.Background(), "task-1", q)
	out := g.Verify(context.Background(), "task-1", q)
	if out.Status != StatusSuccess || out.Bound == nil {
		t.Fatalf("repeat verify = %+v", out)
	}
	if reg.calls != 1 {
		t.Fatalf("registry calls = %d, want 1 (resolved subject must not re-query)", reg.calls)
	}
	if got := len(g.Attempts("task-1", q)); got != 1 {
		t.Fatalf("ledger entries = %d, want 1", got)
	}
}

func TestVerifyNotFound(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{count: 0}}}
	g := NewGateway(reg, 3, 3, nil)

	out := g.Verify(context.Background(), "task-1", Query{FirstName: "No", LastName: "Body"})
	if out.Status != StatusNotFound {
		t.Fatalf("status = %q, want %q", out.Status, StatusNotFound)
	}
	if out.Guidance == "" {
		t.Fatalf("missing guidance for not_found")
	}
}

func TestVerifyTooManyAsksForNarrowing(t *testing.T) {
	many := []Candidate{drSarah(), drSarah(), drSarah(), drSarah()}
	reg := &fakeRegistry{results: []searchResult{{count: 12, candidates: many}}}
	g := NewGateway(reg, 3, 3, nil)

	out := g.Verify(context.Background(), "task-1", Query{FirstName: "Sarah", LastName: "Chen"})
	if out.Status != StatusTooMany {
		t.Fatalf("status = %q, want %q", out.Status, StatusTooMany)
	}
	if out.Guidance == "" {
		t.Fatalf("missing narrowing guidance")
	}
}

func TestVerifyNPIPinsPastFanOut(t *testing.T) {
	many := []Candidate{{NPI: "1111111111"}, {NPI: "2222222222"}, drSarah(), {NPI: "3333333333"}}
	reg := &fakeRegistry{results: []searchResult{{count: 12, candidates: many}}}
	g := NewGateway(reg, 3, 3, nil)

	out := g.Verify(context.Background(), "task-1", Query{FirstName: "Sarah", LastName: "Chen", NPI: "1234567890"})
	if out.Status != StatusSuccess || out.Bound == nil || out.Bound.NPI != "1234567890" {
		t.Fatalf("out = %+v, want pinned success", out)
	}
}

func TestVerifyNPIMismatch(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{count: 2, candidates: []Candidate{drSarah(), {NPI: "9999999999"}}}}}
	g := NewGateway(reg, 3, 3, nil)

	out := g.Verify(context.Background(), "task-1", Query{FirstName: "Sarah", LastName: "Chen", NPI: "0000000000"})
	if out.Status != StatusNPIMismatch {
		t.Fatalf("status = %q, want %q", out.Status, StatusNPIMismatch)
	}
}

func TestVerifyRetriesOnceOnError(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{
		{err: errors.New("connection reset")},
		{count: 1, candidates: []Candidate{drSarah()}},
	}}
	g := NewGateway(reg, 3, 3, nil)

	out := g.Verify(context.Background(), "task-1", Query{FirstName: "Sarah", LastName: "Chen"})
	if out.Status != StatusSuccess {
		t.Fatalf("status = %q, want success after automatic retry", out.Status)
	}
	if reg.calls != 2 {
		t.Fatalf("registry calls = %d, want 2", reg.calls)
	}
	if out.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1 (retry must not consume an attempt)", out.Attempt)
	}
}

func TestVerifyDoubleFailureCountsOneAttempt(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{err: errors.New("boom")}}}
	g := NewGateway(reg, 3, 3, nil)
	q := Query{FirstName: "Sarah", LastName: "Chen"}

	out := g.Verify(context.Background(), "task-1", q)
	if out.Status != StatusError {
		t.Fatalf("status = %q, want %q", out.Status, StatusError)
	}
	if reg.calls != 2 {
		t.Fatalf("registry calls = %d, want 2 (one retry)", reg.calls)
	}
	if got := len(g.Attempts("task-1", q)); got != 1 {
		t.Fatalf("ledger entries = %d, want 1", got)
	}
}

func TestVerifyExhaustsAfterMaxAttempts(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{count: 0}}}
	g := NewGateway(reg, 2, 3, nil)
	q := Query{FirstName: "No", LastName: "Body"}

	for i := 1; i <= 2; i++ {
		out := g.Verify(context.Background(), "task-1", q)
		if out.Status != StatusNotFound {
			t.Fatalf("attempt %d status = %q", i, out.Status)
		}
		if out.Attempt != i {
			t.Fatalf("attempt number = %d, want %d", out.Attempt, i)
		}
	}
	if !g.Exhausted("task-1", q) {
		t.Fatalf("Exhausted() = false after max attempts")
	}

	callsBefore := reg.calls
	out := g.Verify(context.Background(), "task-1", q)
	if out.Status != StatusExhausted {
		t.Fatalf("status = %q, want %q", out.Status, StatusExhausted)
	}
	if reg.calls != callsBefore {
		t.Fatalf("exhausted verify still hit the registry")
	}
}

func TestVerifySubjectsAreIndependentPerTask(t *testing.T) {
	reg := &fakeRegistry{results: []searchResult{{count: 0}}}
	g := NewGateway(reg, 1, 3, nil)
	q := Query{FirstName: "Sarah", LastName: "Chen"}

	_ = g.Verify(context.Background(), "task-1", q)
	if !g.Exhausted("task-1", q) {
		t.Fatalf("task-1 should be exhausted")
	}
	if g.Exhausted("task-2", q) {
		t.Fatalf("task-2 inherited task-1's attempts")
	}
}
