package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/carewire/referrald/internal/observability"
)

// Status classifies one verification attempt's result.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusNotFound    Status = "not_found"
	StatusTooMany     Status = "too_many"
	StatusNPIMismatch Status = "npi_mismatch"
	StatusError       Status = "error"
	// StatusExhausted is reported instead of issuing another lookup once
	// the attempt limit for a subject is spent without success.
	StatusExhausted Status = "exhausted"
)

// Attempt is one append-only verification record. Attempt numbers for a
// given subject are contiguous starting at 1.
type Attempt struct {
	SubjectQuery        string `json:"subject_query"`
	AttemptNumber       int    `json:"attempt_number"`
	ResultStatus        Status `json:"result_status"`
	ResolvedCandidateID string `json:"resolved_candidate_id,omitempty"`
}

// Outcome is the gateway's classified answer for one Verify call.
type Outcome struct {
	Status     Status
	Candidates []Candidate
	// Bound is set on success with exactly one candidate.
	Bound *Candidate
	// Guidance is the clarification or narrowing request to relay when
	// the attempt did not succeed.
	Guidance string
	// Attempt is the attempt number this call consumed, 0 when the call
	// consumed none (exhausted short-circuit).
	Attempt int
}

type subjectState struct {
	mu       sync.Mutex
	attempts []Attempt
	resolved bool
}

// Gateway dispatches provider verification calls and applies the
// bounded-retry and clarification policy. Calls for the same subject
// within one task are serialized; different tasks run independently.
type Gateway struct {
	registry    Registry
	maxAttempts int
	fanOutLimit int
	metrics     *observability.Metrics

	mu       sync.Mutex
	subjects map[string]*subjectState
}

func NewGateway(registry Registry, maxAttempts, fanOutLimit int, metrics *observability.Metrics) *Gateway {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if fanOutLimit <= 0 {
		fanOutLimit = 3
	}
	return &Gateway{
		registry:    registry,
		maxAttempts: maxAttempts,
		fanOutLimit: fanOutLimit,
		metrics:     metrics,
		subjects:    make(map[string]*subjectState),
	}
}

// Attempts returns the append-only attempt ledger for a task subject.
func (g *Gateway) Attempts(taskID string, q Query) []Attempt {
	st := g.subject(taskID, q)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Attempt, len(st.attempts))
	copy(out, st.attempts)
	return out
}

// Verify performs one verification attempt for the subject. A transport
// or backend failure is retried once automatically without consuming an
// attempt; if the retry also fails the call counts as one attempt and
// surfaces a clarification request. Once maxAttempts non-success
// attempts are spent, Verify reports exhausted without calling the
// registry again.
func (g *Gateway) Verify(ctx context.Context, taskID string, q Query) Outcome {
	st := g.subject(taskID, q)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.resolved {
		// Already bound earlier in the conversation; repeat calls are
		// answered from the ledger without a new attempt.
		last := st.attempts[len(st.attempts)-1]
		return Outcome{Status: StatusSuccess, Attempt: last.AttemptNumber, Bound: &Candidate{NPI: last.ResolvedCandidateID}}
	}
	if len(st.attempts) >= g.maxAttempts {
		return Outcome{Status: StatusExhausted}
	}

	outcome := g.dispatch(ctx, q)
	attempt := Attempt{
		SubjectQuery:  q.Subject(),
		AttemptNumber: len(st.attempts) + 1,
		ResultStatus:  outcome.Status,
	}
	if outcome.Bound != nil {
		attempt.ResolvedCandidateID = outcome.Bound.NPI
		st.resolved = true
	}
	st.attempts = append(st.attempts, attempt)
	outcome.Attempt = attempt.AttemptNumber

	if g.metrics != nil {
		g.metrics.VerificationAttempts.WithLabelValues(string(outcome.Status)).Inc()
	}
	return outcome
}

// Exhausted reports whether the subject has spent all attempts without
// a successful resolution.
func (g *Gateway) Exhausted(taskID string, q Query) bool {
	st := g.subject(taskID, q)
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.resolved && len(st.attempts) >= g.maxAttempts
}

func (g *Gateway) dispatch(ctx context.Context, q Query) Outcome {
	count, candidates, err := g.registry.Search(ctx, q, g.fanOutLimit+1)
	if err != nil {
		// One automatic retry; the user never sees the first failure.
		count, candidates, err = g.registry.Search(ctx, q, g.fanOutLimit+1)
	}
	if err != nil {
		return Outcome{
			Status:   StatusError,
			Guidance: "The provider registry is temporarily unavailable. Please re-send the referring provider's full name, and their NPI if you have it.",
		}
	}
	return g.classify(q, count, candidates)
}

func (g *Gateway) classify(q Query, count int, candidates []Candidate) Outcome {
	npi := strings.TrimSpace(q.NPI)

	switch {
	case count == 0:
		return Outcome{
			Status:   StatusNotFound,
			Guidance: fmt.Sprintf("No provider named %q was found in the registry. Please check the spelling or provide the NPI number.", strings.TrimSpace(q.FirstName+" "+q.LastName)),
		}

	case count <= g.fanOutLimit:
		if npi != "" {
			for i := range candidates {
				if candidates[i].NPI == npi {
					c := candidates[i]
					return Outcome{Status: StatusSuccess, Candidates: []Candidate{c}, Bound: &c}
				}
			}
			return Outcome{
				Status:     StatusNPIMismatch,
				Candidates: candidates,
				Guidance:   fmt.Sprintf("NPI %s does not match any provider named %q. Please verify the NPI number or the provider name.", npi, strings.TrimSpace(q.FirstName+" "+q.LastName)),
			}
		}
		if count == 1 && len(candidates) == 1 {
			c := candidates[0]
			return Outcome{Status: StatusSuccess, Candidates: candidates, Bound: &c}
		}
		return Outcome{
			Status:     StatusSuccess,
			Candidates: candidates,
			Guidance:   fmt.Sprintf("Found %d providers with that name. Please confirm which one is the referring provider.", count),
		}

	default:
		// Over the fan-out limit. A supplied NPI can still pin a match.
		if npi != "" {
			for i := range candidates {
				if candidates[i].NPI == npi {
					c := candidates[i]
					return Outcome{Status: StatusSuccess, Candidates: []Candidate{c}, Bound: &c}
				}
			}
			return Outcome{
				Status:   StatusNPIMismatch,
				Guidance: fmt.Sprintf("NPI %s does not match any of the %d providers with that name. Please verify the NPI number or the provider name.", npi, count),
			}
		}
		missing := make([]string, 0, 2)
		if strings.TrimSpace(q.City) == "" {
			missing = append(missing, "city")
		}
		if strings.TrimSpace(q.State) == "" {
			missing = append(missing, "state")
		}
		if len(missing) == 0 {
			missing = append(missing, "NPI number")
		}
		return Outcome{
			Status:   StatusTooMany,
			Guidance: fmt.Sprintf("Found %d providers with that name. Please provide the provider's %s to narrow the search.", count, strings.Join(missing, " and ")),
		}
	}
}

func (g *Gateway) subject(taskID string, q Query) *subjectState {
	key := taskID + "|" + q.Subject()
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.subjects[key]
	if !ok {
		st = &subjectState{}
		g.subjects[key] = st
	}
	return st
}
