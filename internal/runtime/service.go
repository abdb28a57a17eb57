package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/referrald/internal/generate"
	"github.com/carewire/referrald/internal/observability"
	"github.com/carewire/referrald/internal/tasks"
	"github.com/carewire/referrald/internal/verify"
)

var ErrEmptyMessage = errors.New("message has no text content")

const fallbackContact = "If this is urgent, please call the cardiology office directly at (212) 555-2273."

// Config carries the lifecycle thresholds. All of them are tunable; the
// defaults live in the config package, not here.
type Config struct {
	MaxTotalTurns    int
	MaxInfoAttempts  int
	GeneratorTimeout time.Duration
}

// Service orchestrates one conversation turn end to end: turn
// accounting, provider verification, text generation, marker
// validation, and the atomic commit. It is the only caller of the
// manager's mutating API.
type Service struct {
	cfg       Config
	manager   *tasks.Manager
	gateway   *verify.Gateway
	generator generate.Generator
	metrics   *observability.Metrics

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

func New(cfg Config, manager *tasks.Manager, gateway *verify.Gateway, generator generate.Generator, metrics *observability.Metrics) *Service {
	if cfg.MaxTotalTurns <= 0 {
		cfg.MaxTotalTurns = 10
	}
	if cfg.MaxInfoAttempts <= 0 {
		cfg.MaxInfoAttempts = 5
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = 60 * time.Second
	}
	return &Service{
		cfg:       cfg,
		manager:   manager,
		gateway:   gateway,
		generator: generator,
		metrics:   metrics,
		inFlight:  make(map[string]context.CancelFunc),
	}
}

type SendRequest struct {
	TaskID    string
	ContextID string
	Message   tasks.Message
}

// Send creates or continues a task with one inbound user message and
// returns the task snapshot after the turn has fully committed.
// A terminal task rejects the message with tasks.ErrTaskTerminal.
func (s *Service) Send(ctx context.Context, req SendRequest) (tasks.Task, error) {
	if strings.TrimSpace(req.Message.Text()) == "" {
		return tasks.Task{}, ErrEmptyMessage
	}
	if req.Message.ID == "" {
		req.Message.ID = uuid.NewString()
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		created, err := s.CreateTask(req.ContextID)
		if err != nil {
			return tasks.Task{}, err
		}
		taskID = created.ID
	}

	release, err := s.manager.AcquireTurn(taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	defer release()

	started := time.Now()
	task, err := s.processTurn(ctx, taskID, req.Message)
	if err == nil && s.metrics != nil {
		s.metrics.ObserveTurnLatency(time.Since(started))
	}
	return task, err
}

// CreateTask registers a fresh task in the submitted state.
func (s *Service) CreateTask(contextID string) (tasks.Task, error) {
	task, err := s.manager.Create(contextID)
	if err != nil {
		return tasks.Task{}, err
	}
	if s.metrics != nil {
		s.metrics.ActiveTasks.Inc()
	}
	return task, nil
}

// Cancel preempts any in-flight collaborator call for the task and
// commits canceled. Cancel on a terminal task is a no-op returning the
// current state.
func (s *Service) Cancel(taskID, reason string) (tasks.Task, error) {
	s.mu.Lock()
	if cancel, ok := s.inFlight[taskID]; ok {
		cancel()
	}
	s.mu.Unlock()

	before, err := s.manager.Get(taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	task, err := s.manager.Cancel(taskID, reason)
	if err != nil {
		return tasks.Task{}, err
	}
	if s.metrics != nil && !before.Terminal() && task.State == tasks.StateCanceled {
		s.metrics.ActiveTasks.Dec()
		s.metrics.TaskOutcomes.WithLabelValues(string(task.State), task.Reason).Inc()
	}
	return task, nil
}

func (s *Service) Get(taskID string) (tasks.Task, error) {
	return s.manager.Get(taskID)
}

func (s *Service) ListByContext(contextID string, limit int) []tasks.Task {
	return s.manager.ListByContext(contextID, limit)
}

func (s *Service) Manager() *tasks.Manager {
	return s.manager
}

// processTurn runs under the task's turn token.
func (s *Service) processTurn(ctx context.Context, taskID string, msg tasks.Message) (tasks.Task, error) {
	task, duplicate, err := s.manager.AppendUserMessage(taskID, msg)
	if err != nil {
		return tasks.Task{}, err
	}
	if duplicate {
		// Idempotent replay: same message id neither appends history nor
		// re-runs the committed transition.
		return task, nil
	}
	if s.metrics != nil {
		s.metrics.TurnsProcessed.Inc()
	}

	// submitted -> working on first processing; input-required -> working
	// on the next inbound message.
	switch task.State {
	case tasks.StateSubmitted, tasks.StateInputRequired:
		task, err = s.manager.CommitState(taskID, tasks.StateWorking, "")
		if err != nil {
			return tasks.Task{}, err
		}
	}

	// Turn bound, checked before any external call.
	if task.Counters.TotalTurns > s.cfg.MaxTotalTurns {
		return s.forceFail(taskID, tasks.ReasonTurnLimitExceeded,
			fmt.Sprintf("This conversation reached the limit of %d turns without completing the referral. %s", s.cfg.MaxTotalTurns, fallbackContact))
	}

	userText := accumulatedUserText(task.History)
	reqs := analyzeRequirements(userText, task.Requirements)

	facts := map[string]string{
		"available_slots": "Monday and Thursday, 11:00 AM - 3:00 PM; urgent cases same-day or next-day",
	}

	// Provider verification runs before the generator so the reply is
	// grounded on resolved facts, never fabricated ones.
	if query, ok := extractProviderQuery(userText); ok && !reqs.ProviderVerified {
		outcome, verr := s.verifyProvider(ctx, taskID, query)
		if verr != nil {
			// Preempted by cancellation mid-call.
			return s.afterPreemption(taskID, verr)
		}
		switch outcome.Status {
		case verify.StatusExhausted:
			return s.forceFail(taskID, tasks.ReasonVerificationExhausted,
				fmt.Sprintf("The referring provider could not be verified after the allowed number of attempts. %s", fallbackContact))
		case verify.StatusSuccess:
			if outcome.Bound != nil {
				bound := outcome.Bound
				task, err = s.manager.UpdateProgress(taskID, func(t *tasks.Task) {
					t.Requirements.ProviderVerified = true
					t.BoundProviderID = bound.NPI
					t.Counters.VerificationAttempts = outcome.Attempt
				})
				if err != nil {
					return s.afterPreemption(taskID, err)
				}
				reqs.ProviderVerified = true
				facts["verified_provider"] = fmt.Sprintf("%s (NPI %s)", bound.Name, bound.NPI)
			} else {
				// Multiple candidates within the fan-out limit: relay
				// them for disambiguation before any further lookup.
				facts["provider_candidates"] = formatCandidates(outcome.Candidates)
				facts["provider_guidance"] = outcome.Guidance
				task, err = s.bumpVerifyCounter(taskID, outcome.Attempt)
				if err != nil {
					return s.afterPreemption(taskID, err)
				}
			}
		default:
			facts["provider_guidance"] = outcome.Guidance
			task, err = s.bumpVerifyCounter(taskID, outcome.Attempt)
			if err != nil {
				return s.afterPreemption(taskID, err)
			}
			if s.gateway.Exhausted(taskID, query) {
				return s.forceFail(taskID, tasks.ReasonVerificationExhausted,
					fmt.Sprintf("The referring provider could not be verified after %d attempts. %s", outcome.Attempt, fallbackContact))
			}
		}
	}

	if missing := reqs.Missing(); len(missing) > 0 {
		facts["missing_requirements"] = strings.Join(missing, ", ")
	}

	if !reqs.Complete() || task.Requirements != reqs {
		task, err = s.manager.UpdateProgress(taskID, func(t *tasks.Task) {
			t.Requirements = reqs
		})
		if err != nil {
			return s.afterPreemption(taskID, err)
		}
	}

	reply, genErr := s.generateReply(ctx, taskID, task.History, facts)
	if genErr != nil {
		if preempted(genErr) {
			return s.afterPreemption(taskID, genErr)
		}
		// Generator timeout or failure: deterministic fallback to
		// input-required instead of leaving the task stuck mid-turn.
		log.Printf("task %s: generator failed: %v", taskID, genErr)
		return s.commitInputRequired(taskID,
			"I'm sorry, I wasn't able to process that just now. Could you please restate your last message? "+fallbackContact,
			tasks.ReasonGeneratorFailed)
	}

	marker, clean, ok := tasks.ParseMarker(reply.Text)
	if !ok {
		// Zero or multiple markers: never trust ambiguous output.
		return s.commitInputRequired(taskID,
			"I want to make sure I record this referral correctly. Could you clarify or repeat the details from your last message?", "")
	}

	switch marker.IntendedState() {
	case tasks.StateCompleted:
		if !reqs.Complete() {
			// Premature completion downgraded deterministically.
			text := clean
			if text != "" {
				text += "\n\n"
			}
			text += "Before I can finalize the referral I still need: " + strings.Join(reqs.Missing(), ", ") + "."
			return s.commitInputRequired(taskID, text, "")
		}
		if _, err := s.manager.AddArtifact(taskID, tasks.Artifact{
			Name:  "referral-confirmation",
			Parts: []tasks.Part{{Kind: tasks.PartText, Text: clean}},
		}); err != nil {
			return s.afterPreemption(taskID, err)
		}
		return s.commitTerminal(taskID, clean, tasks.StateCompleted, "")

	case tasks.StateFailed:
		text := clean
		if text == "" {
			text = "This referral could not be processed."
		}
		return s.commitTerminal(taskID, text+" "+fallbackContact, tasks.StateFailed, tasks.ReasonReferralFailed)

	default:
		return s.commitInputRequired(taskID, clean, "")
	}
}

func (s *Service) verifyProvider(ctx context.Context, taskID string, query verify.Query) (verify.Outcome, error) {
	callCtx, cancel := context.WithCancel(ctx)
	s.trackInFlight(taskID, cancel)
	defer s.untrackInFlight(taskID, cancel)

	started := time.Now()
	outcome := s.gateway.Verify(callCtx, taskID, query)
	if s.metrics != nil {
		s.metrics.ObserveVerifyLatency(time.Since(started))
	}
	if callCtx.Err() != nil {
		return verify.Outcome{}, callCtx.Err()
	}
	return outcome, nil
}

func (s *Service) generateReply(ctx context.Context, taskID string, history []tasks.Message, facts map[string]string) (generate.Reply, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GeneratorTimeout)
	s.trackInFlight(taskID, cancel)
	defer s.untrackInFlight(taskID, cancel)

	genHistory := make([]generate.Message, 0, len(history))
	for _, msg := range history {
		role := "user"
		if msg.Role == tasks.RoleAgent {
			role = "assistant"
		}
		genHistory = append(genHistory, generate.Message{Role: role, Content: msg.Text()})
	}

	started := time.Now()
	reply, err := s.generator.Generate(genCtx, generate.Request{History: genHistory, SideFacts: facts})
	if s.metrics != nil {
		s.metrics.ObserveGeneratorLatency(time.Since(started))
	}
	if err == nil && genCtx.Err() == context.Canceled {
		return generate.Reply{}, context.Canceled
	}
	return reply, err
}

// bumpVerifyCounter mirrors the gateway's attempt ledger into the task
// counters so the attempt count survives restarts with the task.
func (s *Service) bumpVerifyCounter(taskID string, attempt int) (tasks.Task, error) {
	return s.manager.UpdateProgress(taskID, func(t *tasks.Task) {
		if attempt > t.Counters.VerificationAttempts {
			t.Counters.VerificationAttempts = attempt
		}
	})
}

// commitInputRequired commits the clarification turn, enforcing the
// info-collection bound on the triggering message.
func (s *Service) commitInputRequired(taskID, text, reason string) (tasks.Task, error) {
	task, err := s.manager.UpdateProgress(taskID, func(t *tasks.Task) {
		t.Counters.InfoAttempts++
	})
	if err != nil {
		return s.afterPreemption(taskID, err)
	}
	if task.Counters.InfoAttempts > s.cfg.MaxInfoAttempts {
		return s.forceFail(taskID, tasks.ReasonInfoExhausted,
			fmt.Sprintf("The required referral information could not be collected within %d requests. %s", s.cfg.MaxInfoAttempts, fallbackContact))
	}

	reply := &tasks.Message{
		ID:    uuid.NewString(),
		Parts: []tasks.Part{{Kind: tasks.PartText, Text: text}},
	}
	committed, err := s.manager.CommitTurn(taskID, reply, tasks.StateInputRequired, reason)
	if err != nil {
		return s.afterPreemption(taskID, err)
	}
	return committed, nil
}

func (s *Service) commitTerminal(taskID, text string, state tasks.State, reason string) (tasks.Task, error) {
	reply := &tasks.Message{
		ID:    uuid.NewString(),
		Parts: []tasks.Part{{Kind: tasks.PartText, Text: strings.TrimSpace(text)}},
	}
	task, err := s.manager.CommitTurn(taskID, reply, state, reason)
	if err != nil {
		return s.afterPreemption(taskID, err)
	}
	if s.metrics != nil {
		s.metrics.ActiveTasks.Dec()
		s.metrics.TaskOutcomes.WithLabelValues(string(state), reason).Inc()
	}
	return task, nil
}

// forceFail commits failed with a machine-readable reason and a terminal
// message stating why, bypassing the text generator entirely.
func (s *Service) forceFail(taskID, reason, text string) (tasks.Task, error) {
	return s.commitTerminal(taskID, text, tasks.StateFailed, reason)
}

// afterPreemption resolves the race between a turn and a concurrent
// cancel: if the task went terminal under us, the turn result is the
// terminal snapshot, not an error.
func (s *Service) afterPreemption(taskID string, err error) (tasks.Task, error) {
	if errors.Is(err, tasks.ErrTaskTerminal) || preempted(err) {
		if task, getErr := s.manager.Get(taskID); getErr == nil && task.Terminal() {
			return task, nil
		}
	}
	return tasks.Task{}, err
}

func preempted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (s *Service) trackInFlight(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[taskID] = cancel
}

func (s *Service) untrackInFlight(taskID string, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, taskID)
}

func formatCandidates(candidates []verify.Candidate) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		desc := c.Name
		if c.Credentials != "" {
			desc += ", " + c.Credentials
		}
		if c.City != "" || c.State != "" {
			desc += " (" + strings.TrimSpace(strings.TrimPrefix(c.City+" "+c.State, " ")) + ")"
		}
		desc += " NPI " + c.NPI
		parts = append(parts, desc)
	}
	return strings.Join(parts, "; ")
}
