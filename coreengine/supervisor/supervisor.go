package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/coreengine/state"
	"github.com/redmage123/artemis/coreengine/workflows"
	"github.com/redmage123/artemis/eventbus"
)

var (
	// ErrCircuitOpen is returned while an agent's circuit breaker is open.
	ErrCircuitOpen = errors.New("supervisor: circuit breaker open")
	// ErrRecoveryThrottled is returned when an agent exceeds its recovery rate.
	ErrRecoveryThrottled = errors.New("supervisor: recovery throttled")
)

// Recovery strategies reported in RecoveryOutcome.Strategy.
const (
	StrategyWorkflow           = "workflow"
	StrategyRestartStage       = "restart_stage"
	StrategyRestartWithTimeout = "restart_with_timeout"
)

// StateMachines resolves the pipeline state machine of a card.
// *state.MachineStore implements it.
type StateMachines interface {
	Machine(cardID string) (*state.PipelineStateMachine, error)
}

// RecoveryOutcome describes one recovery attempt.
type RecoveryOutcome struct {
	Agent      string
	Issue      workflows.IssueType
	Strategy   string
	Recovered  bool
	FinalState state.PipelineState
	Workflow   *workflows.ExecutionResult
	Restart    *RestartResult
	Err        error
	Duration   time.Duration
}

// RecoveryStats counts recovery attempts by outcome.
type RecoveryStats struct {
	Attempts    int `json:"attempts"`
	Recovered   int `json:"recovered"`
	Failed      int `json:"failed"`
	Throttled   int `json:"throttled"`
	CircuitOpen int `json:"circuit_open"`
}

// Supervisor decides and runs recovery for crashed and hung agents.
//
// Each attempt passes the agent's circuit breaker and rate limiter, moves
// the pipeline to recovering, runs the registry workflow for the classified
// issue (or restarts the stage when none is registered) and moves the
// pipeline to the workflow's success or failure state.
type Supervisor struct {
	registry    *workflows.Registry
	executor    *workflows.Executor
	restoration *StateRestoration
	machine     *state.PipelineStateMachine
	machines    StateMachines
	breakers    *CircuitBreakers
	observable  eventbus.Observable
	logger      logging.Logger

	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	stats    RecoveryStats

	mu sync.Mutex
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithStateMachine drives pipeline transitions during recovery. The same
// machine is used whatever card a report names.
func WithStateMachine(m *state.PipelineStateMachine) SupervisorOption {
	return func(s *Supervisor) { s.machine = m }
}

// WithStateMachines drives the machine of the card each report names.
// Reports without a card id drive none.
func WithStateMachines(r StateMachines) SupervisorOption {
	return func(s *Supervisor) { s.machines = r }
}

// WithWorkflowExecutor replaces the default executor.
func WithWorkflowExecutor(e *workflows.Executor) SupervisorOption {
	return func(s *Supervisor) { s.executor = e }
}

// WithCircuitBreakers replaces the default breakers (5 failures, 60s reset).
func WithCircuitBreakers(b *CircuitBreakers) SupervisorOption {
	return func(s *Supervisor) { s.breakers = b }
}

// WithRecoveryRate limits recovery attempts per agent to one every interval
// with the given burst. A zero interval disables throttling.
func WithRecoveryRate(interval time.Duration, burst int) SupervisorOption {
	return func(s *Supervisor) {
		if interval <= 0 {
			s.limit = rate.Inf
		} else {
			s.limit = rate.Every(interval)
		}
		s.burst = burst
	}
}

// WithSupervisorObservable emits recovery_* and circuit_breaker_* events.
func WithSupervisorObservable(o eventbus.Observable) SupervisorOption {
	return func(s *Supervisor) { s.observable = o }
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(l logging.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logging.OrNop(l) }
}

// NewSupervisor creates a Supervisor. A nil restoration gets a default one
// without collaborators.
func NewSupervisor(registry *workflows.Registry, restoration *StateRestoration, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		registry:    registry,
		restoration: restoration,
		breakers:    NewCircuitBreakers(5, 60*time.Second),
		logger:      logging.NewNop(),
		limit:       rate.Every(10 * time.Second),
		burst:       3,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = workflows.NewRegistry()
	}
	if s.restoration == nil {
		s.restoration = NewStateRestoration(WithRestorationLogger(s.logger))
	}
	if s.executor == nil {
		s.executor = workflows.NewExecutor(workflows.WithExecutorLogger(s.logger), workflows.WithExecutorObservable(s.observable))
	}
	return s
}

// Breakers exposes the circuit breakers.
func (s *Supervisor) Breakers() *CircuitBreakers {
	return s.breakers
}

// Stats returns a copy of the recovery counters.
func (s *Supervisor) Stats() RecoveryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// =============================================================================
// Recovery entry points
// =============================================================================

// RecoverCrashedAgent recovers from a crash. actx may be nil; crash details
// fill the stage, card and error when actx lacks them.
//
// ErrCircuitOpen and ErrRecoveryThrottled mean nothing was attempted. A
// recovery that ran but failed returns an outcome with Recovered false and
// a nil error, unless ctx was cancelled.
func (s *Supervisor) RecoverCrashedAgent(ctx context.Context, crash CrashInfo, actx *workflows.ActionContext) (*RecoveryOutcome, error) {
	if crash.Agent == "" {
		return nil, fmt.Errorf("supervisor: crash report has no agent")
	}
	issue := ClassifyIssue(crash)
	if err := s.admit(crash.Agent, issue, crash.CardID); err != nil {
		return nil, err
	}

	actx = mergeCrash(actx, crash)
	ctx, span := observability.StartSpan(ctx, "supervisor.recover_crashed_agent",
		attribute.String("agent", crash.Agent),
		attribute.String("issue_type", string(issue)),
	)
	outcome := &RecoveryOutcome{Agent: crash.Agent, Issue: issue}
	start := time.Now()
	machine := s.machineFor(crash.CardID)
	entered := s.begin(machine, outcome, crash.CardID, crash.Stage, crash.Error)

	if w, ok := s.registry.Get(issue); ok {
		outcome.Strategy = StrategyWorkflow
		result, err := s.executor.Execute(ctx, w, actx)
		outcome.Workflow = result
		if result != nil {
			outcome.Recovered = result.Success
			outcome.FinalState = result.FinalState
			outcome.Err = result.Err()
		}
		if err != nil {
			outcome.Err = err
		}
	} else {
		outcome.Strategy = StrategyRestartStage
		outcome.Restart, outcome.Err = s.restoration.RestartStage(ctx, actx, nil)
		outcome.Recovered = outcome.Err == nil
	}

	outcome.Duration = time.Since(start)
	s.finish(machine, outcome, entered, crash.CardID)
	observability.EndSpan(span, outcome.Err)
	if ctx.Err() != nil && !outcome.Recovered {
		return outcome, ctx.Err()
	}
	return outcome, nil
}

// RecoverHungAgent terminates a hung agent and restarts its stage with a
// longer timeout.
func (s *Supervisor) RecoverHungAgent(ctx context.Context, agent string, timeout TimeoutInfo) (*RecoveryOutcome, error) {
	if agent == "" {
		return nil, fmt.Errorf("supervisor: hang report has no agent")
	}
	issue := workflows.IssueHangingProcess
	if err := s.admit(agent, issue, timeout.CardID); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "supervisor.recover_hung_agent", attribute.String("agent", agent))
	outcome := &RecoveryOutcome{Agent: agent, Issue: issue, Strategy: StrategyRestartWithTimeout}
	start := time.Now()
	machine := s.machineFor(timeout.CardID)
	entered := s.begin(machine, outcome, timeout.CardID, timeout.Stage, "agent hung")

	if err := s.restoration.TerminateAgent(ctx, agent, timeout.PID); err != nil {
		outcome.Err = err
	} else {
		outcome.Restart, outcome.Err = s.restoration.RestartWithTimeout(ctx, agent, timeout)
	}
	outcome.Recovered = outcome.Err == nil

	outcome.Duration = time.Since(start)
	s.finish(machine, outcome, entered, timeout.CardID)
	observability.EndSpan(span, outcome.Err)
	if ctx.Err() != nil && !outcome.Recovered {
		return outcome, ctx.Err()
	}
	return outcome, nil
}

// =============================================================================
// Internals
// =============================================================================

// admit applies the circuit breaker and rate limiter.
func (s *Supervisor) admit(agent string, issue workflows.IssueType, cardID string) error {
	if !s.breakers.Allow(agent) {
		s.count(func(st *RecoveryStats) { st.CircuitOpen++ })
		observability.RecordRecoveryAttempt(agent, "circuit_open")
		s.logger.Warn("recovery_blocked_circuit_open", "agent", agent, "issue_type", issue)
		s.emit(eventbus.RecoveryThrottled, cardID, map[string]any{"agent": agent, "issue_type": string(issue), "reason": "circuit_open"})
		return ErrCircuitOpen
	}
	if !s.limiter(agent).Allow() {
		s.count(func(st *RecoveryStats) { st.Throttled++ })
		observability.RecordRecoveryAttempt(agent, "throttled")
		s.logger.Warn("recovery_throttled", "agent", agent, "issue_type", issue)
		s.emit(eventbus.RecoveryThrottled, cardID, map[string]any{"agent": agent, "issue_type": string(issue), "reason": "rate_limited"})
		return ErrRecoveryThrottled
	}
	return nil
}

func (s *Supervisor) limiter(agent string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[agent]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[agent] = l
	}
	return l
}

// begin records the attempt and moves the pipeline to recovering. It returns
// false when the machine is absent or refused the transition.
func (s *Supervisor) begin(machine *state.PipelineStateMachine, o *RecoveryOutcome, cardID, stage, reason string) bool {
	s.count(func(st *RecoveryStats) { st.Attempts++ })
	s.logger.Info("recovery_started", "agent", o.Agent, "issue_type", o.Issue, "card_id", cardID)
	s.emit(eventbus.RecoveryStarted, cardID, map[string]any{"agent": o.Agent, "issue_type": string(o.Issue), "stage_name": stage, "reason": reason})

	if machine == nil {
		return false
	}
	machine.AddIssue(string(o.Issue))
	return machine.Transition(state.StateRecovering, fmt.Sprintf("%s: %s", o.Agent, o.Issue)) == nil
}

// finish settles the pipeline state, breaker, metrics and events.
func (s *Supervisor) finish(machine *state.PipelineStateMachine, o *RecoveryOutcome, entered bool, cardID string) {
	if o.FinalState == "" {
		o.FinalState = state.StateRunning
		if !o.Recovered {
			o.FinalState = state.StateFailed
		}
	}

	if machine != nil {
		if o.Recovered {
			machine.ResolveIssue(string(o.Issue))
		}
		if entered {
			if err := machine.Transition(o.FinalState, "recovery "+outcomeLabel(o)); err != nil {
				s.logger.Warn("recovery_transition_rejected", "agent", o.Agent, "to", o.FinalState, "error", err)
			}
		}
	}

	data := map[string]any{
		"agent":       o.Agent,
		"issue_type":  string(o.Issue),
		"strategy":    o.Strategy,
		"final_state": string(o.FinalState),
		"duration_ms": o.Duration.Milliseconds(),
	}
	observability.RecordRecoveryAttempt(o.Agent, outcomeLabel(o))

	if o.Recovered {
		s.count(func(st *RecoveryStats) { st.Recovered++ })
		s.logger.Info("recovery_completed", "agent", o.Agent, "issue_type", o.Issue, "strategy", o.Strategy)
		s.emit(eventbus.RecoveryCompleted, cardID, data)
		if s.breakers.RecordSuccess(o.Agent) {
			s.breakerChanged(machine, eventbus.CircuitBreakerClosed, o.Agent, cardID)
		}
		return
	}

	s.count(func(st *RecoveryStats) { st.Failed++ })
	if o.Err != nil {
		data["error"] = o.Err.Error()
	}
	s.logger.Error("recovery_failed", "agent", o.Agent, "issue_type", o.Issue, "strategy", o.Strategy, "error", o.Err)
	s.emit(eventbus.RecoveryFailed, cardID, data)
	if s.breakers.RecordFailure(o.Agent) {
		s.breakerChanged(machine, eventbus.CircuitBreakerOpened, o.Agent, cardID)
	}
}

func (s *Supervisor) breakerChanged(machine *state.PipelineStateMachine, t eventbus.EventType, agent, cardID string) {
	if machine != nil {
		if t == eventbus.CircuitBreakerOpened {
			machine.OpenCircuitBreaker(agent)
		} else {
			machine.CloseCircuitBreaker(agent)
		}
	}
	s.logger.Warn(string(t), "agent", agent)
	s.emit(t, cardID, map[string]any{"agent": agent})
}

// machineFor returns the machine recovery drives for cardID, or nil.
func (s *Supervisor) machineFor(cardID string) *state.PipelineStateMachine {
	if s.machine != nil {
		return s.machine
	}
	if s.machines == nil || cardID == "" {
		return nil
	}
	m, err := s.machines.Machine(cardID)
	if err != nil {
		s.logger.Warn("state_machine_unavailable", "card_id", cardID, "error", err)
		return nil
	}
	return m
}

func (s *Supervisor) emit(t eventbus.EventType, cardID string, data map[string]any) {
	eventbus.Emit(s.observable, eventbus.NewPipelineEvent(t, "", cardID, data))
}

func (s *Supervisor) count(fn func(*RecoveryStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func outcomeLabel(o *RecoveryOutcome) string {
	if o.Recovered {
		return "recovered"
	}
	return "failed"
}

// mergeCrash returns a copy of actx with the families the crash report can
// supply filled in.
func mergeCrash(actx *workflows.ActionContext, crash CrashInfo) *workflows.ActionContext {
	merged := workflows.ActionContext{}
	if actx != nil {
		merged = *actx
	}
	actx = &merged
	if actx.Stage == nil && crash.Stage != "" {
		actx.Stage = &workflows.StageContext{Name: crash.Stage}
	}
	if actx.Card == nil && crash.CardID != "" {
		actx.Card = &workflows.CardContext{CardID: crash.CardID}
	}
	if actx.Error == "" {
		actx.Error = crash.Error
	}
	return actx
}
