package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/workflows"
)

// AgentRecoverer performs recovery. *Supervisor implements it.
type AgentRecoverer interface {
	RecoverCrashedAgent(ctx context.Context, crash CrashInfo, actx *workflows.ActionContext) (*RecoveryOutcome, error)
	RecoverHungAgent(ctx context.Context, agent string, timeout TimeoutInfo) (*RecoveryOutcome, error)
}

// HealthReporter publishes per-agent serving status, e.g. the gRPC health
// service.
type HealthReporter interface {
	SetAgentHealth(agent string, healthy bool)
	ClearAgent(agent string)
}

// AgentStatus is what the observer tracks per agent.
type AgentStatus struct {
	Agent        string           `json:"agent"`
	StartedAt    time.Time        `json:"started_at"`
	LastActivity time.Time        `json:"last_activity"`
	LastEvent    AgentHealthEvent `json:"last_event"`
	Recoveries   int              `json:"recoveries"`
}

// SupervisorHealthObserver turns health events into supervisor calls. It
// holds no recovery logic of its own.
type SupervisorHealthObserver struct {
	recoverer AgentRecoverer
	reporter  HealthReporter
	logger    logging.Logger
	handlers  map[AgentHealthEvent]func(context.Context, HealthEventData)

	agents map[string]*AgentStatus
	mu     sync.Mutex
}

// ObserverOption configures a SupervisorHealthObserver.
type ObserverOption func(*SupervisorHealthObserver)

// WithHealthReporter mirrors agent health to r.
func WithHealthReporter(r HealthReporter) ObserverOption {
	return func(o *SupervisorHealthObserver) { o.reporter = r }
}

// WithObserverLogger sets the logger.
func WithObserverLogger(l logging.Logger) ObserverOption {
	return func(o *SupervisorHealthObserver) { o.logger = logging.OrNop(l) }
}

// NewSupervisorHealthObserver creates an observer delegating to recoverer.
func NewSupervisorHealthObserver(recoverer AgentRecoverer, opts ...ObserverOption) *SupervisorHealthObserver {
	o := &SupervisorHealthObserver{
		recoverer: recoverer,
		logger:    logging.NewNop(),
		agents:    make(map[string]*AgentStatus),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = map[AgentHealthEvent]func(context.Context, HealthEventData){
		HealthStarted:    o.onStarted,
		HealthCrashed:    o.onCrashed,
		HealthHung:       o.onHung,
		HealthStalled:    o.onStalled,
		HealthRecovered:  o.onRecovered,
		HealthTerminated: o.onTerminated,
	}
	return o
}

// OnAgentEvent implements AgentHealthObserver.
func (o *SupervisorHealthObserver) OnAgentEvent(ctx context.Context, data HealthEventData) {
	handler, ok := o.handlers[data.Event]
	if !ok {
		o.logger.Warn("unknown_health_event", "agent", data.Agent, "event", data.Event)
		return
	}
	if data.Agent == "" {
		o.logger.Warn("health_event_without_agent", "event", data.Event)
		return
	}
	handler(ctx, data)
}

// Status returns the tracked status of agent.
func (o *SupervisorHealthObserver) Status(agent string) (AgentStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.agents[agent]
	if !ok {
		return AgentStatus{}, false
	}
	return *st, true
}

// TrackedAgents returns the names of tracked agents, sorted.
func (o *SupervisorHealthObserver) TrackedAgents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.agents))
	for name := range o.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Event handlers
// =============================================================================

func (o *SupervisorHealthObserver) onStarted(_ context.Context, data HealthEventData) {
	o.track(data, func(st *AgentStatus) { st.StartedAt = data.Timestamp })
	o.report(data.Agent, true)
	o.logger.Info("agent_started", "agent", data.Agent)
}

func (o *SupervisorHealthObserver) onCrashed(ctx context.Context, data HealthEventData) {
	o.track(data, nil)
	o.report(data.Agent, false)
	if o.recoverer == nil {
		o.logger.Error("agent_crashed_no_supervisor", "agent", data.Agent, "error", data.Message)
		return
	}

	crash := CrashInfo{Agent: data.Agent, Error: data.Message}
	if data.Crash != nil {
		crash = *data.Crash
		crash.Agent = data.Agent
	}
	var actx *workflows.ActionContext
	if data.Context != nil {
		actx = workflows.ActionContextFromMap(data.Context)
	}

	outcome, err := o.recoverer.RecoverCrashedAgent(ctx, crash, actx)
	o.settle(data.Agent, outcome, err)
}

func (o *SupervisorHealthObserver) onHung(ctx context.Context, data HealthEventData) {
	o.track(data, nil)
	o.report(data.Agent, false)
	if o.recoverer == nil {
		o.logger.Error("agent_hung_no_supervisor", "agent", data.Agent)
		return
	}

	var timeout TimeoutInfo
	if data.Timeout != nil {
		timeout = *data.Timeout
	}
	outcome, err := o.recoverer.RecoverHungAgent(ctx, data.Agent, timeout)
	o.settle(data.Agent, outcome, err)
}

func (o *SupervisorHealthObserver) onStalled(_ context.Context, data HealthEventData) {
	o.track(data, nil)
	o.logger.Warn("agent_stalled", "agent", data.Agent, "message", data.Message)
}

func (o *SupervisorHealthObserver) onRecovered(_ context.Context, data HealthEventData) {
	o.track(data, nil)
	o.report(data.Agent, true)
	o.logger.Info("agent_recovered", "agent", data.Agent)
}

func (o *SupervisorHealthObserver) onTerminated(_ context.Context, data HealthEventData) {
	o.mu.Lock()
	delete(o.agents, data.Agent)
	o.mu.Unlock()

	if o.reporter != nil {
		o.reporter.ClearAgent(data.Agent)
	}
	o.logger.Info("agent_terminated", "agent", data.Agent)
}

// =============================================================================
// Helpers
// =============================================================================

// track updates last activity and applies fn to the agent's status.
func (o *SupervisorHealthObserver) track(data HealthEventData, fn func(*AgentStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.agents[data.Agent]
	if !ok {
		st = &AgentStatus{Agent: data.Agent}
		o.agents[data.Agent] = st
	}
	ts := data.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	st.LastActivity = ts
	st.LastEvent = data.Event
	if fn != nil {
		fn(st)
	}
}

func (o *SupervisorHealthObserver) settle(agent string, outcome *RecoveryOutcome, err error) {
	if err != nil {
		o.logger.Warn("agent_recovery_not_completed", "agent", agent, "error", err)
		return
	}
	o.mu.Lock()
	if st, ok := o.agents[agent]; ok {
		st.Recoveries++
	}
	o.mu.Unlock()

	if outcome != nil && outcome.Recovered {
		o.report(agent, true)
	}
}

func (o *SupervisorHealthObserver) report(agent string, healthy bool) {
	if o.reporter != nil {
		o.reporter.SetAgentHealth(agent, healthy)
	}
}
