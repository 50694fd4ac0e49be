// Package supervisor reacts to agent health signals and drives recovery.
//
// Key concepts:
//   - AgentHealthEvent: transient lifecycle signal (started, crashed, hung...)
//   - HealthMonitor: fans each event out to the registered observers
//   - SupervisorHealthObserver: dispatches events to the Supervisor
//   - Supervisor: circuit breaker, throttling, issue classification and
//     workflow execution around the pipeline state machine
//   - StateRestoration: mechanical restart, terminate and context-fix steps
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/coreengine/safe"
)

// =============================================================================
// Health events
// =============================================================================

// AgentHealthEvent is a lifecycle signal raised by, or about, an agent.
type AgentHealthEvent string

const (
	// HealthStarted means the agent began work.
	HealthStarted AgentHealthEvent = "started"
	// HealthCrashed means the agent raised an unrecovered error.
	HealthCrashed AgentHealthEvent = "crashed"
	// HealthHung means the agent exceeded its timeout.
	HealthHung AgentHealthEvent = "hung"
	// HealthStalled means progress slowed. Advisory only.
	HealthStalled AgentHealthEvent = "stalled"
	// HealthRecovered means the agent is healthy again.
	HealthRecovered AgentHealthEvent = "recovered"
	// HealthTerminated means the agent exited and is no longer tracked.
	HealthTerminated AgentHealthEvent = "terminated"
)

// AllHealthEvents lists every AgentHealthEvent.
func AllHealthEvents() []AgentHealthEvent {
	return []AgentHealthEvent{HealthStarted, HealthCrashed, HealthHung, HealthStalled, HealthRecovered, HealthTerminated}
}

// ParseAgentHealthEvent accepts any letter case.
func ParseAgentHealthEvent(v string) (AgentHealthEvent, error) {
	e := AgentHealthEvent(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range AllHealthEvents() {
		if e == known {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown agent health event %q", v)
}

// CrashInfo describes an agent crash.
type CrashInfo struct {
	Agent     string
	Error     string
	ErrorType string
	Traceback string
	Stage     string
	CardID    string
	// Issue overrides keyword classification when set to a known issue type.
	Issue string
}

// TimeoutInfo describes a hung agent.
type TimeoutInfo struct {
	Stage          string
	CardID         string
	PID            int
	TimeoutSeconds float64
	ElapsedSeconds float64
}

// HealthEventData is the payload delivered to observers.
type HealthEventData struct {
	Agent     string
	Event     AgentHealthEvent
	Timestamp time.Time
	Message   string
	Crash     *CrashInfo
	Timeout   *TimeoutInfo
	// Context carries loosely-typed execution context from the reporting
	// agent. It is converted to a workflows.ActionContext on recovery.
	Context map[string]any
}

// AgentHealthObserver receives health events.
type AgentHealthObserver interface {
	OnAgentEvent(ctx context.Context, data HealthEventData)
}

// =============================================================================
// HealthMonitor
// =============================================================================

// HealthMonitor fans health events out to observers in registration order.
// A panicking observer is logged and does not stop delivery to the rest.
type HealthMonitor struct {
	observers []registeredObserver
	nextID    uint64
	logger    logging.Logger
	now       func() time.Time
	mu        sync.RWMutex
}

type registeredObserver struct {
	id       uint64
	observer AgentHealthObserver
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor(logger logging.Logger) *HealthMonitor {
	return &HealthMonitor{
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register adds an observer and returns a function that removes it.
func (m *HealthMonitor) Register(o AgentHealthObserver) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, registeredObserver{id: id, observer: o})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, r := range m.observers {
			if r.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// ObserverCount returns the number of registered observers.
func (m *HealthMonitor) ObserverCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// Notify delivers data to every observer synchronously.
func (m *HealthMonitor) Notify(ctx context.Context, data HealthEventData) {
	if data.Timestamp.IsZero() {
		data.Timestamp = m.now()
	}
	observability.RecordAgentHealthEvent(data.Agent, string(data.Event))
	m.logger.Debug("agent_health_event", "agent", data.Agent, "event", data.Event)

	m.mu.RLock()
	observers := make([]registeredObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, r := range observers {
		o := r.observer
		_ = safe.Execute(m.logger, "health_observer", func() error {
			o.OnAgentEvent(ctx, data)
			return nil
		})
	}
}

// Started, Crashed, Hung and friends are convenience wrappers around Notify.

// Started reports that agent began work.
func (m *HealthMonitor) Started(ctx context.Context, agent string) {
	m.Notify(ctx, HealthEventData{Agent: agent, Event: HealthStarted})
}

// Crashed reports a crash.
func (m *HealthMonitor) Crashed(ctx context.Context, crash CrashInfo, execCtx map[string]any) {
	m.Notify(ctx, HealthEventData{Agent: crash.Agent, Event: HealthCrashed, Message: crash.Error, Crash: &crash, Context: execCtx})
}

// Hung reports that agent exceeded its timeout.
func (m *HealthMonitor) Hung(ctx context.Context, agent string, timeout TimeoutInfo) {
	m.Notify(ctx, HealthEventData{Agent: agent, Event: HealthHung, Timeout: &timeout})
}
