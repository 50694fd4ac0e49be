package state

import (
	"slices"
	"sync"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/eventbus"
)

// PipelineStateMachine tracks one card's run: the validated current state,
// the state stack, per-stage records and health bookkeeping.
//
// Every mutation refreshes the snapshot and, when persistence is configured,
// saves it. Persistence failures are logged and never block a transition.
type PipelineStateMachine struct {
	cardID      string
	automaton   *PushdownAutomaton
	persistence *StatePersistence
	observable  eventbus.Observable
	logger      logging.Logger
	now         func() time.Time

	activeStage  string
	health       HealthStatus
	breakersOpen []string
	issues       []string
	stages       map[string]*StageStateInfo
	updatedAt    time.Time

	mu sync.Mutex
}

// MachineOption configures a PipelineStateMachine.
type MachineOption func(*PipelineStateMachine)

// WithPersistence saves a snapshot after every mutation.
func WithPersistence(p *StatePersistence) MachineOption {
	return func(m *PipelineStateMachine) { m.persistence = p }
}

// WithObservable emits state_transition and state_rolled_back events.
func WithObservable(o eventbus.Observable) MachineOption {
	return func(m *PipelineStateMachine) { m.observable = o }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) MachineOption {
	return func(m *PipelineStateMachine) { m.logger = logging.OrNop(l) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *PipelineStateMachine) { m.now = now }
}

// NewPipelineStateMachine creates a machine in StateIdle.
func NewPipelineStateMachine(cardID string, opts ...MachineOption) *PipelineStateMachine {
	m := &PipelineStateMachine{
		cardID: cardID,
		logger: logging.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		health: HealthHealthy,
		stages: make(map[string]*StageStateInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Bind("card_id", cardID)
	m.automaton = NewPushdownAutomaton(m.logger)
	m.automaton.now = m.now
	m.automaton.PushState(StateIdle, map[string]any{"reason": "initialized"})
	m.updatedAt = m.now()
	return m
}

// Resume restores the machine from its persisted snapshot.
// It returns false when persistence is not configured or nothing was saved.
func (m *PipelineStateMachine) Resume() bool {
	if m.persistence == nil {
		return false
	}
	snap, ok := m.persistence.LoadPipelineSnapshot()
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.activeStage = snap.ActiveStage
	m.health = snap.HealthStatus
	m.breakersOpen = append([]string{}, snap.CircuitBreakersOpen...)
	m.issues = append([]string{}, snap.ActiveIssues...)
	m.stages = make(map[string]*StageStateInfo, len(snap.Stages))
	for name, info := range snap.Stages {
		c := info.Copy()
		if c.StageName == "" {
			c.StageName = name
		}
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		m.stages[name] = &c
	}
	if m.health == "" {
		m.health = HealthHealthy
	}
	m.automaton.PushState(snap.State, map[string]any{"reason": "resumed", "snapshot_timestamp": snap.Timestamp.Format(time.RFC3339Nano)})
	m.updatedAt = m.now()
	m.logger.Info("state_machine_resumed", "state", snap.State, "stages", len(snap.Stages))
	return true
}

// =============================================================================
// Pipeline transitions
// =============================================================================

// CurrentState returns the state on top of the stack.
func (m *PipelineStateMachine) CurrentState() PipelineState {
	top, ok := m.automaton.PeekState()
	if !ok {
		return StateIdle
	}
	return top.State
}

// Transition moves the pipeline to state to.
// Invalid transitions return *TransitionError and change nothing.
func (m *PipelineStateMachine) Transition(to PipelineState, reason string) error {
	m.mu.Lock()
	from := m.CurrentState()
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("invalid_state_transition", "from", from, "to", to, "reason", reason)
		return &TransitionError{From: from, To: to}
	}

	m.automaton.PushState(to, map[string]any{"from": string(from), "reason": reason})
	if to == StateFailed {
		m.health = HealthFailed
	}
	m.updatedAt = m.now()
	m.persistLocked()
	m.mu.Unlock()

	observability.RecordStateTransition(string(from), string(to))
	m.logger.Info("state_transition", "from", from, "to", to, "reason", reason)
	eventbus.Emit(m.observable, eventbus.NewPipelineEvent(eventbus.StateTransition, m.ActiveStage(), m.cardID, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}))
	return nil
}

// Rollback returns the pipeline to the most recent stack entry in target.
// The path is ordered top-down and ends with the target entry.
func (m *PipelineStateMachine) Rollback(target PipelineState) ([]StackEntry, error) {
	m.mu.Lock()
	from := m.CurrentState()
	path, ok := m.automaton.RollbackToState(target)
	if !ok {
		m.mu.Unlock()
		return nil, &RollbackTargetError{Target: target}
	}
	m.updatedAt = m.now()
	m.persistLocked()
	m.mu.Unlock()

	observability.RecordStateTransition(string(from), string(target))
	eventbus.Emit(m.observable, eventbus.NewPipelineEvent(eventbus.StateRolledBack, "", m.cardID, map[string]any{
		"from":   string(from),
		"to":     string(target),
		"popped": len(path) - 1,
	}))
	return path, nil
}

// History returns a deep copy of the state stack, bottom first.
func (m *PipelineStateMachine) History() []StackEntry {
	return m.automaton.StackSnapshot()
}

// =============================================================================
// Stage tracking
// =============================================================================

// StartStage marks a stage running and makes it the active stage.
func (m *PipelineStateMachine) StartStage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.stageLocked(name)
	now := m.now()
	info.State = StageStateRunning
	info.StartTime = &now
	info.EndTime = nil
	info.ErrorMessage = ""
	m.activeStage = name
	m.touchLocked()
}

// CompleteStage marks a stage completed and records its duration.
func (m *PipelineStateMachine) CompleteStage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finishLocked(name, StageStateCompleted, "")
}

// FailStage marks a stage failed with message.
func (m *PipelineStateMachine) FailStage(name string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finishLocked(name, StageStateFailed, message)
}

// RetryStage marks a stage retrying and bumps its retry count.
func (m *PipelineStateMachine) RetryStage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.stageLocked(name)
	info.State = StageStateRetrying
	info.RetryCount++
	m.touchLocked()
}

// SkipStage marks a stage skipped.
func (m *PipelineStateMachine) SkipStage(name string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.stageLocked(name)
	info.State = StageStateSkipped
	if reason != "" {
		info.Metadata["skip_reason"] = reason
	}
	m.touchLocked()
}

// MarkStageRolledBack records that a stage's output was discarded.
func (m *PipelineStateMachine) MarkStageRolledBack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stageLocked(name).State = StageStateRolledBack
	m.touchLocked()
}

// SetStageMetadata stores key on the stage record.
func (m *PipelineStateMachine) SetStageMetadata(name, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stageLocked(name).Metadata[key] = value
	m.touchLocked()
}

// StageInfo returns a copy of a stage record.
func (m *PipelineStateMachine) StageInfo(name string) (StageStateInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.stages[name]
	if !ok {
		return StageStateInfo{}, false
	}
	return info.Copy(), true
}

// ActiveStage returns the most recently started stage.
func (m *PipelineStateMachine) ActiveStage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeStage
}

// =============================================================================
// Health bookkeeping
// =============================================================================

// SetHealthStatus records overall health.
func (m *PipelineStateMachine) SetHealthStatus(status HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health = status
	m.touchLocked()
}

// OpenCircuitBreaker records that a subsystem is disabled.
func (m *PipelineStateMachine) OpenCircuitBreaker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.breakersOpen, name) {
		m.breakersOpen = append(m.breakersOpen, name)
		m.touchLocked()
	}
}

// CloseCircuitBreaker clears a breaker.
func (m *PipelineStateMachine) CloseCircuitBreaker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := slices.Index(m.breakersOpen, name); i >= 0 {
		m.breakersOpen = slices.Delete(m.breakersOpen, i, i+1)
		m.touchLocked()
	}
}

// AddIssue records an active issue.
func (m *PipelineStateMachine) AddIssue(issue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.issues, issue) {
		m.issues = append(m.issues, issue)
		m.touchLocked()
	}
}

// ResolveIssue clears an active issue.
func (m *PipelineStateMachine) ResolveIssue(issue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := slices.Index(m.issues, issue); i >= 0 {
		m.issues = slices.Delete(m.issues, i, i+1)
		m.touchLocked()
	}
}

// Snapshot returns a deep copy of the current aggregate state.
func (m *PipelineStateMachine) Snapshot() *PipelineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// =============================================================================
// Internal helpers
// =============================================================================

func (m *PipelineStateMachine) stageLocked(name string) *StageStateInfo {
	info, ok := m.stages[name]
	if !ok {
		info = &StageStateInfo{
			StageName: name,
			State:     StageStatePending,
			Metadata:  map[string]any{},
		}
		m.stages[name] = info
	}
	if info.Metadata == nil {
		info.Metadata = map[string]any{}
	}
	return info
}

func (m *PipelineStateMachine) finishLocked(name string, st StageState, message string) {
	info := m.stageLocked(name)
	now := m.now()
	info.State = st
	info.EndTime = &now
	info.ErrorMessage = message
	if info.StartTime != nil {
		info.DurationSeconds = now.Sub(*info.StartTime).Seconds()
	}
	m.touchLocked()
}

func (m *PipelineStateMachine) touchLocked() {
	m.updatedAt = m.now()
	m.persistLocked()
}

func (m *PipelineStateMachine) snapshotLocked() *PipelineSnapshot {
	snap := &PipelineSnapshot{
		State:               m.CurrentState(),
		Timestamp:           m.updatedAt,
		CardID:              m.cardID,
		ActiveStage:         m.activeStage,
		HealthStatus:        m.health,
		CircuitBreakersOpen: append([]string{}, m.breakersOpen...),
		ActiveIssues:        append([]string{}, m.issues...),
		Stages:              make(map[string]StageStateInfo, len(m.stages)),
	}
	for name, info := range m.stages {
		snap.Stages[name] = info.Copy()
	}
	return snap
}

func (m *PipelineStateMachine) persistLocked() {
	if m.persistence == nil {
		return
	}
	if err := m.persistence.SaveSnapshot(m.snapshotLocked()); err != nil {
		m.logger.Warn("snapshot_save_failed", "error", err)
	}
}
