// Package testutil provides shared mocks and fixtures for tests that wire
// several coreengine packages together.
//
// Every mock records its calls under a mutex and is safe for use from the
// parallel executor.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/pipeline"
	"github.com/redmage123/artemis/coreengine/state"
	"github.com/redmage123/artemis/coreengine/twopass"
	"github.com/redmage123/artemis/coreengine/workflows"
	"github.com/redmage123/artemis/eventbus"
)

// =============================================================================
// MOCK STAGE EXECUTOR
// =============================================================================

// MockStageExecutor implements pipeline.StageExecutor.
type MockStageExecutor struct {
	// Outputs maps stage names to the data their result carries.
	Outputs map[string]map[string]any

	// Errors maps stage names to the failure they report.
	Errors map[string]error

	// Delay simulates stage latency.
	Delay time.Duration

	// Calls records all calls for assertion.
	Calls []StageCall

	mu sync.Mutex
}

// StageCall records a single stage execution.
type StageCall struct {
	Stage  string
	Input  map[string]any
	CardID string
}

// NewMockStageExecutor creates an executor where every stage succeeds.
func NewMockStageExecutor() *MockStageExecutor {
	return &MockStageExecutor{
		Outputs: make(map[string]map[string]any),
		Errors:  make(map[string]error),
	}
}

// ExecuteStage implements pipeline.StageExecutor. A configured error becomes
// a failed result rather than an error return.
func (m *MockStageExecutor) ExecuteStage(ctx context.Context, stage pipeline.Stage, input map[string]any, cardID string) (*pipeline.StageResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, StageCall{Stage: stage.Name, Input: input, CardID: cardID})
	err := m.Errors[stage.Name]
	out, ok := m.Outputs[stage.Name]
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return &pipeline.StageResult{StageName: stage.Name, Err: err}, nil
	}
	if !ok {
		out = map[string]any{stage.Name + "_done": true}
	}
	return &pipeline.StageResult{StageName: stage.Name, Success: true, Data: out}, nil
}

// WithOutput sets the data a stage returns.
func (m *MockStageExecutor) WithOutput(stage string, data map[string]any) *MockStageExecutor {
	m.Outputs[stage] = data
	return m
}

// WithError makes a stage fail.
func (m *MockStageExecutor) WithError(stage string, err error) *MockStageExecutor {
	m.Errors[stage] = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockStageExecutor) WithDelay(d time.Duration) *MockStageExecutor {
	m.Delay = d
	return m
}

// CalledStages returns stage names in call order.
func (m *MockStageExecutor) CalledStages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Stage
	}
	return out
}

// Reset clears call history.
func (m *MockStageExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// =============================================================================
// MOCK PASS RUNNER
// =============================================================================

// ErrTransientPass is returned by MockPassRunner for scripted transient failures.
var ErrTransientPass = &twopass.PassFailedError{PassName: "mock"}

// MockPassRunner implements twopass.PassRunner.
type MockPassRunner struct {
	// Quality maps pass names to the quality score reported.
	Quality map[string]float64

	// Errors maps pass names to a permanent error.
	Errors map[string]error

	// Transient maps pass names to the number of recoverable failures before
	// the pass succeeds.
	Transient map[string]int

	Calls []PassCall

	mu sync.Mutex
}

// PassCall records a single pass.
type PassCall struct {
	Pass      string
	CardID    string
	HadFirst  bool
	Attempted time.Time
}

// NewMockPassRunner creates a runner reporting quality 0.8 for every pass.
func NewMockPassRunner() *MockPassRunner {
	return &MockPassRunner{
		Quality:   make(map[string]float64),
		Errors:    make(map[string]error),
		Transient: make(map[string]int),
	}
}

// RunPass implements twopass.PassRunner.
func (m *MockPassRunner) RunPass(_ context.Context, passName string, input twopass.PassInput) (*twopass.PassResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, PassCall{Pass: passName, CardID: input.CardID, HadFirst: input.FirstPass != nil, Attempted: time.Now()})

	if err, ok := m.Errors[passName]; ok {
		return nil, err
	}
	if m.Transient[passName] > 0 {
		m.Transient[passName]--
		return nil, ErrTransientPass
	}

	quality, ok := m.Quality[passName]
	if !ok {
		quality = 0.8
	}
	return &twopass.PassResult{
		PassName:     passName,
		Success:      true,
		QualityScore: quality,
		Artifacts:    map[string]any{"pass": passName},
		Insights:     map[string]any{},
		Metadata:     map[string]any{},
	}, nil
}

// WithQuality sets the quality a pass reports.
func (m *MockPassRunner) WithQuality(pass string, q float64) *MockPassRunner {
	m.Quality[pass] = q
	return m
}

// WithError makes a pass fail permanently.
func (m *MockPassRunner) WithError(pass string, err error) *MockPassRunner {
	m.Errors[pass] = err
	return m
}

// WithTransientFailures makes a pass fail n times before succeeding.
func (m *MockPassRunner) WithTransientFailures(pass string, n int) *MockPassRunner {
	m.Transient[pass] = n
	return m
}

// CallCount returns how often pass ran.
func (m *MockPassRunner) CallCount(pass string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Pass == pass {
			n++
		}
	}
	return n
}

// =============================================================================
// MOCK PROCESS CONTROLLER
// =============================================================================

// MockProcessController implements workflows.ProcessController over a set of
// fake PIDs.
type MockProcessController struct {
	// Running holds live PIDs. Terminate removes them.
	Running map[int]bool

	// Errors maps PIDs to a termination failure.
	Errors map[int]error

	Terminated []int

	mu sync.Mutex
}

// NewMockProcessController creates a controller with pids running.
func NewMockProcessController(pids ...int) *MockProcessController {
	m := &MockProcessController{Running: make(map[int]bool), Errors: make(map[int]error)}
	for _, pid := range pids {
		m.Running[pid] = true
	}
	return m
}

// Terminate implements workflows.ProcessController.
func (m *MockProcessController) Terminate(_ context.Context, pid int, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Errors[pid]; ok {
		return err
	}
	if !m.Running[pid] {
		return workflows.ErrProcessNotFound
	}
	delete(m.Running, pid)
	m.Terminated = append(m.Terminated, pid)
	return nil
}

// Alive implements workflows.ProcessController.
func (m *MockProcessController) Alive(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Running[pid]
}

// =============================================================================
// MOCK COMMAND RUNNER
// =============================================================================

// MockCommandRunner implements workflows.CommandRunner.
type MockCommandRunner struct {
	Outputs map[string]string
	Errors  map[string]error
	Calls   []CommandCall

	mu sync.Mutex
}

// CommandCall records a single command.
type CommandCall struct {
	Name string
	Args []string
}

// NewMockCommandRunner creates a runner where every command succeeds silently.
func NewMockCommandRunner() *MockCommandRunner {
	return &MockCommandRunner{Outputs: make(map[string]string), Errors: make(map[string]error)}
}

// Run implements workflows.CommandRunner.
func (m *MockCommandRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, CommandCall{Name: name, Args: args})
	return m.Outputs[name], m.Errors[name]
}

// WithOutput sets the output of a command.
func (m *MockCommandRunner) WithOutput(name, out string) *MockCommandRunner {
	m.Outputs[name] = out
	return m
}

// WithError makes a command fail.
func (m *MockCommandRunner) WithError(name string, err error) *MockCommandRunner {
	m.Errors[name] = err
	return m
}

// Names returns the commands run, in order.
func (m *MockCommandRunner) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Name
	}
	return out
}

// =============================================================================
// MOCK STAGE RERUNNER
// =============================================================================

// MockStageRerunner implements workflows.StageRerunner.
type MockStageRerunner struct {
	Errors map[string]error
	Calls  []RerunCall

	mu sync.Mutex
}

// RerunCall records a single rerun request.
type RerunCall struct {
	CardID  string
	Stage   string
	Timeout time.Duration
}

// NewMockStageRerunner creates a rerunner that accepts every request.
func NewMockStageRerunner() *MockStageRerunner {
	return &MockStageRerunner{Errors: make(map[string]error)}
}

// RerunStage implements workflows.StageRerunner.
func (m *MockStageRerunner) RerunStage(_ context.Context, cardID, stage string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RerunCall{CardID: cardID, Stage: stage, Timeout: timeout})
	return m.Errors[stage]
}

// =============================================================================
// RECORDING OBSERVABLE
// =============================================================================

// RecordingObservable implements eventbus.Observable and keeps every event.
type RecordingObservable struct {
	mu     sync.Mutex
	events []eventbus.PipelineEvent
}

// Notify implements eventbus.Observable.
func (r *RecordingObservable) Notify(e eventbus.PipelineEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *RecordingObservable) Events() []eventbus.PipelineEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.PipelineEvent(nil), r.events...)
}

// Types returns recorded event types in order.
func (r *RecordingObservable) Types() []eventbus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// OfType returns the recorded events of type t.
func (r *RecordingObservable) OfType(t eventbus.EventType) []eventbus.PipelineEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.PipelineEvent
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops recorded events.
func (r *RecordingObservable) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// =============================================================================
// LOGGING
// =============================================================================

// NewObservedLogger returns a debug-level logger whose entries can be
// asserted through the returned logs.
func NewObservedLogger() (logging.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logging.FromZap(zap.New(core)), logs
}

// =============================================================================
// FIXTURES
// =============================================================================

// NewTestStages returns uncritical stages whose category equals their name.
func NewTestStages(names ...string) []pipeline.Stage {
	stages := make([]pipeline.Stage, len(names))
	for i, name := range names {
		stages[i] = pipeline.Stage{Name: name, Category: pipeline.StageCategory(name)}
	}
	return stages
}

// NewRunningMachine returns a state machine already in the running state.
func NewRunningMachine(cardID string, opts ...state.MachineOption) (*state.PipelineStateMachine, error) {
	m := state.NewPipelineStateMachine(cardID, opts...)
	if err := m.Transition(state.StateRunning, "test start"); err != nil {
		return nil, fmt.Errorf("start machine: %w", err)
	}
	return m, nil
}

// SingleActionRegistry returns a registry with one workflow for issue whose
// only action calls fn.
func SingleActionRegistry(issue workflows.IssueType, fn func(context.Context, *workflows.ActionContext) error) (*workflows.Registry, error) {
	r := workflows.NewRegistry()
	err := r.Register(&workflows.Workflow{
		Name:         string(issue) + "_recovery",
		IssueType:    issue,
		Actions:      []workflows.WorkflowAction{{Name: "act", Handler: workflows.HandlerFunc{HandlerName: "act", Fn: fn}}},
		SuccessState: state.StateRunning,
		FailureState: state.StateFailed,
	})
	if err != nil {
		return nil, fmt.Errorf("register test workflow: %w", err)
	}
	return r, nil
}
