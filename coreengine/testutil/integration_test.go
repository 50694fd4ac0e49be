package testutil_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/coreengine/pipeline"
	"github.com/redmage123/artemis/coreengine/state"
	"github.com/redmage123/artemis/coreengine/supervisor"
	"github.com/redmage123/artemis/coreengine/testutil"
	"github.com/redmage123/artemis/coreengine/twopass"
	"github.com/redmage123/artemis/coreengine/workflows"
	"github.com/redmage123/artemis/eventbus"
)

func noSleep(context.Context, time.Duration) error { return nil }

// =============================================================================
// PIPELINE + STATE MACHINE + SUPERVISOR
// =============================================================================

func TestPipelineFailureIsRecoveredBySupervisor(t *testing.T) {
	events := &testutil.RecordingObservable{}
	machine, err := testutil.NewRunningMachine("card-7", state.WithObservable(events))
	require.NoError(t, err)

	executor := testutil.NewMockStageExecutor().
		WithOutput("development", map[string]any{"files": []string{"app.py"}}).
		WithError("unit_tests", errors.New("AssertionError: expected 3"))
	engine := pipeline.NewExecutionEngine(executor,
		pipeline.WithStageTracker(machine),
		pipeline.WithEngineObservable(events),
	)

	pctx := pipeline.NewPipelineContext("card-7", pipeline.ComplexityModerate)
	results, err := engine.ExecuteStages(context.Background(),
		testutil.NewTestStages("development", "unit_tests", "integration"), pctx, pipeline.ModeSequential)
	require.NoError(t, err)

	assert.Equal(t, []string{"development", "unit_tests"}, executor.CalledStages(), "sequential runs stop at the first failure")
	assert.True(t, results["development"].IsSuccess())
	require.False(t, results["unit_tests"].IsSuccess())
	assert.Equal(t, []string{"app.py"}, executor.Calls[1].Input["files"], "later stages see earlier output")
	info, ok := machine.StageInfo("unit_tests")
	require.True(t, ok)
	assert.Equal(t, state.StageStateFailed, info.State)

	rerunner := testutil.NewMockStageRerunner()
	fixes := 0
	registry, err := testutil.SingleActionRegistry(workflows.IssueTestFailure, func(ctx context.Context, actx *workflows.ActionContext) error {
		fixes++
		return rerunner.RerunStage(ctx, actx.Card.CardID, actx.Stage.Name, 0)
	})
	require.NoError(t, err)

	sup := supervisor.NewSupervisor(registry, nil,
		supervisor.WithStateMachine(machine),
		supervisor.WithSupervisorObservable(events),
		supervisor.WithRecoveryRate(0, 0),
	)
	outcome, err := sup.RecoverCrashedAgent(context.Background(), supervisor.CrashInfo{
		Agent:  "developer",
		Error:  results["unit_tests"].ErrorMessage(),
		Stage:  "unit_tests",
		CardID: "card-7",
	}, nil)

	require.NoError(t, err)
	assert.True(t, outcome.Recovered)
	assert.Equal(t, workflows.IssueTestFailure, outcome.Issue)
	assert.Equal(t, 1, fixes)
	assert.Equal(t, []testutil.RerunCall{{CardID: "card-7", Stage: "unit_tests"}}, rerunner.Calls)
	assert.Equal(t, state.StateRunning, machine.CurrentState())
	assert.NotEmpty(t, events.OfType(eventbus.RecoveryCompleted))
	assert.NotEmpty(t, events.OfType(eventbus.StateTransition))
}

func TestParallelPipelineCollectsEveryResult(t *testing.T) {
	executor := testutil.NewMockStageExecutor().
		WithError("security_audit", errors.New("bandit crashed")).
		WithDelay(5 * time.Millisecond)
	engine := pipeline.NewExecutionEngine(executor,
		pipeline.WithParallelExecutor(pipeline.NewErrgroupExecutor(executor, 2, nil)),
	)

	results, err := engine.ExecuteStages(context.Background(),
		testutil.NewTestStages("code_review", "security_audit", "documentation"),
		pipeline.NewPipelineContext("card-8", pipeline.ComplexityComplex), pipeline.ModeParallel)

	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.True(t, results["code_review"].IsSuccess())
	assert.False(t, results["security_audit"].IsSuccess())
	assert.True(t, results["documentation"].IsSuccess(), "a failed sibling does not cancel the others")
	assert.ElementsMatch(t, []string{"code_review", "security_audit", "documentation"}, executor.CalledStages())
}

// =============================================================================
// HUNG AGENT
// =============================================================================

func TestHungAgentIsTerminatedAndRestarted(t *testing.T) {
	procs := testutil.NewMockProcessController(4242)
	rerunner := testutil.NewMockStageRerunner()
	restoration := supervisor.NewStateRestoration(
		supervisor.WithStageRerunner(rerunner),
		supervisor.WithProcessController(procs),
	)
	sup := supervisor.NewSupervisor(nil, restoration, supervisor.WithRecoveryRate(0, 0))
	observer := supervisor.NewSupervisorHealthObserver(sup)
	monitor := supervisor.NewHealthMonitor(nil)
	monitor.Register(observer)

	monitor.Hung(context.Background(), "developer", supervisor.TimeoutInfo{
		Stage: "development", CardID: "card-9", PID: 4242, TimeoutSeconds: 100,
	})

	assert.Equal(t, []int{4242}, procs.Terminated)
	assert.False(t, procs.Alive(4242))
	require.Len(t, rerunner.Calls, 1)
	assert.Equal(t, 150*time.Second, rerunner.Calls[0].Timeout)
	st, ok := observer.Status("developer")
	require.True(t, ok)
	assert.Equal(t, 1, st.Recoveries)
}

// =============================================================================
// DEFAULT WORKFLOWS WITH MOCK COLLABORATORS
// =============================================================================

func TestDefaultRegistryRunsLintWorkflow(t *testing.T) {
	commands := testutil.NewMockCommandRunner().WithOutput(workflows.CommandLintFix, "fixed 2 issues")
	handlers := workflows.DefaultHandlers(workflows.HandlerDeps{Commands: commands, Sleep: noSleep})
	registry := workflows.NewDefaultRegistry(handlers)
	sup := supervisor.NewSupervisor(registry, nil, supervisor.WithRecoveryRate(0, 0))

	outcome, err := sup.RecoverCrashedAgent(context.Background(), supervisor.CrashInfo{
		Agent: "code_review",
		Error: "flake8: E501 line too long",
		Issue: string(workflows.IssueLintingError),
		Stage: "code_review",
	}, &workflows.ActionContext{File: &workflows.FileContext{Path: "app.py"}})

	require.NoError(t, err)
	assert.True(t, outcome.Recovered, "outcome error: %v", outcome.Err)
	assert.Contains(t, commands.Names(), workflows.CommandLintFix)
}

// =============================================================================
// TWO-PASS
// =============================================================================

func newTwoPass(t *testing.T, runner *testutil.MockPassRunner, events eventbus.Observable) *twopass.TwoPassPipeline {
	t.Helper()
	strategies := twopass.DefaultStrategyRegistry()
	deps := twopass.StrategyDeps{Runner: runner, Observable: events}
	first, err := strategies.Create(twopass.FirstPassName, deps)
	require.NoError(t, err)
	second, err := strategies.Create(twopass.SecondPassName, deps)
	require.NoError(t, err)

	p, err := twopass.NewTwoPassPipeline(twopass.TwoPassPipelineConfig{
		First:      first,
		Second:     second,
		Observable: events,
		Retry:      twopass.NewRetryStrategy(twopass.DefaultRetryConfig(), nil, twopass.WithSleeper(noSleep)),
	})
	require.NoError(t, err)
	return p
}

func TestTwoPassRollsBackDegradedSecondPass(t *testing.T) {
	runner := testutil.NewMockPassRunner().
		WithQuality(twopass.FirstPassName, 0.8).
		WithQuality(twopass.SecondPassName, 0.5).
		WithTransientFailures(twopass.FirstPassName, 1)
	events := &testutil.RecordingObservable{}

	outcome, err := newTwoPass(t, runner, events).Run(context.Background(), twopass.PassInput{CardID: "card-10"})

	require.NoError(t, err)
	assert.Equal(t, 2, runner.CallCount(twopass.FirstPassName), "transient failure retried")
	assert.Equal(t, twopass.QualityDegraded, outcome.Classification)
	assert.True(t, outcome.RolledBack)
	assert.Same(t, outcome.FirstPass, outcome.Final)
	assert.NotEmpty(t, events.OfType(eventbus.RollbackInitiated))
	for _, c := range runner.Calls {
		assert.Equal(t, c.Pass == twopass.SecondPassName, c.HadFirst)
	}
}

func TestTwoPassKeepsImprovedSecondPass(t *testing.T) {
	runner := testutil.NewMockPassRunner().
		WithQuality(twopass.FirstPassName, 0.6).
		WithQuality(twopass.SecondPassName, 0.9)

	outcome, err := newTwoPass(t, runner, nil).Run(context.Background(), twopass.PassInput{CardID: "card-11"})

	require.NoError(t, err)
	assert.Equal(t, twopass.QualityImproved, outcome.Classification)
	assert.False(t, outcome.RolledBack)
	assert.Same(t, outcome.SecondPass, outcome.Final)
}

func TestTwoPassSecondPassFailureKeepsFirst(t *testing.T) {
	runner := testutil.NewMockPassRunner().WithError(twopass.SecondPassName, errors.New("model unavailable"))

	outcome, err := newTwoPass(t, runner, nil).Run(context.Background(), twopass.PassInput{CardID: "card-12"})

	require.NoError(t, err)
	assert.Error(t, outcome.SecondPassErr)
	assert.Same(t, outcome.FirstPass, outcome.Final)
}

// =============================================================================
// LOGGING
// =============================================================================

func TestObservedLoggerCapturesSupervisorDecisions(t *testing.T) {
	logger, logs := testutil.NewObservedLogger()
	registry, err := testutil.SingleActionRegistry(workflows.IssueTestFailure, func(context.Context, *workflows.ActionContext) error {
		return errors.New("still failing")
	})
	require.NoError(t, err)
	sup := supervisor.NewSupervisor(registry, nil, supervisor.WithSupervisorLogger(logger), supervisor.WithRecoveryRate(0, 0))

	outcome, err := sup.RecoverCrashedAgent(context.Background(), supervisor.CrashInfo{Agent: "qa", Error: "AssertionError"}, nil)

	require.NoError(t, err)
	assert.False(t, outcome.Recovered)
	assert.NotZero(t, logs.Len())
}
