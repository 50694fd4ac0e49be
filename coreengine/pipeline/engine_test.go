package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/coreengine/safe"
	"github.com/redmage123/artemis/eventbus"
)

// scriptedExecutor fails or panics on configured stages and counts calls.
type scriptedExecutor struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]bool
	panics map[string]bool
	inputs map[string]map[string]any
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		calls:  map[string]int{},
		fail:   map[string]bool{},
		panics: map[string]bool{},
		inputs: map[string]map[string]any{},
	}
}

func (x *scriptedExecutor) ExecuteStage(_ context.Context, stage Stage, input map[string]any, _ string) (*StageResult, error) {
	x.mu.Lock()
	x.calls[stage.Name]++
	x.inputs[stage.Name] = input
	fail, panics := x.fail[stage.Name], x.panics[stage.Name]
	x.mu.Unlock()

	if panics {
		panic("stage exploded")
	}
	if fail {
		return &StageResult{StageName: stage.Name, Success: false, Err: errors.New("stage failed")}, nil
	}
	return &StageResult{
		StageName: stage.Name,
		Success:   true,
		Data:      map[string]any{stage.Name + "_done": true},
	}, nil
}

func (x *scriptedExecutor) count(name string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[name]
}

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.PipelineEvent
}

func (l *eventLog) Notify(e eventbus.PipelineEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t eventbus.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type trackerCalls struct {
	started, completed []string
	failed             map[string]string
}

func (t *trackerCalls) StartStage(name string)    { t.started = append(t.started, name) }
func (t *trackerCalls) CompleteStage(name string) { t.completed = append(t.completed, name) }
func (t *trackerCalls) FailStage(name, msg string) {
	if t.failed == nil {
		t.failed = map[string]string{}
	}
	t.failed[name] = msg
}

func threeStages() []Stage {
	return []Stage{{Name: "a"}, {Name: "b"}, {Name: "c"}}
}

func TestExecutionEngine_SequentialFailFast(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["b"] = true
	tracker := &trackerCalls{}
	engine := NewExecutionEngine(exec, WithStageTracker(tracker))
	pctx := NewPipelineContext("card-1", ComplexitySimple)

	results, err := engine.ExecuteStages(context.Background(), threeStages(), pctx, ModeSequential)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results["a"].IsSuccess())
	assert.False(t, results["b"].IsSuccess())
	assert.NotContains(t, results, "c")
	assert.Equal(t, 0, exec.count("c"))

	assert.Equal(t, []string{"a", "b"}, tracker.started)
	assert.Equal(t, []string{"a"}, tracker.completed)
	assert.Equal(t, "stage failed", tracker.failed["b"])

	assert.Equal(t, true, pctx.Data["a_done"])
	_, cached := pctx.GetCachedResult("b")
	assert.False(t, cached)
}

func TestExecutionEngine_PassesAccumulatedContext(t *testing.T) {
	exec := newScriptedExecutor()
	engine := NewExecutionEngine(exec)
	pctx := NewPipelineContext("card-1", ComplexitySimple)

	_, err := engine.ExecuteStages(context.Background(), threeStages(), pctx, ModeSequential)

	require.NoError(t, err)
	assert.Equal(t, true, exec.inputs["b"]["a_done"])
	assert.Equal(t, true, exec.inputs["c"]["b_done"])
	assert.Equal(t, "card-1", exec.inputs["a"]["card_id"])
}

func TestExecutionEngine_CacheHitSkipsExecution(t *testing.T) {
	exec := newScriptedExecutor()
	events := &eventLog{}
	engine := NewExecutionEngine(exec, WithEngineObservable(events))
	pctx := NewPipelineContext("card-1", ComplexitySimple)

	_, err := engine.ExecuteStages(context.Background(), threeStages(), pctx, ModeSequential)
	require.NoError(t, err)
	results, err := engine.ExecuteStages(context.Background(), threeStages(), pctx, ModeSequential)
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, exec.count(name), name)
		assert.True(t, results[name].IsSuccess())
		assert.True(t, results[name].Cached, name)
		stored, _ := pctx.GetCachedResult(name)
		assert.False(t, stored.Cached, "the cached entry itself is left untouched")
	}
	assert.Equal(t, 3, events.count(eventbus.StageCacheHit))
	assert.Equal(t, 3, events.count(eventbus.StageCompleted))
}

func TestExecutionEngine_PanicBecomesFailedResult(t *testing.T) {
	exec := newScriptedExecutor()
	exec.panics["a"] = true
	events := &eventLog{}
	engine := NewExecutionEngine(exec, WithEngineObservable(events))

	results, err := engine.ExecuteStages(context.Background(), threeStages(), NewPipelineContext("card-1", ""), ModeSequential)

	require.NoError(t, err)
	require.Len(t, results, 1)
	var panicErr *safe.PanicError
	assert.True(t, errors.As(results["a"].Err, &panicErr))
	assert.Equal(t, 1, events.count(eventbus.StageFailed))
}

func TestExecutionEngine_NilResultIsFailure(t *testing.T) {
	exec := StageExecutorFunc(func(context.Context, Stage, map[string]any, string) (*StageResult, error) {
		return nil, nil
	})
	engine := NewExecutionEngine(exec)

	results, err := engine.ExecuteStages(context.Background(), threeStages(), NewPipelineContext("card-1", ""), ModeSequential)

	require.NoError(t, err)
	assert.ErrorIs(t, results["a"].Err, ErrNilResult)
	assert.Len(t, results, 1)
}

func TestExecutionEngine_CanceledContext(t *testing.T) {
	exec := newScriptedExecutor()
	engine := NewExecutionEngine(exec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := engine.ExecuteStages(ctx, threeStages(), NewPipelineContext("card-1", ""), ModeSequential)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Equal(t, 0, exec.count("a"))
}

func TestExecutionEngine_ParallelWithoutExecutorFallsBack(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["a"] = true
	engine := NewExecutionEngine(exec)

	results, err := engine.ExecuteStages(context.Background(), threeStages(), NewPipelineContext("card-1", ""), ModeParallel)

	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 0, exec.count("b"))
}

func TestExecutionEngine_ParallelDelegates(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["b"] = true
	tracker := &trackerCalls{}
	engine := NewExecutionEngine(exec,
		WithParallelExecutor(NewErrgroupExecutor(exec, 2, nil)),
		WithStageTracker(tracker),
	)
	pctx := NewPipelineContext("card-1", ComplexitySimple)

	results, err := engine.ExecuteStages(context.Background(), threeStages(), pctx, ModeParallel)

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results["a"].IsSuccess())
	assert.False(t, results["b"].IsSuccess())
	assert.True(t, results["c"].IsSuccess())
	assert.Equal(t, []string{"a", "c"}, tracker.completed)
	assert.Contains(t, tracker.failed, "b")
	assert.Equal(t, true, pctx.Data["c_done"])
}

type partialParallel struct{}

func (partialParallel) ExecuteParallel(_ context.Context, stages []Stage, _ map[string]any, _ string) (map[string]*StageResult, error) {
	return map[string]*StageResult{
		stages[0].Name: {StageName: stages[0].Name, Success: true},
	}, nil
}

func TestExecutionEngine_ParallelMissingResult(t *testing.T) {
	engine := NewExecutionEngine(newScriptedExecutor(), WithParallelExecutor(partialParallel{}))

	results, err := engine.ExecuteStages(context.Background(), threeStages(), NewPipelineContext("card-1", ""), ModeParallel)

	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b"`)
	assert.Len(t, results, 1)
}
