package state

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/eventbus"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestPipelineStateMachine_InitialState(t *testing.T) {
	m := NewPipelineStateMachine("card-1")

	assert.Equal(t, StateIdle, m.CurrentState())
	assert.Len(t, m.History(), 1)

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "card-1", snap.CardID)
	assert.Equal(t, HealthHealthy, snap.HealthStatus)
	assert.Empty(t, snap.Stages)
}

func TestPipelineStateMachine_Transition(t *testing.T) {
	var events []eventbus.PipelineEvent
	m := NewPipelineStateMachine("card-1", WithObservable(eventbus.ObservableFunc(func(e eventbus.PipelineEvent) {
		events = append(events, e)
	})))

	require.NoError(t, m.Transition(StateRunning, "start"))
	require.NoError(t, m.Transition(StateRecovering, "crash"))

	assert.Equal(t, StateRecovering, m.CurrentState())
	assert.Len(t, m.History(), 3)

	require.Len(t, events, 2)
	assert.Equal(t, eventbus.StateTransition, events[1].EventType)
	assert.Equal(t, "running", events[1].Data["from"])
	assert.Equal(t, "recovering", events[1].Data["to"])
	assert.Equal(t, "crash", events[1].Data["reason"])
}

func TestPipelineStateMachine_InvalidTransition(t *testing.T) {
	m := NewPipelineStateMachine("card-1")

	err := m.Transition(StateCompleted, "skip ahead")

	var transitionErr *TransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, StateIdle, transitionErr.From)
	assert.Equal(t, StateCompleted, transitionErr.To)
	assert.Equal(t, StateIdle, m.CurrentState())
	assert.Len(t, m.History(), 1)
}

func TestPipelineStateMachine_FailedSetsHealth(t *testing.T) {
	m := NewPipelineStateMachine("card-1")
	require.NoError(t, m.Transition(StateRunning, ""))
	require.NoError(t, m.Transition(StateFailed, "unrecoverable"))
	assert.Equal(t, HealthFailed, m.Snapshot().HealthStatus)
}

func TestPipelineStateMachine_Rollback(t *testing.T) {
	var events []eventbus.PipelineEvent
	m := NewPipelineStateMachine("card-1", WithObservable(eventbus.ObservableFunc(func(e eventbus.PipelineEvent) {
		events = append(events, e)
	})))
	require.NoError(t, m.Transition(StateRunning, ""))
	require.NoError(t, m.Transition(StateDegraded, ""))
	require.NoError(t, m.Transition(StateRecovering, ""))

	path, err := m.Rollback(StateRunning)

	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, StateRunning, m.CurrentState())
	assert.Equal(t, eventbus.StateRolledBack, events[len(events)-1].EventType)

	_, err = m.Rollback(StatePaused)
	var targetErr *RollbackTargetError
	require.True(t, errors.As(err, &targetErr))
	assert.Equal(t, StateRunning, m.CurrentState())
}

func TestPipelineStateMachine_StageLifecycle(t *testing.T) {
	clock := newClock()
	m := NewPipelineStateMachine("card-1", WithClock(clock.now))

	m.StartStage("development")
	clock.advance(45 * time.Second)
	m.CompleteStage("development")

	m.StartStage("unit_tests")
	m.RetryStage("unit_tests")
	m.RetryStage("unit_tests")
	clock.advance(3 * time.Second)
	m.FailStage("unit_tests", "assertion failed")

	m.SkipStage("documentation", "simple project")
	m.SetStageMetadata("development", "commit", "abc123")

	dev, ok := m.StageInfo("development")
	require.True(t, ok)
	assert.Equal(t, StageStateCompleted, dev.State)
	assert.Equal(t, 45.0, dev.DurationSeconds)
	assert.Equal(t, "abc123", dev.Metadata["commit"])

	tests, ok := m.StageInfo("unit_tests")
	require.True(t, ok)
	assert.Equal(t, StageStateFailed, tests.State)
	assert.Equal(t, 2, tests.RetryCount)
	assert.Equal(t, "assertion failed", tests.ErrorMessage)
	assert.Equal(t, 3.0, tests.DurationSeconds)

	docs, _ := m.StageInfo("documentation")
	assert.Equal(t, StageStateSkipped, docs.State)
	assert.Equal(t, "simple project", docs.Metadata["skip_reason"])

	m.MarkStageRolledBack("development")
	dev, _ = m.StageInfo("development")
	assert.Equal(t, StageStateRolledBack, dev.State)

	assert.Equal(t, "unit_tests", m.ActiveStage())
	_, ok = m.StageInfo("missing")
	assert.False(t, ok)
}

func TestPipelineStateMachine_HealthBookkeeping(t *testing.T) {
	m := NewPipelineStateMachine("card-1")

	m.OpenCircuitBreaker("llm")
	m.OpenCircuitBreaker("llm")
	m.OpenCircuitBreaker("git")
	m.CloseCircuitBreaker("git")
	m.AddIssue("timeout")
	m.AddIssue("test_failure")
	m.ResolveIssue("timeout")
	m.SetHealthStatus(HealthDegraded)

	snap := m.Snapshot()
	assert.Equal(t, []string{"llm"}, snap.CircuitBreakersOpen)
	assert.Equal(t, []string{"test_failure"}, snap.ActiveIssues)
	assert.Equal(t, HealthDegraded, snap.HealthStatus)
}

func TestPipelineStateMachine_SnapshotIsCopy(t *testing.T) {
	m := NewPipelineStateMachine("card-1")
	m.StartStage("development")
	m.SetStageMetadata("development", "files", []any{"main.go"})

	snap := m.Snapshot()
	snap.Stages["development"].Metadata["files"] = "mutated"
	snap.ActiveIssues = append(snap.ActiveIssues, "x")

	info, _ := m.StageInfo("development")
	assert.Equal(t, []any{"main.go"}, info.Metadata["files"])
	assert.Empty(t, m.Snapshot().ActiveIssues)
}

func TestPipelineStateMachine_PersistsAndResumes(t *testing.T) {
	dir := t.TempDir()
	p := newPersistence(t, dir, "card-7")
	m := NewPipelineStateMachine("card-7", WithPersistence(p))

	require.NoError(t, m.Transition(StateRunning, "start"))
	m.StartStage("architecture")
	m.CompleteStage("architecture")
	m.AddIssue("llm_timeout")

	doc := p.LoadSnapshot()
	assert.Equal(t, "running", doc["state"])

	resumed := NewPipelineStateMachine("card-7", WithPersistence(newPersistence(t, dir, "card-7")))
	require.True(t, resumed.Resume())

	assert.Equal(t, StateRunning, resumed.CurrentState())
	info, ok := resumed.StageInfo("architecture")
	require.True(t, ok)
	assert.Equal(t, StageStateCompleted, info.State)
	assert.Equal(t, []string{"llm_timeout"}, resumed.Snapshot().ActiveIssues)

	// Without persistence there is nothing to resume.
	assert.False(t, NewPipelineStateMachine("card-8").Resume())
}

func TestPipelineStateMachine_ResumeWithoutStageMetadata(t *testing.T) {
	dir := t.TempDir()
	p := newPersistence(t, dir, "card-9")
	require.NoError(t, os.WriteFile(p.Path(),
		[]byte(`{"state":"running","stages":{"s":{"stage_name":"s","state":"running"},"t":{"state":"failed","metadata":null}}}`), 0o644))

	m := NewPipelineStateMachine("card-9", WithPersistence(p))
	require.True(t, m.Resume())

	assert.NotPanics(t, func() {
		m.SetStageMetadata("s", "k", "v")
		m.SkipStage("t", "flaky")
	})
	s, _ := m.StageInfo("s")
	assert.Equal(t, "v", s.Metadata["k"])
	tInfo, _ := m.StageInfo("t")
	assert.Equal(t, "t", tInfo.StageName)
	assert.Equal(t, "flaky", tInfo.Metadata["skip_reason"])
	assert.Equal(t, HealthHealthy, m.Snapshot().HealthStatus)
}
