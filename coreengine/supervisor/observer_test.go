package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/coreengine/workflows"
)

type fakeRecoverer struct {
	mu        sync.Mutex
	crashes   []CrashInfo
	contexts  []*workflows.ActionContext
	hangs     []TimeoutInfo
	recovered bool
	err       error
}

func (f *fakeRecoverer) RecoverCrashedAgent(_ context.Context, crash CrashInfo, actx *workflows.ActionContext) (*RecoveryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashes = append(f.crashes, crash)
	f.contexts = append(f.contexts, actx)
	if f.err != nil {
		return nil, f.err
	}
	return &RecoveryOutcome{Agent: crash.Agent, Recovered: f.recovered}, nil
}

func (f *fakeRecoverer) RecoverHungAgent(_ context.Context, agent string, timeout TimeoutInfo) (*RecoveryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangs = append(f.hangs, timeout)
	return &RecoveryOutcome{Agent: agent, Recovered: f.recovered}, f.err
}

type fakeReporter struct {
	mu      sync.Mutex
	health  map[string]bool
	cleared []string
}

func (f *fakeReporter) SetAgentHealth(agent string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == nil {
		f.health = map[string]bool{}
	}
	f.health[agent] = healthy
}

func (f *fakeReporter) ClearAgent(agent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.health, agent)
	f.cleared = append(f.cleared, agent)
}

func TestObserver_StartedTracksAgent(t *testing.T) {
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(&fakeRecoverer{}, WithHealthReporter(reporter))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthStarted, Timestamp: at})

	st, ok := o.Status("developer")
	require.True(t, ok)
	assert.Equal(t, at, st.StartedAt)
	assert.Equal(t, at, st.LastActivity)
	assert.True(t, reporter.health["developer"])
}

func TestObserver_CrashedDelegatesToRecoverer(t *testing.T) {
	rec := &fakeRecoverer{recovered: true}
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(rec, WithHealthReporter(reporter))

	o.OnAgentEvent(context.Background(), HealthEventData{
		Agent:   "developer",
		Event:   HealthCrashed,
		Crash:   &CrashInfo{Error: "AssertionError", Stage: "unit_tests"},
		Context: map[string]any{"file_path": "app.py"},
	})

	require.Len(t, rec.crashes, 1)
	assert.Equal(t, "developer", rec.crashes[0].Agent)
	assert.Equal(t, "unit_tests", rec.crashes[0].Stage)
	assert.Equal(t, "app.py", rec.contexts[0].File.Path)
	assert.True(t, reporter.health["developer"], "recovered agents report healthy")

	st, _ := o.Status("developer")
	assert.Equal(t, 1, st.Recoveries)
}

func TestObserver_CrashWithoutDetailsUsesMessage(t *testing.T) {
	rec := &fakeRecoverer{}
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(rec, WithHealthReporter(reporter))

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "qa", Event: HealthCrashed, Message: "boom"})

	require.Len(t, rec.crashes, 1)
	assert.Equal(t, CrashInfo{Agent: "qa", Error: "boom"}, rec.crashes[0])
	assert.Nil(t, rec.contexts[0])
	assert.False(t, reporter.health["qa"])
}

func TestObserver_RecoveryErrorLeavesAgentUnhealthy(t *testing.T) {
	rec := &fakeRecoverer{err: ErrCircuitOpen}
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(rec, WithHealthReporter(reporter))

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "qa", Event: HealthCrashed})

	assert.False(t, reporter.health["qa"])
	st, _ := o.Status("qa")
	assert.Equal(t, 0, st.Recoveries)
}

func TestObserver_HungDelegatesToRecoverer(t *testing.T) {
	rec := &fakeRecoverer{recovered: true}
	o := NewSupervisorHealthObserver(rec)

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthHung, Timeout: &TimeoutInfo{PID: 7, TimeoutSeconds: 60}})
	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthHung})

	assert.Equal(t, []TimeoutInfo{{PID: 7, TimeoutSeconds: 60}, {}}, rec.hangs)
}

func TestObserver_StalledIsAdvisory(t *testing.T) {
	rec := &fakeRecoverer{}
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(rec, WithHealthReporter(reporter))

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthStalled})

	assert.Empty(t, rec.crashes)
	assert.Empty(t, rec.hangs)
	assert.Empty(t, reporter.health)
	st, ok := o.Status("developer")
	require.True(t, ok)
	assert.Equal(t, HealthStalled, st.LastEvent)
}

func TestObserver_RecoveredUpdatesActivity(t *testing.T) {
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(nil, WithHealthReporter(reporter))
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Minute)

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthStarted, Timestamp: first})
	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthRecovered, Timestamp: later})

	st, _ := o.Status("developer")
	assert.Equal(t, first, st.StartedAt)
	assert.Equal(t, later, st.LastActivity)
	assert.True(t, reporter.health["developer"])
}

func TestObserver_TerminatedClearsTracking(t *testing.T) {
	reporter := &fakeReporter{}
	o := NewSupervisorHealthObserver(nil, WithHealthReporter(reporter))

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthStarted})
	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "qa", Event: HealthStarted})
	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthTerminated})

	_, ok := o.Status("developer")
	assert.False(t, ok)
	assert.Equal(t, []string{"qa"}, o.TrackedAgents())
	assert.Equal(t, []string{"developer"}, reporter.cleared)
}

func TestObserver_IgnoresUnknownAndAnonymousEvents(t *testing.T) {
	rec := &fakeRecoverer{}
	o := NewSupervisorHealthObserver(rec)

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: "exploded"})
	o.OnAgentEvent(context.Background(), HealthEventData{Event: HealthCrashed})

	assert.Empty(t, o.TrackedAgents())
	assert.Empty(t, rec.crashes)
}

func TestObserver_NoRecovererOnlyTracks(t *testing.T) {
	o := NewSupervisorHealthObserver(nil)

	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthCrashed})
	o.OnAgentEvent(context.Background(), HealthEventData{Agent: "developer", Event: HealthHung})

	st, ok := o.Status("developer")
	require.True(t, ok)
	assert.Equal(t, HealthHung, st.LastEvent)
}

// =============================================================================
// HealthMonitor
// =============================================================================

type recordingObserver struct {
	mu     sync.Mutex
	events []HealthEventData
}

func (r *recordingObserver) OnAgentEvent(_ context.Context, data HealthEventData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, data)
}

type panickingObserver struct{}

func (panickingObserver) OnAgentEvent(context.Context, HealthEventData) { panic("observer bug") }

func TestHealthMonitor_FansOut(t *testing.T) {
	m := NewHealthMonitor(nil)
	first := &recordingObserver{}
	second := &recordingObserver{}
	m.Register(first)
	m.Register(panickingObserver{})
	m.Register(second)

	m.Started(context.Background(), "developer")
	m.Crashed(context.Background(), CrashInfo{Agent: "developer", Error: "boom"}, map[string]any{"stage_name": "dev"})
	m.Hung(context.Background(), "qa", TimeoutInfo{PID: 3})

	require.Len(t, second.events, 3, "a panicking observer does not block later ones")
	assert.Equal(t, first.events, second.events)
	assert.Equal(t, HealthStarted, first.events[0].Event)
	assert.False(t, first.events[0].Timestamp.IsZero())
	assert.Equal(t, "boom", first.events[1].Crash.Error)
	assert.Equal(t, "boom", first.events[1].Message)
	assert.Equal(t, "dev", first.events[1].Context["stage_name"])
	assert.Equal(t, 3, first.events[2].Timeout.PID)
}

func TestHealthMonitor_Unregister(t *testing.T) {
	m := NewHealthMonitor(nil)
	obs := &recordingObserver{}
	unregister := m.Register(obs)
	m.Register(&recordingObserver{})
	require.Equal(t, 2, m.ObserverCount())

	unregister()
	unregister()
	m.Started(context.Background(), "developer")

	assert.Equal(t, 1, m.ObserverCount())
	assert.Empty(t, obs.events)
}

func TestHealthMonitor_DrivesSupervisor(t *testing.T) {
	registry, calls := testFailureRegistry(t, nil)
	s := NewSupervisor(registry, nil)
	o := NewSupervisorHealthObserver(s)
	m := NewHealthMonitor(nil)
	m.Register(o)

	m.Crashed(context.Background(), testCrash, nil)

	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, s.Stats().Recovered)
}

func TestParseAgentHealthEvent(t *testing.T) {
	e, err := ParseAgentHealthEvent(" CRASHED ")
	require.NoError(t, err)
	assert.Equal(t, HealthCrashed, e)

	_, err = ParseAgentHealthEvent("sleepy")
	assert.Error(t, err)
}
