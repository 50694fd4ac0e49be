package twopass

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/eventbus"
)

func staticRunner(results map[string]*PassResult) PassRunnerFunc {
	return func(_ context.Context, passName string, _ PassInput) (*PassResult, error) {
		r, ok := results[passName]
		if !ok {
			return nil, errors.New("no result for " + passName)
		}
		return r, nil
	}
}

func TestDefaultStrategyRegistry(t *testing.T) {
	r := DefaultStrategyRegistry()

	assert.Equal(t, []string{"FirstPass", "SecondPass", "first", "second"}, r.List())
	assert.True(t, r.Has("first"))
	assert.True(t, r.Has("SecondPass"))
	assert.False(t, r.Has("third"))

	deps := StrategyDeps{Runner: staticRunner(nil)}
	for name, want := range map[string]string{"first": FirstPassName, "FirstPass": FirstPassName, "second": SecondPassName, "SecondPass": SecondPassName} {
		s, err := r.Create(name, deps)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
}

func TestStrategyRegistry_UnknownName(t *testing.T) {
	r := DefaultStrategyRegistry()

	s, err := r.Create("third", StrategyDeps{Runner: staticRunner(nil)})

	assert.Nil(t, s)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "third", cfgErr.Key)
	assert.Equal(t, r.List(), cfgErr.Available)
	assert.Contains(t, err.Error(), "available: FirstPass, SecondPass, first, second")
}

func TestStrategyRegistry_Register(t *testing.T) {
	r := NewStrategyRegistry()

	assert.Error(t, r.Register("", NewFirstPassStrategy))
	assert.Error(t, r.Register("custom", nil))
	require.NoError(t, r.Register("custom", NewFirstPassStrategy))
	assert.Error(t, r.Register("custom", NewSecondPassStrategy))
	assert.Equal(t, []string{"custom"}, r.List())

	// Separate registries do not share registrations.
	assert.False(t, DefaultStrategyRegistry().Has("custom"))
}

func TestStrategyRegistry_RequiresRunner(t *testing.T) {
	_, err := DefaultStrategyRegistry().Create("first", StrategyDeps{})
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestFirstPassStrategy_Execute(t *testing.T) {
	rec := &recorder{}
	runner := staticRunner(map[string]*PassResult{
		"first": {Success: true, QualityScore: 0.6},
	})
	s := NewFirstPassStrategy(StrategyDeps{Runner: runner, Observable: rec, Verbose: true})

	r, err := s.Execute(context.Background(), PassInput{CardID: "card-1"})

	require.NoError(t, err)
	assert.Equal(t, "first", r.PassName)
	assert.False(t, r.Timestamp.IsZero())
	assert.Equal(t, []eventbus.EventType{eventbus.FirstPassStarted, eventbus.FirstPassCompleted}, rec.types())
	assert.Equal(t, "card-1", rec.events[0].CardID)
}

func TestFirstPassStrategy_UnsuccessfulResult(t *testing.T) {
	rec := &recorder{}
	runner := staticRunner(map[string]*PassResult{
		"first": {Success: false},
	})
	s := NewFirstPassStrategy(StrategyDeps{Runner: runner, Observable: rec})

	_, err := s.Execute(context.Background(), PassInput{})

	var failed *PassFailedError
	require.True(t, errors.As(err, &failed))
	assert.True(t, failed.IsRecoverable())
	assert.Equal(t, []eventbus.EventType{eventbus.FirstPassStarted, eventbus.FirstPassFailed}, rec.types())
}

func TestSecondPassStrategy_ForwardsFirstPass(t *testing.T) {
	var seen PassInput
	runner := PassRunnerFunc(func(_ context.Context, passName string, input PassInput) (*PassResult, error) {
		seen = input
		return &PassResult{Success: true, QualityScore: 0.9}, nil
	})
	s := NewSecondPassStrategy(StrategyDeps{Runner: runner})
	first := result("first", 0.6)

	r, err := s.Execute(context.Background(), PassInput{Task: map[string]any{"goal": "api"}, FirstPass: first})

	require.NoError(t, err)
	assert.Equal(t, "second", r.PassName)
	assert.Equal(t, "api", seen.Task["goal"])
	assert.Equal(t, []string{"use table tests"}, seen.Task["first_pass_learnings"])
	assert.Equal(t, map[string]any{"risk": "low"}, seen.Task["first_pass_insights"])
	assert.Equal(t, 0.6, seen.Task["first_pass_quality"])
}

func TestSecondPassStrategy_RequiresFirstPass(t *testing.T) {
	s := NewSecondPassStrategy(StrategyDeps{Runner: staticRunner(nil)})
	_, err := s.Execute(context.Background(), PassInput{})
	assert.Error(t, err)
}
