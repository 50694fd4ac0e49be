package twopass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/eventbus"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestPipeline(t *testing.T, runner PassRunner, rec *recorder) *TwoPassPipeline {
	t.Helper()
	registry := DefaultStrategyRegistry()
	deps := StrategyDeps{Runner: runner, Observable: rec}
	first, err := registry.Create("first", deps)
	require.NoError(t, err)
	second, err := registry.Create("second", deps)
	require.NoError(t, err)

	p, err := NewTwoPassPipeline(TwoPassPipelineConfig{
		First:      first,
		Second:     second,
		Observable: rec,
		Retry:      NewRetryStrategy(RetryConfig{MaxRetries: 2}, nil, WithSleeper(noSleep)),
	})
	require.NoError(t, err)
	return p
}

func TestTwoPassPipeline_KeepsImprovedSecondPass(t *testing.T) {
	rec := &recorder{}
	runner := staticRunner(map[string]*PassResult{
		"first":  result("first", 0.60),
		"second": result("second", 0.75),
	})

	outcome, err := newTestPipeline(t, runner, rec).Run(context.Background(), PassInput{CardID: "card-1"})

	require.NoError(t, err)
	assert.Equal(t, "second", outcome.Final.PassName)
	assert.Equal(t, QualityImproved, outcome.Classification)
	assert.False(t, outcome.RolledBack)
	assert.Contains(t, rec.types(), eventbus.PassQualityImproved)
	assert.Equal(t, eventbus.TwoPassCompleted, rec.types()[len(rec.types())-1])
}

func TestTwoPassPipeline_RollsBackDegradedSecondPass(t *testing.T) {
	rec := &recorder{}
	runner := staticRunner(map[string]*PassResult{
		"first":  result("first", 0.80),
		"second": result("second", 0.65),
	})

	outcome, err := newTestPipeline(t, runner, rec).Run(context.Background(), PassInput{CardID: "card-1"})

	require.NoError(t, err)
	assert.Equal(t, "first", outcome.Final.PassName)
	assert.True(t, outcome.RolledBack)
	assert.Equal(t, QualityDegraded, outcome.Classification)
	for _, key := range []string{StateKeyArtifacts, StateKeyLearnings, StateKeyInsights} {
		assert.Contains(t, outcome.RestoredState, key)
	}
	assert.Contains(t, rec.types(), eventbus.RollbackCompleted)
}

func TestTwoPassPipeline_SmallDegradationKeepsSecondPass(t *testing.T) {
	runner := staticRunner(map[string]*PassResult{
		"first":  result("first", 0.80),
		"second": result("second", 0.75),
	})

	outcome, err := newTestPipeline(t, runner, &recorder{}).Run(context.Background(), PassInput{})

	require.NoError(t, err)
	assert.Equal(t, QualityDegraded, outcome.Classification)
	assert.False(t, outcome.RolledBack)
	assert.Equal(t, "second", outcome.Final.PassName)
}

func TestTwoPassPipeline_SecondPassFailureKeepsFirst(t *testing.T) {
	calls := map[string]int{}
	runner := PassRunnerFunc(func(_ context.Context, passName string, _ PassInput) (*PassResult, error) {
		calls[passName]++
		if passName == "second" {
			return nil, errors.New("llm unavailable")
		}
		return result("first", 0.7), nil
	})

	outcome, err := newTestPipeline(t, runner, &recorder{}).Run(context.Background(), PassInput{})

	require.NoError(t, err)
	assert.Equal(t, "first", outcome.Final.PassName)
	assert.Nil(t, outcome.SecondPass)
	assert.Nil(t, outcome.Delta)
	var pipelineErr *TwoPassPipelineError
	require.True(t, errors.As(outcome.SecondPassErr, &pipelineErr))
	assert.Equal(t, 1, calls["first"])
	assert.Equal(t, 3, calls["second"])
}

func TestTwoPassPipeline_FirstPassFailure(t *testing.T) {
	runner := PassRunnerFunc(func(context.Context, string, PassInput) (*PassResult, error) {
		return nil, errors.New("boom")
	})

	_, err := newTestPipeline(t, runner, &recorder{}).Run(context.Background(), PassInput{})

	var pipelineErr *TwoPassPipelineError
	require.True(t, errors.As(err, &pipelineErr))
	assert.Equal(t, "first_pass", pipelineErr.Operation)
	assert.Equal(t, 3, pipelineErr.Attempts)
}

func TestNewTwoPassPipeline_RequiresStrategies(t *testing.T) {
	_, err := NewTwoPassPipeline(TwoPassPipelineConfig{})
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
