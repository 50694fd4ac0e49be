package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerunRequester(t *testing.T) {
	bus := NewBus(nil)
	var got []PipelineEvent
	bus.Subscribe(StageRerunRequested, func(e PipelineEvent) error {
		got = append(got, e)
		return nil
	})
	r := NewRerunRequester(bus)

	require.NoError(t, r.RerunStage(context.Background(), "card-3", "unit_tests", 90*time.Second))
	require.NoError(t, r.RerunStage(context.Background(), "card-3", "development", 0))

	require.Len(t, got, 2)
	assert.Equal(t, "unit_tests", got[0].StageName)
	assert.Equal(t, "card-3", got[0].CardID)
	assert.Equal(t, 90.0, got[0].Data["timeout_seconds"])
	assert.NotContains(t, got[1].Data, "timeout_seconds")
}

func TestRerunRequester_Errors(t *testing.T) {
	assert.Error(t, NewRerunRequester(nil).RerunStage(context.Background(), "c", "s", 0))
	assert.Error(t, NewRerunRequester(NewBus(nil)).RerunStage(context.Background(), "c", "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewRerunRequester(NewBus(nil)).RerunStage(ctx, "c", "s", 0), context.Canceled)
}
