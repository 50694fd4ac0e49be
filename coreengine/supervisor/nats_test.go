package supervisor

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/eventbus"
)

func TestHealthEventFromSignal(t *testing.T) {
	crashed, err := HealthEventFromSignal(eventbus.HealthSignal{
		Agent:   "developer",
		Event:   "crashed",
		Message: "tests failed",
		Data: map[string]any{
			"error_type": "AssertionError",
			"stage_name": "unit_tests",
			"card_id":    "card-1",
			"issue_type": "test_failure",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, HealthCrashed, crashed.Event)
	assert.Equal(t, &CrashInfo{
		Agent:     "developer",
		Error:     "tests failed",
		ErrorType: "AssertionError",
		Stage:     "unit_tests",
		CardID:    "card-1",
		Issue:     "test_failure",
	}, crashed.Crash)
	assert.Equal(t, "unit_tests", crashed.Context["stage_name"])

	hung, err := HealthEventFromSignal(eventbus.HealthSignal{
		Agent: "developer",
		Event: "HUNG",
		Data:  map[string]any{"pid": float64(42), "timeout_seconds": 120.0, "stage_name": "development"},
	})
	require.NoError(t, err)
	assert.Equal(t, TimeoutInfo{Stage: "development", PID: 42, TimeoutSeconds: 120}, *hung.Timeout)
	assert.Nil(t, hung.Crash)

	_, err = HealthEventFromSignal(eventbus.HealthSignal{Agent: "developer", Event: "melted"})
	assert.Error(t, err)
}

func TestIngestHealth(t *testing.T) {
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	conn, err := eventbus.Connect(server.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan HealthEventData, 4)
	monitor := NewHealthMonitor(nil)
	monitor.Register(observerFunc(func(_ context.Context, data HealthEventData) { received <- data }))

	sub, err := IngestHealth(context.Background(), conn, "", monitor, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, conn.Flush())

	require.NoError(t, eventbus.PublishHealth(conn, "", eventbus.HealthSignal{Agent: "developer", Event: "bogus"}))
	require.NoError(t, eventbus.PublishHealth(conn, "", eventbus.HealthSignal{Agent: "developer", Event: "hung", Data: map[string]any{"pid": 9}}))

	select {
	case data := <-received:
		assert.Equal(t, "developer", data.Agent)
		assert.Equal(t, HealthHung, data.Event)
		assert.Equal(t, 9, data.Timeout.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("health event not delivered")
	}
	assert.Empty(t, received, "invalid signals are dropped")
}

type observerFunc func(ctx context.Context, data HealthEventData)

func (f observerFunc) OnAgentEvent(ctx context.Context, data HealthEventData) { f(ctx, data) }
