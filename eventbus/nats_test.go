package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_Notify(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("artemis.events.rollback_completed", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	publisher := NewNATSPublisher(nc, "", nil)
	publisher.Notify(NewPipelineEvent(RollbackCompleted, "", "card-9", map[string]any{"reason": "degraded"}))

	select {
	case msg := <-ch:
		var event PipelineEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, RollbackCompleted, event.EventType)
		assert.Equal(t, "card-9", event.CardID)
		assert.Equal(t, "degraded", event.Data["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHealthSignals_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan HealthSignal, 1)
	sub, err := SubscribeHealth(nc, "", nil, func(s HealthSignal) { got <- s })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	// Malformed payloads are skipped.
	require.NoError(t, nc.Publish("artemis.health.broken", []byte("{not json")))
	require.NoError(t, PublishHealth(nc, "", HealthSignal{
		Agent:   "developer-a",
		Event:   "crashed",
		Message: "segfault",
	}))

	select {
	case s := <-got:
		assert.Equal(t, "developer-a", s.Agent)
		assert.Equal(t, "crashed", s.Event)
		assert.False(t, s.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for health signal")
	}
}
