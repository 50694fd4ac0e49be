package supervisor

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/typeutil"
	"github.com/redmage123/artemis/eventbus"
)

// HealthEventFromSignal converts a NATS health signal. Crash and timeout
// details are read from signal.Data; the whole of Data becomes the
// execution context.
func HealthEventFromSignal(signal eventbus.HealthSignal) (HealthEventData, error) {
	event, err := ParseAgentHealthEvent(signal.Event)
	if err != nil {
		return HealthEventData{}, err
	}
	data := HealthEventData{
		Agent:     signal.Agent,
		Event:     event,
		Timestamp: signal.Timestamp,
		Message:   signal.Message,
		Context:   signal.Data,
	}

	d := signal.Data
	switch event {
	case HealthCrashed:
		data.Crash = &CrashInfo{
			Agent:     signal.Agent,
			Error:     typeutil.StringOr(d, "error", signal.Message),
			ErrorType: typeutil.StringOr(d, "error_type", ""),
			Traceback: typeutil.StringOr(d, "traceback", ""),
			Stage:     typeutil.StringOr(d, "stage_name", ""),
			CardID:    typeutil.StringOr(d, "card_id", ""),
			Issue:     typeutil.StringOr(d, "issue_type", ""),
		}
	case HealthHung:
		pid, _ := typeutil.Int(d, "pid")
		data.Timeout = &TimeoutInfo{
			Stage:          typeutil.StringOr(d, "stage_name", ""),
			CardID:         typeutil.StringOr(d, "card_id", ""),
			PID:            pid,
			TimeoutSeconds: typeutil.FloatOr(d, "timeout_seconds", 0),
			ElapsedSeconds: typeutil.FloatOr(d, "elapsed_seconds", 0),
		}
	}
	return data, nil
}

// IngestHealth subscribes to {prefix}.> and forwards every valid signal to
// monitor. Signals with unknown events are logged and dropped.
func IngestHealth(ctx context.Context, conn *nats.Conn, prefix string, monitor *HealthMonitor, logger logging.Logger) (*nats.Subscription, error) {
	logger = logging.OrNop(logger)
	return eventbus.SubscribeHealth(conn, prefix, logger, func(signal eventbus.HealthSignal) {
		data, err := HealthEventFromSignal(signal)
		if err != nil {
			logger.Warn("health_signal_rejected", "agent", signal.Agent, "event", signal.Event, "error", err)
			return
		}
		monitor.Notify(ctx, data)
	})
}
