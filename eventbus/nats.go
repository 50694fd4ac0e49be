package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/redmage123/artemis/coreengine/logging"
)

const (
	// DefaultEventSubject prefixes published pipeline events:
	//
	//	artemis.events.{event_type}
	DefaultEventSubject = "artemis.events"

	// DefaultHealthSubject prefixes agent health signals:
	//
	//	artemis.health.{agent}
	DefaultHealthSubject = "artemis.health"
)

// Connect dials NATS with the reconnect policy used by the serve command.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// =============================================================================
// EVENT PUBLISHER
// =============================================================================

// NATSPublisher is an Observable that forwards events to NATS as JSON.
// Publish failures are logged; the pipeline never blocks on the broker.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  logging.Logger
}

// NewNATSPublisher creates a publisher. An empty subject uses DefaultEventSubject.
func NewNATSPublisher(conn *nats.Conn, subject string, logger logging.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultEventSubject
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logging.OrNop(logger)}
}

// Notify implements Observable.
func (p *NATSPublisher) Notify(event PipelineEvent) {
	if err := p.Publish(event); err != nil {
		p.logger.Warn("nats_publish_failed", "event_type", event.EventType, "error", err)
	}
}

// Publish sends event to {subject}.{event_type}.
func (p *NATSPublisher) Publish(event PipelineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.subject + "." + string(event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// =============================================================================
// HEALTH SIGNALS
// =============================================================================

// HealthSignal is an agent lifecycle report received over NATS.
type HealthSignal struct {
	Agent     string         `json:"agent"`
	Event     string         `json:"event"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PublishHealth sends signal to {prefix}.{agent}.
func PublishHealth(conn *nats.Conn, prefix string, signal HealthSignal) error {
	if prefix == "" {
		prefix = DefaultHealthSubject
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal health signal: %w", err)
	}
	return conn.Publish(prefix+"."+signal.Agent, data)
}

// SubscribeHealth delivers every signal under {prefix}.> to fn.
// Malformed payloads are logged and skipped.
func SubscribeHealth(conn *nats.Conn, prefix string, logger logging.Logger, fn func(HealthSignal)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultHealthSubject
	}
	logger = logging.OrNop(logger)

	sub, err := conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var signal HealthSignal
		if err := json.Unmarshal(msg.Data, &signal); err != nil {
			logger.Warn("health_signal_malformed", "subject", msg.Subject, "error", err)
			return
		}
		fn(signal)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	return sub, nil
}

var _ Observable = (*NATSPublisher)(nil)
