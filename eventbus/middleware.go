package eventbus

import (
	"github.com/redmage123/artemis/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs every event passing through the bus.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logging.OrNop(logger)}
}

// Before logs event receipt.
func (m *LoggingMiddleware) Before(event *PipelineEvent) (*PipelineEvent, error) {
	m.logger.Debug("pipeline_event",
		"event_type", event.EventType,
		"stage", event.StageName,
		"card_id", event.CardID,
	)
	return event, nil
}

// After logs subscriber failures.
func (m *LoggingMiddleware) After(event *PipelineEvent, err error) {
	if err != nil {
		m.logger.Warn("pipeline_event_delivery_failed",
			"event_type", event.EventType,
			"error", err,
		)
	}
}

// =============================================================================
// CARD FILTER MIDDLEWARE
// =============================================================================

// CardFilterMiddleware drops events that belong to other cards.
// Events without a card id always pass.
type CardFilterMiddleware struct {
	CardID string
}

// Before drops events for other cards.
func (m *CardFilterMiddleware) Before(event *PipelineEvent) (*PipelineEvent, error) {
	if event.CardID != "" && m.CardID != "" && event.CardID != m.CardID {
		return nil, nil
	}
	return event, nil
}

// After is a no-op.
func (m *CardFilterMiddleware) After(*PipelineEvent, error) {}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CardFilterMiddleware)(nil)
)
