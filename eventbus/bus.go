package eventbus

import (
	"sync"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/safe"
)

// Bus is an in-process Observable that fans events out to subscribers.
//
// Delivery is synchronous and in subscription order, matching the
// single-threaded recovery core. A failing or panicking subscriber is logged
// and does not stop delivery to the others.
//
// Usage:
//
//	bus := NewBus(logger)
//	unsubscribe := bus.Subscribe(PassQualityDegraded, alertHandler)
//	defer unsubscribe()
//	comparator := twopass.NewPassComparator(bus, logger)
type Bus struct {
	subscribers map[EventType][]subscription
	wildcard    []subscription
	middleware  []Middleware
	nextID      uint64
	logger      logging.Logger
	mu          sync.RWMutex
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// NewBus creates an empty bus. A nil logger discards bus diagnostics.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]subscription),
		logger:      logging.OrNop(logger),
	}
}

// =============================================================================
// PUBLISHING
// =============================================================================

// Notify implements Observable.
func (b *Bus) Notify(event PipelineEvent) {
	_ = b.Publish(event)
}

// Publish delivers event to type subscribers, then wildcard subscribers.
// It returns the middleware error, if any; subscriber errors are logged only.
func (b *Bus) Publish(event PipelineEvent) error {
	processed, err := b.runBefore(&event)
	if err != nil {
		b.logger.Warn("event_rejected", "event_type", event.EventType, "error", err)
		return err
	}
	if processed == nil {
		b.logger.Debug("event_dropped", "event_type", event.EventType)
		return nil
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subscribers[processed.EventType])+len(b.wildcard))
	targets = append(targets, b.subscribers[processed.EventType]...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range targets {
		handler := sub.handler
		deliverErr := safe.Execute(b.logger, "event_subscriber", func() error {
			return handler(*processed)
		})
		if deliverErr != nil {
			b.logger.Warn("event_subscriber_failed",
				"event_type", processed.EventType,
				"subscription", sub.id,
				"error", deliverErr,
			)
			if firstErr == nil {
				firstErr = deliverErr
			}
		}
	}

	b.runAfter(processed, firstErr)
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe registers handler for one event type.
// The returned function removes the subscription.
func (b *Bus) Subscribe(eventType EventType, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = removeSubscription(b.subscribers[eventType], id)
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeSubscription(b.wildcard, id)
	}
}

// Use appends middleware. Before hooks run in registration order, After hooks
// in reverse.
func (b *Bus) Use(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// SubscriberCount returns the number of subscribers for eventType,
// not counting wildcard subscribers.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func removeSubscription(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func (b *Bus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

func (b *Bus) runBefore(event *PipelineEvent) (*PipelineEvent, error) {
	current := event
	for _, mw := range b.middlewareSnapshot() {
		next, err := mw.Before(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func (b *Bus) runAfter(event *PipelineEvent, err error) {
	mws := b.middlewareSnapshot()
	for i := len(mws) - 1; i >= 0; i-- {
		mws[i].After(event, err)
	}
}

var _ Observable = (*Bus)(nil)
