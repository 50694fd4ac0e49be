// Package eventbus provides pipeline event definitions and the in-process
// observable used by the recovery core.
//
// Every emitting component (comparator, rollback manager, strategies,
// execution engine, state machine, supervisor) takes an optional Observable.
// A nil Observable is a no-op, never an error.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a pipeline event.
type EventType string

// =============================================================================
// TWO-PASS EVENTS
// =============================================================================

const (
	PassComparisonStarted EventType = "pass_comparison_started"
	PassQualityImproved   EventType = "pass_quality_improved"
	PassQualityDegraded   EventType = "pass_quality_degraded"
	PassQualityUnchanged  EventType = "pass_quality_unchanged"

	RollbackInitiated EventType = "rollback_initiated"
	RollbackCompleted EventType = "rollback_completed"
	RollbackFailed    EventType = "rollback_failed"

	FirstPassStarted    EventType = "first_pass_started"
	FirstPassCompleted  EventType = "first_pass_completed"
	FirstPassFailed     EventType = "first_pass_failed"
	SecondPassStarted   EventType = "second_pass_started"
	SecondPassCompleted EventType = "second_pass_completed"
	SecondPassFailed    EventType = "second_pass_failed"

	TwoPassCompleted EventType = "two_pass_completed"
)

// =============================================================================
// STAGE AND STATE EVENTS
// =============================================================================

const (
	StageStarted   EventType = "stage_started"
	StageCompleted EventType = "stage_completed"
	StageFailed    EventType = "stage_failed"
	StageCacheHit  EventType = "stage_cache_hit"

	StateTransition EventType = "state_transition"
	StateRolledBack EventType = "state_rolled_back"
)

// =============================================================================
// SUPERVISOR EVENTS
// =============================================================================

const (
	RecoveryStarted   EventType = "recovery_started"
	RecoveryCompleted EventType = "recovery_completed"
	RecoveryFailed    EventType = "recovery_failed"
	RecoveryThrottled EventType = "recovery_throttled"

	WorkflowStarted   EventType = "workflow_started"
	WorkflowCompleted EventType = "workflow_completed"
	WorkflowFailed    EventType = "workflow_failed"

	CircuitBreakerOpened EventType = "circuit_breaker_opened"
	CircuitBreakerClosed EventType = "circuit_breaker_closed"
)

// PipelineEvent is the unit published to observers.
type PipelineEvent struct {
	ID        string         `json:"id"`
	EventType EventType      `json:"event_type"`
	StageName string         `json:"stage_name,omitempty"`
	CardID    string         `json:"card_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewPipelineEvent creates an event stamped with a fresh id and the current time.
func NewPipelineEvent(eventType EventType, stageName, cardID string, data map[string]any) PipelineEvent {
	return PipelineEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		StageName: stageName,
		CardID:    cardID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
