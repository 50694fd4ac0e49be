// Package state implements the pipeline state machine.
//
// Key concepts:
//   - PipelineState: whole-pipeline lifecycle (IDLE -> RUNNING -> COMPLETED)
//   - StageStateInfo: per-stage record mutated while a stage runs
//   - PushdownAutomaton: explicit stack of states enabling rollback
//   - StatePersistence: JSON snapshots keyed by card id for crash recovery
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
)

// =============================================================================
// Pipeline States
// =============================================================================

// PipelineState represents the lifecycle state of a pipeline run.
// State transitions:
//
//	IDLE -> INITIALIZING -> RUNNING -> (DEGRADED | RECOVERING | ROLLING_BACK | PAUSED)
//	RUNNING -> (COMPLETED | FAILED | ABORTED)
//	RECOVERING -> RUNNING (on successful recovery)
//	COMPLETED | FAILED | ABORTED -> IDLE (on reset)
type PipelineState string

const (
	// StateIdle indicates no run is in progress.
	StateIdle PipelineState = "idle"
	// StateInitializing indicates the run is being prepared.
	StateInitializing PipelineState = "initializing"
	// StateRunning indicates stages are executing normally.
	StateRunning PipelineState = "running"
	// StateDegraded indicates the run continues with reduced capability.
	StateDegraded PipelineState = "degraded"
	// StateRecovering indicates a recovery workflow is in progress.
	StateRecovering PipelineState = "recovering"
	// StateRollingBack indicates the pipeline is backtracking to an earlier state.
	StateRollingBack PipelineState = "rolling_back"
	// StatePaused indicates execution is suspended.
	StatePaused PipelineState = "paused"
	// StateCompleted indicates every stage finished.
	StateCompleted PipelineState = "completed"
	// StateFailed indicates the run stopped on an unrecovered failure.
	StateFailed PipelineState = "failed"
	// StateAborted indicates the run was cancelled.
	StateAborted PipelineState = "aborted"
)

// IsTerminal returns true if the run has ended.
func (s PipelineState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// IsValid reports whether s is a known state.
func (s PipelineState) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// ParsePipelineState accepts any letter case.
func ParsePipelineState(v string) (PipelineState, error) {
	s := PipelineState(strings.ToLower(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown pipeline state %q", v)
	}
	return s, nil
}

// IsActive returns true while stages may still run.
func (s PipelineState) IsActive() bool {
	switch s {
	case StateRunning, StateDegraded, StateRecovering, StateRollingBack:
		return true
	default:
		return false
	}
}

// validTransitions defines allowed pipeline state transitions.
var validTransitions = map[PipelineState]map[PipelineState]bool{
	StateIdle: {
		StateInitializing: true,
		StateRunning:      true,
		StateAborted:      true,
	},
	StateInitializing: {
		StateRunning: true,
		StateFailed:  true,
		StateAborted: true,
	},
	StateRunning: {
		StateDegraded:    true,
		StateRecovering:  true,
		StateRollingBack: true,
		StatePaused:      true,
		StateCompleted:   true,
		StateFailed:      true,
		StateAborted:     true,
	},
	StateDegraded: {
		StateRunning:    true,
		StateRecovering: true,
		StateCompleted:  true,
		StateFailed:     true,
		StateAborted:    true,
	},
	StateRecovering: {
		StateRunning:  true,
		StateDegraded: true,
		StateFailed:   true,
		StateAborted:  true,
	},
	StateRollingBack: {
		StateRunning:  true,
		StateDegraded: true,
		StateFailed:   true,
	},
	StatePaused: {
		StateRunning: true,
		StateAborted: true,
	},
	StateCompleted: {
		StateIdle: true,
	},
	StateFailed: {
		StateRecovering: true, // Supervisor may still rescue a failed run
		StateIdle:       true,
	},
	StateAborted: {
		StateIdle: true,
	},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to PipelineState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// AllPipelineStates lists every pipeline state.
func AllPipelineStates() []PipelineState {
	return []PipelineState{
		StateIdle, StateInitializing, StateRunning, StateDegraded, StateRecovering,
		StateRollingBack, StatePaused, StateCompleted, StateFailed, StateAborted,
	}
}

// =============================================================================
// Stage States
// =============================================================================

// StageState represents the lifecycle state of a single stage.
type StageState string

const (
	StageStatePending    StageState = "pending"
	StageStateRunning    StageState = "running"
	StageStateCompleted  StageState = "completed"
	StageStateFailed     StageState = "failed"
	StageStateSkipped    StageState = "skipped"
	StageStateRetrying   StageState = "retrying"
	StageStateRolledBack StageState = "rolled_back"
)

// =============================================================================
// Health
// =============================================================================

// HealthStatus summarises pipeline health for the snapshot.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthFailed   HealthStatus = "failed"
)

// =============================================================================
// Records
// =============================================================================

// StageStateInfo is the per-stage record.
type StageStateInfo struct {
	StageName       string         `json:"stage_name"`
	State           StageState     `json:"state"`
	StartTime       *time.Time     `json:"start_time"`
	EndTime         *time.Time     `json:"end_time"`
	DurationSeconds float64        `json:"duration_seconds"`
	RetryCount      int            `json:"retry_count"`
	ErrorMessage    string         `json:"error_message"`
	Metadata        map[string]any `json:"metadata"`
}

// Copy returns a deep copy of the record.
func (s StageStateInfo) Copy() StageStateInfo {
	out := s
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	out.Metadata = copyMap(s.Metadata)
	return out
}

// PipelineSnapshot is the persisted aggregate of pipeline state.
type PipelineSnapshot struct {
	State               PipelineState             `json:"state"`
	Timestamp           time.Time                 `json:"timestamp"`
	CardID              string                    `json:"card_id"`
	ActiveStage         string                    `json:"active_stage"`
	HealthStatus        HealthStatus              `json:"health_status"`
	CircuitBreakersOpen []string                  `json:"circuit_breakers_open"`
	ActiveIssues        []string                  `json:"active_issues"`
	Stages              map[string]StageStateInfo `json:"stages"`
}

// Copy returns a deep copy of the snapshot.
func (s *PipelineSnapshot) Copy() *PipelineSnapshot {
	out := *s
	out.CircuitBreakersOpen = append([]string{}, s.CircuitBreakersOpen...)
	out.ActiveIssues = append([]string{}, s.ActiveIssues...)
	out.Stages = make(map[string]StageStateInfo, len(s.Stages))
	for name, info := range s.Stages {
		out.Stages[name] = info.Copy()
	}
	return &out
}

// StackEntry is one element of the pushdown automaton stack.
type StackEntry struct {
	State     PipelineState  `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

func (e StackEntry) copy() StackEntry {
	e.Context = copyMap(e.Context)
	return e
}

// copyMap deep-copies m. Values copystructure cannot walk are kept shallow.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup, err := copystructure.Copy(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return dup.(map[string]any)
}
