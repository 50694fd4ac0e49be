// Package pipeline implements the dynamic pipeline: per-run context with
// result caching, the execution engine (sequential fail-fast or parallel) and
// the stage selectors that decide which stages run.
package pipeline

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// Stage categories
// =============================================================================

// StageCategory tags what a stage does. Selectors match categories exactly.
type StageCategory string

const (
	CategoryRequirements    StageCategory = "requirements"
	CategoryDevelopment     StageCategory = "development"
	CategoryUnitTests       StageCategory = "unit_tests"
	CategoryIntegration     StageCategory = "integration"
	CategoryArchitecture    StageCategory = "architecture"
	CategoryDependencies    StageCategory = "dependencies"
	CategoryCodeReview      StageCategory = "code_review"
	CategoryValidation      StageCategory = "validation"
	CategoryProjectAnalysis StageCategory = "project_analysis"
	CategorySecurityAudit   StageCategory = "security_audit"
	CategoryUAT             StageCategory = "uat"
	CategoryDocumentation   StageCategory = "documentation"
)

// =============================================================================
// Stage and result
// =============================================================================

// Stage is one unit of pipeline work.
type Stage struct {
	Name string `json:"name" yaml:"name"`
	// Category tags the stage for selectors. When empty the lower-cased
	// name is used as the category.
	Category          StageCategory  `json:"category,omitempty" yaml:"category,omitempty"`
	Critical          bool           `json:"critical,omitempty" yaml:"critical,omitempty"`
	EstimatedDuration time.Duration  `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EffectiveCategory returns Category, or the lower-cased name when untagged.
func (s Stage) EffectiveCategory() StageCategory {
	if s.Category != "" {
		return s.Category
	}
	return StageCategory(strings.ToLower(s.Name))
}

// StageResult is the outcome of executing one stage.
type StageResult struct {
	StageName string
	Success   bool
	Data      map[string]any
	Err       error
	Duration  time.Duration
	// Cached is true when the result came from the context cache.
	Cached bool
}

// IsSuccess reports whether the stage succeeded.
func (r *StageResult) IsSuccess() bool {
	return r != nil && r.Success
}

// ErrorMessage returns the failure text, or "" on success.
func (r *StageResult) ErrorMessage() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// =============================================================================
// Collaborators
// =============================================================================

// ExecutionMode selects how ExecuteStages runs stages.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// StageExecutor runs a single stage against a copy of the context map.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, stage Stage, input map[string]any, cardID string) (*StageResult, error)
}

// StageExecutorFunc adapts a function to StageExecutor.
type StageExecutorFunc func(ctx context.Context, stage Stage, input map[string]any, cardID string) (*StageResult, error)

// ExecuteStage implements StageExecutor.
func (f StageExecutorFunc) ExecuteStage(ctx context.Context, stage Stage, input map[string]any, cardID string) (*StageResult, error) {
	return f(ctx, stage, input, cardID)
}

// ParallelStageExecutor runs a batch of stages concurrently and returns one
// result per stage keyed by name. It owns its own synchronization.
type ParallelStageExecutor interface {
	ExecuteParallel(ctx context.Context, stages []Stage, input map[string]any, cardID string) (map[string]*StageResult, error)
}

// StageTracker observes stage lifecycle. Implemented by state.PipelineStateMachine.
type StageTracker interface {
	StartStage(name string)
	CompleteStage(name string)
	FailStage(name string, message string)
}
