package pipeline

import (
	"slices"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
)

// ResourceConstraints bound a run. Zero values mean unconstrained.
type ResourceConstraints struct {
	TimeBudget time.Duration
	MaxStages  int
}

// SelectionContext is the input selectors decide on.
type SelectionContext struct {
	Complexity ProjectComplexity
	Resources  *ResourceConstraints
}

// StageSelector chooses the stages to run. Implementations return a subset of
// stages in input order.
type StageSelector interface {
	SelectStages(stages []Stage, sc SelectionContext) []Stage
}

// =============================================================================
// ComplexityBasedSelector
// =============================================================================

var (
	simpleCategories = []StageCategory{
		CategoryRequirements, CategoryDevelopment, CategoryUnitTests, CategoryIntegration,
	}
	moderateCategories = append(slices.Clone(simpleCategories),
		CategoryArchitecture, CategoryDependencies, CategoryCodeReview, CategoryValidation,
	)
	complexCategories = append(slices.Clone(moderateCategories),
		CategoryProjectAnalysis, CategorySecurityAudit, CategoryUAT, CategoryDocumentation,
	)
)

// complexityCategories maps each level to its allowed categories. A nil entry
// keeps every stage.
var complexityCategories = map[ProjectComplexity][]StageCategory{
	ComplexitySimple:     simpleCategories,
	ComplexityModerate:   moderateCategories,
	ComplexityComplex:    complexCategories,
	ComplexityEnterprise: nil,
}

// ComplexityBasedSelector keeps the stages whose category fits the project's
// complexity. Unknown complexity falls back to moderate.
type ComplexityBasedSelector struct {
	logger logging.Logger
}

// NewComplexityBasedSelector creates a ComplexityBasedSelector.
func NewComplexityBasedSelector(logger logging.Logger) *ComplexityBasedSelector {
	return &ComplexityBasedSelector{logger: logging.OrNop(logger)}
}

// SelectStages implements StageSelector.
func (s *ComplexityBasedSelector) SelectStages(stages []Stage, sc SelectionContext) []Stage {
	complexity, ok := ParseComplexity(string(sc.Complexity))
	if !ok {
		s.logger.Warn("unknown_complexity", "complexity", sc.Complexity, "fallback", ComplexityModerate)
		complexity = ComplexityModerate
	}

	allowed := complexityCategories[complexity]
	if allowed == nil {
		return slices.Clone(stages)
	}

	selected := make([]Stage, 0, len(stages))
	for _, stage := range stages {
		if slices.Contains(allowed, stage.EffectiveCategory()) {
			selected = append(selected, stage)
		}
	}
	s.logger.Debug("stages_selected",
		"complexity", complexity,
		"available", len(stages),
		"selected", len(selected),
	)
	return selected
}

// =============================================================================
// ResourceBasedSelector
// =============================================================================

// ResourceBasedSelector fits stages into a time budget and stage count.
// Critical stages are always kept, even past the budget.
type ResourceBasedSelector struct {
	logger logging.Logger
}

// NewResourceBasedSelector creates a ResourceBasedSelector.
func NewResourceBasedSelector(logger logging.Logger) *ResourceBasedSelector {
	return &ResourceBasedSelector{logger: logging.OrNop(logger)}
}

// SelectStages implements StageSelector.
func (s *ResourceBasedSelector) SelectStages(stages []Stage, sc SelectionContext) []Stage {
	r := sc.Resources
	if r == nil || (r.TimeBudget <= 0 && r.MaxStages <= 0) {
		return slices.Clone(stages)
	}

	keep := make([]bool, len(stages))
	var used time.Duration
	count := 0
	for i, stage := range stages {
		if stage.Critical {
			keep[i] = true
			used += stage.EstimatedDuration
			count++
		}
	}

	for i, stage := range stages {
		if stage.Critical {
			continue
		}
		if r.MaxStages > 0 && count >= r.MaxStages {
			break
		}
		if r.TimeBudget > 0 && used+stage.EstimatedDuration > r.TimeBudget {
			continue
		}
		keep[i] = true
		used += stage.EstimatedDuration
		count++
	}

	selected := make([]Stage, 0, count)
	for i, stage := range stages {
		if keep[i] {
			selected = append(selected, stage)
		}
	}
	if len(selected) < len(stages) {
		s.logger.Info("stages_dropped_for_resources",
			"dropped", len(stages)-len(selected),
			"time_budget", r.TimeBudget.String(),
			"max_stages", r.MaxStages,
		)
	}
	return selected
}

// =============================================================================
// ManualSelector
// =============================================================================

// ManualSelector keeps exactly the named stages. Unknown names are ignored.
type ManualSelector struct {
	names []string
}

// NewManualSelector creates a ManualSelector for names.
func NewManualSelector(names ...string) *ManualSelector {
	return &ManualSelector{names: slices.Clone(names)}
}

// SelectStages implements StageSelector.
func (s *ManualSelector) SelectStages(stages []Stage, _ SelectionContext) []Stage {
	selected := make([]Stage, 0, len(s.names))
	for _, stage := range stages {
		if slices.Contains(s.names, stage.Name) {
			selected = append(selected, stage)
		}
	}
	return selected
}
