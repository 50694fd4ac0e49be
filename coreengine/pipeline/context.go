package pipeline

import (
	"slices"
	"strings"

	"github.com/mitchellh/copystructure"
)

// ProjectComplexity drives ComplexityBasedSelector.
type ProjectComplexity string

const (
	ComplexitySimple     ProjectComplexity = "simple"
	ComplexityModerate   ProjectComplexity = "moderate"
	ComplexityComplex    ProjectComplexity = "complex"
	ComplexityEnterprise ProjectComplexity = "enterprise"
)

// ParseComplexity accepts any letter case. ok is false for unknown values.
func ParseComplexity(s string) (c ProjectComplexity, ok bool) {
	switch c := ProjectComplexity(strings.ToLower(strings.TrimSpace(s))); c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityEnterprise:
		return c, true
	default:
		return "", false
	}
}

// RouterGuidance is advice from the routing agent about this run.
type RouterGuidance struct {
	SkipStages     []string `json:"skip_stages,omitempty"`
	PriorityStages []string `json:"priority_stages,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// PipelineContext holds per-run state: card, complexity, router guidance,
// accumulated stage data and the result cache.
//
// PipelineContext is not safe for concurrent use. It is owned by the
// ExecutionEngine running it; parallel executors receive copies via ToMap.
type PipelineContext struct {
	CardID     string
	Complexity ProjectComplexity
	Guidance   RouterGuidance
	Data       map[string]any

	resultCache map[string]*StageResult
}

// NewPipelineContext creates an empty context for a card.
func NewPipelineContext(cardID string, complexity ProjectComplexity) *PipelineContext {
	return &PipelineContext{
		CardID:      cardID,
		Complexity:  complexity,
		Data:        make(map[string]any),
		resultCache: make(map[string]*StageResult),
	}
}

// GetCachedResult returns the cached result for a stage.
func (c *PipelineContext) GetCachedResult(stageName string) (*StageResult, bool) {
	r, ok := c.resultCache[stageName]
	return r, ok
}

// CacheResult stores a successful result. Failed results are never cached.
func (c *PipelineContext) CacheResult(result *StageResult) {
	if !result.IsSuccess() {
		return
	}
	if c.resultCache == nil {
		c.resultCache = make(map[string]*StageResult)
	}
	c.resultCache[result.StageName] = result
}

// InvalidateCache drops cached results for the named stages, or all when none given.
func (c *PipelineContext) InvalidateCache(stageNames ...string) {
	if len(stageNames) == 0 {
		c.resultCache = make(map[string]*StageResult)
		return
	}
	for _, name := range stageNames {
		delete(c.resultCache, name)
	}
}

// UpdateFromResult merges a successful result's data into the context.
func (c *PipelineContext) UpdateFromResult(result *StageResult) {
	if !result.IsSuccess() {
		return
	}
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	for k, v := range deepCopy(result.Data) {
		c.Data[k] = v
	}
}

// ToMap returns a deep copy of the context data, plus card_id, complexity
// and router_guidance.
func (c *PipelineContext) ToMap() map[string]any {
	out := deepCopy(c.Data)
	if out == nil {
		out = make(map[string]any)
	}
	out["card_id"] = c.CardID
	out["complexity"] = string(c.Complexity)
	out["router_guidance"] = map[string]any{
		"skip_stages":     append([]string{}, c.Guidance.SkipStages...),
		"priority_stages": append([]string{}, c.Guidance.PriorityStages...),
		"notes":           c.Guidance.Notes,
	}
	return out
}

// ApplyRouterGuidance drops skipped stages and moves priority stages to the
// front in priority order. Other stages keep their relative order.
func (c *PipelineContext) ApplyRouterGuidance(stages []Stage) []Stage {
	kept := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if !slices.Contains(c.Guidance.SkipStages, s.Name) {
			kept = append(kept, s)
		}
	}

	out := make([]Stage, 0, len(kept))
	for _, name := range c.Guidance.PriorityStages {
		for _, s := range kept {
			if s.Name == name && !containsStage(out, name) {
				out = append(out, s)
			}
		}
	}
	for _, s := range kept {
		if !containsStage(out, s.Name) {
			out = append(out, s)
		}
	}
	return out
}

func containsStage(stages []Stage, name string) bool {
	return slices.ContainsFunc(stages, func(s Stage) bool { return s.Name == name })
}

func deepCopy(m map[string]any) map[string]any {
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
