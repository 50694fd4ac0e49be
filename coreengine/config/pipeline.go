package config

import (
	"fmt"
	"time"

	"github.com/redmage123/artemis/coreengine/pipeline"
)

// StageConfig declares one pipeline stage.
type StageConfig struct {
	Name              string        `koanf:"name"`
	Category          string        `koanf:"category"`
	Critical          bool          `koanf:"critical"`
	EstimatedDuration time.Duration `koanf:"estimated_duration"`
	// DependsOn lists stages that must complete first.
	DependsOn []string `koanf:"depends_on"`
}

// PipelineConfig declares the stage plan and how it runs.
type PipelineConfig struct {
	Name string `koanf:"name"`
	// Mode is "sequential" or "parallel".
	Mode          string `koanf:"mode"`
	ParallelLimit int    `koanf:"parallel_limit"`
	// Complexity feeds the complexity-based stage selector.
	Complexity string `koanf:"complexity"`
	// TimeBudget and MaxStages feed the resource-based selector; zero means unlimited.
	TimeBudget time.Duration `koanf:"time_budget"`
	MaxStages  int           `koanf:"max_stages"`

	Stages []StageConfig `koanf:"stages"`

	// Computed at validation time
	order      []string
	dependents map[string][]string
}

// DefaultStages is the standard Artemis stage plan, used when none is configured.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{Name: "project_analysis", Category: "project_analysis", EstimatedDuration: 2 * time.Minute},
		{Name: "requirements", Category: "requirements", Critical: true, EstimatedDuration: 3 * time.Minute, DependsOn: []string{"project_analysis"}},
		{Name: "architecture", Category: "architecture", EstimatedDuration: 5 * time.Minute, DependsOn: []string{"requirements"}},
		{Name: "dependencies", Category: "dependencies", EstimatedDuration: 2 * time.Minute, DependsOn: []string{"architecture"}},
		{Name: "development", Category: "development", Critical: true, EstimatedDuration: 15 * time.Minute, DependsOn: []string{"dependencies"}},
		{Name: "unit_tests", Category: "unit_tests", Critical: true, EstimatedDuration: 5 * time.Minute, DependsOn: []string{"development"}},
		{Name: "code_review", Category: "code_review", EstimatedDuration: 5 * time.Minute, DependsOn: []string{"development"}},
		{Name: "security_audit", Category: "security_audit", EstimatedDuration: 4 * time.Minute, DependsOn: []string{"development"}},
		{Name: "integration", Category: "integration", EstimatedDuration: 6 * time.Minute, DependsOn: []string{"unit_tests", "code_review"}},
		{Name: "validation", Category: "validation", Critical: true, EstimatedDuration: 3 * time.Minute, DependsOn: []string{"integration"}},
		{Name: "uat", Category: "uat", EstimatedDuration: 5 * time.Minute, DependsOn: []string{"validation"}},
		{Name: "documentation", Category: "documentation", EstimatedDuration: 3 * time.Minute, DependsOn: []string{"validation"}},
	}
}

// Validate checks names, mode and the dependency graph, and computes the
// execution order.
func (p *PipelineConfig) Validate() error {
	switch p.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("mode %q must be sequential or parallel", p.Mode)
	}
	if _, ok := pipeline.ParseComplexity(p.Complexity); !ok {
		return fmt.Errorf("unknown complexity %q", p.Complexity)
	}
	if p.ParallelLimit < 0 {
		return fmt.Errorf("parallel_limit must not be negative")
	}
	if p.TimeBudget < 0 || p.MaxStages < 0 {
		return fmt.Errorf("time_budget and max_stages must not be negative")
	}

	names := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		names[s.Name] = true
	}
	return p.validateDAG(names)
}

// validateDAG checks dependencies and computes a topological order with
// Kahn's algorithm. Ties keep declaration order.
func (p *PipelineConfig) validateDAG(valid map[string]bool) error {
	p.dependents = make(map[string][]string, len(p.Stages))
	inDegree := make(map[string]int, len(p.Stages))

	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return fmt.Errorf("stage '%s' cannot depend on itself", s.Name)
			}
			if !valid[dep] {
				return fmt.Errorf("stage '%s' depends on unknown stage '%s'", s.Name, dep)
			}
			p.dependents[dep] = append(p.dependents[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	order := make([]string, 0, len(p.Stages))
	done := make(map[string]bool, len(p.Stages))
	for len(order) < len(p.Stages) {
		progressed := false
		for _, s := range p.Stages {
			if done[s.Name] || inDegree[s.Name] > 0 {
				continue
			}
			done[s.Name] = true
			order = append(order, s.Name)
			for _, d := range p.dependents[s.Name] {
				inDegree[d]--
			}
			progressed = true
		}
		if !progressed {
			var cycle []string
			for _, s := range p.Stages {
				if !done[s.Name] {
					cycle = append(cycle, s.Name)
				}
			}
			return fmt.Errorf("dependency cycle detected involving stages: %v", cycle)
		}
	}
	p.order = order
	return nil
}

// Order returns the stages in dependency order. It is nil until Validate
// succeeds.
func (p *PipelineConfig) Order() []StageConfig {
	if p.order == nil {
		return nil
	}
	byName := make(map[string]StageConfig, len(p.Stages))
	for _, s := range p.Stages {
		byName[s.Name] = s
	}
	out := make([]StageConfig, len(p.order))
	for i, name := range p.order {
		out[i] = byName[name]
	}
	return out
}

// ReadyStages returns stages whose dependencies are all in completed, in
// declaration order.
func (p *PipelineConfig) ReadyStages(completed map[string]bool) []string {
	var ready []string
	for _, s := range p.Stages {
		if completed[s.Name] {
			continue
		}
		satisfied := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, s.Name)
		}
	}
	return ready
}

// Dependents returns stages that depend directly on name.
func (p *PipelineConfig) Dependents(name string) []string {
	return p.dependents[name]
}

// Stage returns the stage named name.
func (p *PipelineConfig) Stage(name string) (StageConfig, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}
