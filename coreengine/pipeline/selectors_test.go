package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func catalog() []Stage {
	return []Stage{
		{Name: "project_analysis", Category: CategoryProjectAnalysis},
		{Name: "requirements", Category: CategoryRequirements},
		{Name: "architecture", Category: CategoryArchitecture},
		{Name: "development", Category: CategoryDevelopment},
		{Name: "code_review", Category: CategoryCodeReview},
		{Name: "unit_tests", Category: CategoryUnitTests},
		{Name: "security_audit", Category: CategorySecurityAudit},
		{Name: "documentation", Category: CategoryDocumentation},
		{Name: "deploy_notes"},
	}
}

func TestComplexityBasedSelector(t *testing.T) {
	s := NewComplexityBasedSelector(nil)

	tests := []struct {
		complexity ProjectComplexity
		want       []string
	}{
		{ComplexitySimple, []string{"requirements", "development", "unit_tests"}},
		{ComplexityModerate, []string{"requirements", "architecture", "development", "code_review", "unit_tests"}},
		{ComplexityComplex, []string{"project_analysis", "requirements", "architecture", "development", "code_review", "unit_tests", "security_audit", "documentation"}},
		{ComplexityEnterprise, names(catalog())},
		{"galactic", []string{"requirements", "architecture", "development", "code_review", "unit_tests"}},
		{"", []string{"requirements", "architecture", "development", "code_review", "unit_tests"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.complexity), func(t *testing.T) {
			got := s.SelectStages(catalog(), SelectionContext{Complexity: tt.complexity})
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestComplexityBasedSelector_ExactCategoryMatch(t *testing.T) {
	s := NewComplexityBasedSelector(nil)
	stages := []Stage{
		{Name: "development_docs", Category: CategoryDocumentation},
		{Name: "unit_tests"},
	}

	got := s.SelectStages(stages, SelectionContext{Complexity: ComplexitySimple})

	assert.Equal(t, []string{"unit_tests"}, names(got))
}

func TestResourceBasedSelector(t *testing.T) {
	s := NewResourceBasedSelector(nil)
	stages := []Stage{
		{Name: "a", EstimatedDuration: 10 * time.Minute},
		{Name: "b", EstimatedDuration: 30 * time.Minute, Critical: true},
		{Name: "c", EstimatedDuration: 25 * time.Minute},
		{Name: "d", EstimatedDuration: 5 * time.Minute},
	}

	t.Run("no constraints is identity", func(t *testing.T) {
		assert.Equal(t, names(stages), names(s.SelectStages(stages, SelectionContext{})))
		assert.Equal(t, names(stages), names(s.SelectStages(stages, SelectionContext{Resources: &ResourceConstraints{}})))
	})

	t.Run("time budget", func(t *testing.T) {
		got := s.SelectStages(stages, SelectionContext{Resources: &ResourceConstraints{TimeBudget: 45 * time.Minute}})
		assert.Equal(t, []string{"a", "b", "d"}, names(got))
	})

	t.Run("max stages", func(t *testing.T) {
		got := s.SelectStages(stages, SelectionContext{Resources: &ResourceConstraints{MaxStages: 2}})
		assert.Equal(t, []string{"a", "b"}, names(got))
	})

	t.Run("critical kept past budget", func(t *testing.T) {
		got := s.SelectStages(stages, SelectionContext{Resources: &ResourceConstraints{TimeBudget: time.Minute}})
		assert.Equal(t, []string{"b"}, names(got))
	})
}

func TestManualSelector(t *testing.T) {
	s := NewManualSelector("development", "missing", "requirements")

	got := s.SelectStages(catalog(), SelectionContext{})

	assert.Equal(t, []string{"requirements", "development"}, names(got))
}
