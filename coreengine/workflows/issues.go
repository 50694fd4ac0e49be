// Package workflows maps classified pipeline failures to ordered remediation
// procedures and runs them.
//
// A Workflow is static data built once by the category builders and looked
// up by IssueType in a Registry. The Executor runs a workflow's actions in
// order against a typed ActionContext, retrying actions marked
// RetryOnFailure, and reports the workflow's success or failure state.
package workflows

import (
	"fmt"
	"strings"
)

// IssueCategory groups issue types by the part of the system that failed.
type IssueCategory string

const (
	CategoryInfrastructure IssueCategory = "infrastructure"
	CategoryCode           IssueCategory = "code"
	CategoryDependency     IssueCategory = "dependency"
	CategoryLLM            IssueCategory = "llm"
	CategoryStage          IssueCategory = "stage"
	CategoryMultiAgent     IssueCategory = "multiagent"
	CategoryData           IssueCategory = "data"
	CategorySystem         IssueCategory = "system"
)

// IssueType is a classified failure with exactly one recovery workflow.
type IssueType string

const (
	// Infrastructure
	IssueTimeout         IssueType = "timeout"
	IssueHangingProcess  IssueType = "hanging_process"
	IssueMemoryExhausted IssueType = "memory_exhausted"
	IssueDiskFull        IssueType = "disk_full"
	IssueNetworkError    IssueType = "network_error"

	// Code
	IssueCompilationError      IssueType = "compilation_error"
	IssueRuntimeError          IssueType = "runtime_error"
	IssueTestFailure           IssueType = "test_failure"
	IssueSecurityVulnerability IssueType = "security_vulnerability"
	IssueLintingError          IssueType = "linting_error"

	// Dependency
	IssueMissingDependency IssueType = "missing_dependency"
	IssueVersionConflict   IssueType = "version_conflict"
	IssueImportError       IssueType = "import_error"

	// LLM
	IssueLLMAPIError        IssueType = "llm_api_error"
	IssueLLMTimeout         IssueType = "llm_timeout"
	IssueLLMRateLimit       IssueType = "llm_rate_limit"
	IssueInvalidLLMResponse IssueType = "invalid_llm_response"

	// Stage
	IssueArchitectureInvalid IssueType = "architecture_invalid"
	IssueCodeReviewFailed    IssueType = "code_review_failed"
	IssueIntegrationConflict IssueType = "integration_conflict"
	IssueValidationFailed    IssueType = "validation_failed"

	// Multi-agent
	IssueArbitrationDeadlock IssueType = "arbitration_deadlock"
	IssueDeveloperConflict   IssueType = "developer_conflict"
	IssueMessengerError      IssueType = "messenger_error"

	// Data
	IssueInvalidCard    IssueType = "invalid_card"
	IssueCorruptedState IssueType = "corrupted_state"
	IssueRAGError       IssueType = "rag_error"

	// System
	IssueZombieProcess    IssueType = "zombie_process"
	IssueFileLock         IssueType = "file_lock"
	IssuePermissionDenied IssueType = "permission_denied"
)

var issueCategories = map[IssueType]IssueCategory{
	IssueTimeout:         CategoryInfrastructure,
	IssueHangingProcess:  CategoryInfrastructure,
	IssueMemoryExhausted: CategoryInfrastructure,
	IssueDiskFull:        CategoryInfrastructure,
	IssueNetworkError:    CategoryInfrastructure,

	IssueCompilationError:      CategoryCode,
	IssueRuntimeError:          CategoryCode,
	IssueTestFailure:           CategoryCode,
	IssueSecurityVulnerability: CategoryCode,
	IssueLintingError:          CategoryCode,

	IssueMissingDependency: CategoryDependency,
	IssueVersionConflict:   CategoryDependency,
	IssueImportError:       CategoryDependency,

	IssueLLMAPIError:        CategoryLLM,
	IssueLLMTimeout:         CategoryLLM,
	IssueLLMRateLimit:       CategoryLLM,
	IssueInvalidLLMResponse: CategoryLLM,

	IssueArchitectureInvalid: CategoryStage,
	IssueCodeReviewFailed:    CategoryStage,
	IssueIntegrationConflict: CategoryStage,
	IssueValidationFailed:    CategoryStage,

	IssueArbitrationDeadlock: CategoryMultiAgent,
	IssueDeveloperConflict:   CategoryMultiAgent,
	IssueMessengerError:      CategoryMultiAgent,

	IssueInvalidCard:    CategoryData,
	IssueCorruptedState: CategoryData,
	IssueRAGError:       CategoryData,

	IssueZombieProcess:    CategorySystem,
	IssueFileLock:         CategorySystem,
	IssuePermissionDenied: CategorySystem,
}

// allIssueTypes fixes the listing order: category, then declaration order.
var allIssueTypes = []IssueType{
	IssueTimeout, IssueHangingProcess, IssueMemoryExhausted, IssueDiskFull, IssueNetworkError,
	IssueCompilationError, IssueRuntimeError, IssueTestFailure, IssueSecurityVulnerability, IssueLintingError,
	IssueMissingDependency, IssueVersionConflict, IssueImportError,
	IssueLLMAPIError, IssueLLMTimeout, IssueLLMRateLimit, IssueInvalidLLMResponse,
	IssueArchitectureInvalid, IssueCodeReviewFailed, IssueIntegrationConflict, IssueValidationFailed,
	IssueArbitrationDeadlock, IssueDeveloperConflict, IssueMessengerError,
	IssueInvalidCard, IssueCorruptedState, IssueRAGError,
	IssueZombieProcess, IssueFileLock, IssuePermissionDenied,
}

// AllIssueTypes returns every issue type in a stable order.
func AllIssueTypes() []IssueType {
	return append([]IssueType(nil), allIssueTypes...)
}

// IsValid reports whether t is a known issue type.
func (t IssueType) IsValid() bool {
	_, ok := issueCategories[t]
	return ok
}

// Category returns the issue's category, or "" for unknown types.
func (t IssueType) Category() IssueCategory {
	return issueCategories[t]
}

// ParseIssueType accepts any letter case.
func ParseIssueType(s string) (IssueType, error) {
	t := IssueType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown issue type %q", s)
	}
	return t, nil
}

// IssueTypesInCategory returns the issue types of one category in listing order.
func IssueTypesInCategory(c IssueCategory) []IssueType {
	var out []IssueType
	for _, t := range allIssueTypes {
		if issueCategories[t] == c {
			out = append(out, t)
		}
	}
	return out
}
