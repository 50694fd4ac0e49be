package supervisor

import (
	"strings"

	"github.com/redmage123/artemis/coreengine/workflows"
)

type classificationRule struct {
	issue    workflows.IssueType
	keywords []string
}

// classificationRules are checked in order; the first rule with a keyword
// found in the lower-cased error text wins. Specific rules precede general
// ones ("llm timeout" before "timeout", "arbitration" before "lock").
var classificationRules = []classificationRule{
	{workflows.IssueLLMRateLimit, []string{"rate limit", "ratelimit", "too many requests", "status 429"}},
	{workflows.IssueLLMTimeout, []string{"llm timeout", "llm request timed out", "model timed out"}},
	{workflows.IssueInvalidLLMResponse, []string{"invalid llm response", "malformed response", "unparseable response"}},
	{workflows.IssueLLMAPIError, []string{"llm api", "apierror", "openai", "anthropic"}},

	{workflows.IssueArbitrationDeadlock, []string{"arbitration", "deadlock"}},
	{workflows.IssueDeveloperConflict, []string{"developer conflict"}},
	{workflows.IssueMessengerError, []string{"messenger"}},

	{workflows.IssueMemoryExhausted, []string{"memoryerror", "out of memory", "oomkilled", "oom-kill"}},
	{workflows.IssueDiskFull, []string{"no space left", "disk full", "enospc"}},
	{workflows.IssuePermissionDenied, []string{"permission denied", "permissionerror", "eacces"}},
	{workflows.IssueFileLock, []string{"file lock", "lock file", "is locked", ".lock"}},
	{workflows.IssueZombieProcess, []string{"zombie", "defunct"}},

	{workflows.IssueMissingDependency, []string{"no module named", "modulenotfounderror", "missing dependency", "package not found"}},
	{workflows.IssueImportError, []string{"importerror", "cannot import"}},
	{workflows.IssueVersionConflict, []string{"version conflict", "incompatible version", "resolutionimpossible"}},

	{workflows.IssueSecurityVulnerability, []string{"vulnerability", "cve-", "sql injection", "xss"}},
	{workflows.IssueCompilationError, []string{"syntaxerror", "indentationerror", "compilation"}},
	{workflows.IssueTestFailure, []string{"assertionerror", "test failed", "tests failed"}},
	{workflows.IssueLintingError, []string{"lint", "flake8", "ruff"}},

	{workflows.IssueArchitectureInvalid, []string{"architecture"}},
	{workflows.IssueCodeReviewFailed, []string{"code review"}},
	{workflows.IssueIntegrationConflict, []string{"merge conflict", "integration conflict"}},
	{workflows.IssueValidationFailed, []string{"validation failed"}},

	{workflows.IssueInvalidCard, []string{"invalid card", "card validation"}},
	{workflows.IssueCorruptedState, []string{"corrupt"}},
	{workflows.IssueRAGError, []string{"rag error", "rag query", "chromadb", "vector store"}},

	{workflows.IssueNetworkError, []string{"connectionerror", "connection refused", "connection reset", "network", "dns"}},
	{workflows.IssueTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{workflows.IssueHangingProcess, []string{"hanging", "unresponsive", "hung"}},
}

// ClassifyIssue maps a crash to an issue type. An explicit, valid
// crash.Issue wins; otherwise the error type and message are matched
// against keyword rules. Unmatched crashes are runtime errors.
func ClassifyIssue(crash CrashInfo) workflows.IssueType {
	if issue, err := workflows.ParseIssueType(crash.Issue); err == nil {
		return issue
	}

	text := strings.ToLower(crash.ErrorType + " " + crash.Error)
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.issue
			}
		}
	}
	return workflows.IssueRuntimeError
}
