package workflows

import (
	"github.com/redmage123/artemis/coreengine/state"
)

// builder produces the workflows of one category. Builders are pure: they
// only assemble data from the handler set.
type builder func(h *HandlerSet) []*Workflow

var categoryBuilders = map[IssueCategory]builder{
	CategoryInfrastructure: buildInfrastructureWorkflows,
	CategoryCode:           buildCodeWorkflows,
	CategoryDependency:     buildDependencyWorkflows,
	CategoryLLM:            buildLLMWorkflows,
	CategoryStage:          buildStageWorkflows,
	CategoryMultiAgent:     buildMultiAgentWorkflows,
	CategoryData:           buildDataWorkflows,
	CategorySystem:         buildSystemWorkflows,
}

// BuildCategory returns the default workflows of one category.
func BuildCategory(c IssueCategory, h *HandlerSet) []*Workflow {
	b, ok := categoryBuilders[c]
	if !ok {
		return nil
	}
	return b(h)
}

// BuildDefaultWorkflows returns one workflow per issue type.
func BuildDefaultWorkflows(h *HandlerSet) []*Workflow {
	var out []*Workflow
	for _, c := range []IssueCategory{
		CategoryInfrastructure, CategoryCode, CategoryDependency, CategoryLLM,
		CategoryStage, CategoryMultiAgent, CategoryData, CategorySystem,
	} {
		out = append(out, BuildCategory(c, h)...)
	}
	return out
}

func workflow(issue IssueType, description string, failure state.PipelineState, actions ...WorkflowAction) *Workflow {
	return &Workflow{
		Name:         string(issue) + "_recovery",
		IssueType:    issue,
		Description:  description,
		Actions:      actions,
		SuccessState: state.StateRunning,
		FailureState: failure,
	}
}

func buildInfrastructureWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueTimeout, "Raise the stage timeout and rerun it", state.StateFailed,
			action(h.mustGet(HandlerIncreaseTimeout)),
			retried(h.mustGet(HandlerRerunStage), 2),
		),
		workflow(IssueHangingProcess, "Terminate the hung process and rerun its stage", state.StateFailed,
			retried(h.mustGet(HandlerKillProcess), 3),
			retried(h.mustGet(HandlerRerunStage), 2),
		),
		workflow(IssueMemoryExhausted, "Release memory and rerun the stage", state.StateFailed,
			action(h.mustGet(HandlerFreeMemory)),
			retried(h.mustGet(HandlerRerunStage), 1),
		),
		workflow(IssueDiskFull, "Remove temporary files", state.StateFailed,
			retried(h.mustGet(HandlerCleanupTempFiles), 2),
		),
		workflow(IssueNetworkError, "Back off and rerun the stage", state.StateDegraded,
			retried(h.mustGet(HandlerWaitForNetwork), 3),
			retried(h.mustGet(HandlerRerunStage), 3),
		),
	}
}

func buildCodeWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueCompilationError, "Ask the LLM to fix the build error", state.StateFailed,
			retried(h.mustGet(HandlerRequestCodeFix), 2),
		),
		workflow(IssueRuntimeError, "Ask the LLM to fix the crash and rerun the stage", state.StateFailed,
			retried(h.mustGet(HandlerRequestCodeFix), 2),
			retried(h.mustGet(HandlerRerunStage), 1),
		),
		workflow(IssueTestFailure, "Rerun the failing tests", state.StateDegraded,
			retried(h.mustGet(HandlerRerunTests), 2),
		),
		workflow(IssueSecurityVulnerability, "Patch the vulnerability", state.StateFailed,
			retried(h.mustGet(HandlerApplySecurityPatch), 1),
		),
		workflow(IssueLintingError, "Run the linter in fix mode", state.StateDegraded,
			retried(h.mustGet(HandlerRunLinterFix), 2),
		),
	}
}

func buildDependencyWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueMissingDependency, "Install the missing package", state.StateFailed,
			retried(h.mustGet(HandlerInstallDependency), 3),
		),
		workflow(IssueVersionConflict, "Resolve conflicting versions", state.StateFailed,
			retried(h.mustGet(HandlerResolveVersionConflict), 2),
		),
		workflow(IssueImportError, "Install the package, then fix the import", state.StateFailed,
			retried(h.mustGet(HandlerInstallDependency), 2),
			retried(h.mustGet(HandlerRequestCodeFix), 1),
		),
	}
}

func buildLLMWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueLLMAPIError, "Fail over to another provider", state.StateFailed,
			retried(h.mustGet(HandlerSwitchLLMProvider), 2),
		),
		workflow(IssueLLMTimeout, "Raise the timeout and rerun the stage", state.StateDegraded,
			action(h.mustGet(HandlerIncreaseTimeout)),
			retried(h.mustGet(HandlerRerunStage), 2),
		),
		workflow(IssueLLMRateLimit, "Wait out the rate limit", state.StateDegraded,
			retried(h.mustGet(HandlerWaitForRateLimit), 3),
		),
		workflow(IssueInvalidLLMResponse, "Rerun the stage for a fresh response", state.StateDegraded,
			retried(h.mustGet(HandlerRerunStage), 2),
		),
	}
}

func buildStageWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueArchitectureInvalid, "Regenerate the architecture", state.StateFailed,
			retried(h.mustGet(HandlerRerunStage), 2),
		),
		workflow(IssueCodeReviewFailed, "Apply review feedback and rerun review", state.StateDegraded,
			retried(h.mustGet(HandlerRequestCodeFix), 1),
			retried(h.mustGet(HandlerRerunStage), 1),
		),
		workflow(IssueIntegrationConflict, "Resolve dependencies and rerun integration", state.StateFailed,
			retried(h.mustGet(HandlerResolveVersionConflict), 1),
			retried(h.mustGet(HandlerRerunStage), 1),
		),
		workflow(IssueValidationFailed, "Rerun the tests, then validation", state.StateDegraded,
			retried(h.mustGet(HandlerRerunTests), 1),
			retried(h.mustGet(HandlerRerunStage), 1),
		),
	}
}

func buildMultiAgentWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueArbitrationDeadlock, "Pick a winner by score", state.StateFailed,
			retried(h.mustGet(HandlerResolveArbitration), 1),
		),
		workflow(IssueDeveloperConflict, "Pick a winner and rerun integration", state.StateFailed,
			retried(h.mustGet(HandlerResolveArbitration), 1),
			retried(h.mustGet(HandlerRerunStage), 1),
		),
		workflow(IssueMessengerError, "Restart the agent messenger", state.StateDegraded,
			retried(h.mustGet(HandlerRestartMessenger), 3),
		),
	}
}

func buildDataWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueInvalidCard, "Check the card's required fields", state.StateFailed,
			action(h.mustGet(HandlerValidateCard)),
		),
		workflow(IssueCorruptedState, "Discard persisted state", state.StateFailed,
			retried(h.mustGet(HandlerResetState), 2),
		),
		workflow(IssueRAGError, "Rebuild the RAG index", state.StateDegraded,
			retried(h.mustGet(HandlerRebuildRAGIndex), 2),
		),
	}
}

func buildSystemWorkflows(h *HandlerSet) []*Workflow {
	return []*Workflow{
		workflow(IssueZombieProcess, "Reap the zombie process", state.StateDegraded,
			retried(h.mustGet(HandlerKillProcess), 3),
		),
		workflow(IssueFileLock, "Remove the stale lock", state.StateFailed,
			retried(h.mustGet(HandlerReleaseFileLock), 3),
		),
		workflow(IssuePermissionDenied, "Restore file permissions", state.StateFailed,
			action(h.mustGet(HandlerFixPermissions)),
		),
	}
}
