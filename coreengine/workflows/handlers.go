package workflows

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
)

// Built-in handler names. YAML definitions reference handlers by these.
const (
	HandlerKillProcess            = "kill_hanging_process"
	HandlerIncreaseTimeout        = "increase_timeout"
	HandlerRerunStage             = "rerun_stage"
	HandlerFreeMemory             = "free_memory"
	HandlerCleanupTempFiles       = "cleanup_temp_files"
	HandlerWaitForNetwork         = "wait_for_network"
	HandlerRunLinterFix           = "run_linter_fix"
	HandlerRerunTests             = "rerun_tests"
	HandlerRequestCodeFix         = "request_code_fix"
	HandlerApplySecurityPatch     = "apply_security_patch"
	HandlerInstallDependency      = "install_dependency"
	HandlerResolveVersionConflict = "resolve_version_conflict"
	HandlerSwitchLLMProvider      = "switch_llm_provider"
	HandlerWaitForRateLimit       = "wait_for_rate_limit"
	HandlerResolveArbitration     = "resolve_arbitration"
	HandlerRestartMessenger       = "restart_messenger"
	HandlerValidateCard           = "validate_card"
	HandlerResetState             = "reset_state"
	HandlerRebuildRAGIndex        = "rebuild_rag_index"
	HandlerReleaseFileLock        = "release_file_lock"
	HandlerFixPermissions         = "fix_permissions"
	HandlerEscalate               = "escalate_to_human"
)

// Logical command names passed to CommandRunner.
const (
	CommandLintFix             = "lint_fix"
	CommandRunTests            = "run_tests"
	CommandInstallDependency   = "install_dependency"
	CommandResolveDependencies = "resolve_dependencies"
	CommandRestartMessenger    = "restart_messenger"
	CommandRebuildRAGIndex     = "rebuild_rag_index"
)

// HandlerDeps wires the built-in handlers to their collaborators.
// A handler whose collaborator is nil escalates.
type HandlerDeps struct {
	Processes ProcessController
	Commands  CommandRunner
	Stages    StageRerunner
	Fixer     CodeFixer
	Providers ProviderSwitcher
	State     StateResetter
	Sleep     Sleeper
	Logger    logging.Logger

	// TerminateGrace is how long a process gets between SIGTERM and SIGKILL.
	// Default: 5 seconds
	TerminateGrace time.Duration
	// TimeoutMultiplier scales a stage timeout on increase_timeout.
	// Default: 1.5
	TimeoutMultiplier float64
	// DefaultStageTimeout applies when the context carries none.
	// Default: 300 seconds
	DefaultStageTimeout time.Duration
	// NetworkBackoff is the wait of wait_for_network.
	// Default: 2 seconds
	NetworkBackoff time.Duration
	// RateLimitWait applies when the LLM context carries no retry-after.
	// Default: 30 seconds
	RateLimitWait time.Duration
	// RequiredCardFields are checked by validate_card.
	// Default: title, description
	RequiredCardFields []string
}

func (d *HandlerDeps) applyDefaults() {
	d.Logger = logging.OrNop(d.Logger)
	if d.Sleep == nil {
		d.Sleep = sleepContext
	}
	if d.TerminateGrace == 0 {
		d.TerminateGrace = 5 * time.Second
	}
	if d.TimeoutMultiplier == 0 {
		d.TimeoutMultiplier = 1.5
	}
	if d.DefaultStageTimeout == 0 {
		d.DefaultStageTimeout = 300 * time.Second
	}
	if d.NetworkBackoff == 0 {
		d.NetworkBackoff = 2 * time.Second
	}
	if d.RateLimitWait == 0 {
		d.RateLimitWait = 30 * time.Second
	}
	if d.RequiredCardFields == nil {
		d.RequiredCardFields = []string{"title", "description"}
	}
}

// DefaultHandlers builds every built-in handler.
func DefaultHandlers(deps HandlerDeps) *HandlerSet {
	deps.applyDefaults()
	h := &builtins{deps: deps}

	return NewHandlerSet(
		HandlerFunc{HandlerKillProcess, []ContextKind{KindProcess}, h.killProcess},
		HandlerFunc{HandlerIncreaseTimeout, []ContextKind{KindStage}, h.increaseTimeout},
		HandlerFunc{HandlerRerunStage, []ContextKind{KindStage}, h.rerunStage},
		HandlerFunc{HandlerFreeMemory, nil, h.freeMemory},
		HandlerFunc{HandlerCleanupTempFiles, []ContextKind{KindFile}, h.cleanupTempFiles},
		HandlerFunc{HandlerWaitForNetwork, nil, h.waitForNetwork},
		HandlerFunc{HandlerRunLinterFix, []ContextKind{KindFile}, h.runLinterFix},
		HandlerFunc{HandlerRerunTests, []ContextKind{KindTest}, h.rerunTests},
		HandlerFunc{HandlerRequestCodeFix, []ContextKind{KindFile}, h.requestCodeFix},
		HandlerFunc{HandlerApplySecurityPatch, []ContextKind{KindSecurity}, h.applySecurityPatch},
		HandlerFunc{HandlerInstallDependency, []ContextKind{KindDependency}, h.installDependency},
		HandlerFunc{HandlerResolveVersionConflict, []ContextKind{KindDependency}, h.resolveVersionConflict},
		HandlerFunc{HandlerSwitchLLMProvider, []ContextKind{KindLLM}, h.switchProvider},
		HandlerFunc{HandlerWaitForRateLimit, nil, h.waitForRateLimit},
		HandlerFunc{HandlerResolveArbitration, []ContextKind{KindArbitration}, h.resolveArbitration},
		HandlerFunc{HandlerRestartMessenger, nil, h.restartMessenger},
		HandlerFunc{HandlerValidateCard, []ContextKind{KindCard}, h.validateCard},
		HandlerFunc{HandlerResetState, []ContextKind{KindCard}, h.resetState},
		HandlerFunc{HandlerRebuildRAGIndex, nil, h.rebuildRAGIndex},
		HandlerFunc{HandlerReleaseFileLock, []ContextKind{KindFile}, h.releaseFileLock},
		HandlerFunc{HandlerFixPermissions, []ContextKind{KindFile}, h.fixPermissions},
		HandlerFunc{HandlerEscalate, nil, escalateToHuman},
	)
}

type builtins struct {
	deps HandlerDeps
}

// =============================================================================
// Infrastructure and system
// =============================================================================

// killProcess is idempotent: a PID that is already gone counts as handled.
func (h *builtins) killProcess(ctx context.Context, actx *ActionContext) error {
	if h.deps.Processes == nil {
		return escalate(HandlerKillProcess, nil, "no process controller configured")
	}
	pid := actx.Process.PID
	if !h.deps.Processes.Alive(pid) {
		h.deps.Logger.Debug("process_already_gone", "pid", pid)
		return nil
	}
	err := h.deps.Processes.Terminate(ctx, pid, h.deps.TerminateGrace)
	if err == nil || errors.Is(err, ErrProcessNotFound) {
		h.deps.Logger.Info("process_terminated", "pid", pid)
		return nil
	}
	return transient(HandlerKillProcess, err, "terminate pid %d", pid)
}

func (h *builtins) increaseTimeout(_ context.Context, actx *ActionContext) error {
	current := actx.Stage.TimeoutSeconds
	if current <= 0 {
		current = h.deps.DefaultStageTimeout.Seconds()
	}
	actx.Stage.TimeoutSeconds = current * h.deps.TimeoutMultiplier
	h.deps.Logger.Info("stage_timeout_increased",
		"stage", actx.Stage.Name,
		"previous_seconds", current,
		"timeout_seconds", actx.Stage.TimeoutSeconds,
	)
	return nil
}

func (h *builtins) rerunStage(ctx context.Context, actx *ActionContext) error {
	if h.deps.Stages == nil {
		return escalate(HandlerRerunStage, nil, "no stage rerunner configured")
	}
	cardID := ""
	if actx.Card != nil {
		cardID = actx.Card.CardID
	}
	timeout := time.Duration(actx.Stage.TimeoutSeconds * float64(time.Second))
	if err := h.deps.Stages.RerunStage(ctx, cardID, actx.Stage.Name, timeout); err != nil {
		return transient(HandlerRerunStage, err, "rerun stage %s", actx.Stage.Name)
	}
	return nil
}

func (h *builtins) freeMemory(context.Context, *ActionContext) error {
	debug.FreeOSMemory()
	return nil
}

// cleanupTempFiles removes *.tmp files directly under the context directory.
func (h *builtins) cleanupTempFiles(_ context.Context, actx *ActionContext) error {
	matches, err := filepath.Glob(filepath.Join(actx.File.Path, "*.tmp"))
	if err != nil {
		return escalate(HandlerCleanupTempFiles, err, "bad directory %q", actx.File.Path)
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return transient(HandlerCleanupTempFiles, err, "remove %s", path)
		}
		removed++
	}
	h.deps.Logger.Info("temp_files_removed", "dir", actx.File.Path, "count", removed)
	return nil
}

func (h *builtins) waitForNetwork(ctx context.Context, _ *ActionContext) error {
	if err := h.deps.Sleep(ctx, h.deps.NetworkBackoff); err != nil {
		return transient(HandlerWaitForNetwork, err, "wait interrupted")
	}
	return nil
}

// releaseFileLock deletes <path>.lock, or path itself when it already names
// a lock file. A missing lock counts as released.
func (h *builtins) releaseFileLock(_ context.Context, actx *ActionContext) error {
	lock := actx.File.Path
	if !strings.HasSuffix(lock, ".lock") {
		lock += ".lock"
	}
	if err := os.Remove(lock); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return escalate(HandlerReleaseFileLock, err, "remove %s", lock)
	}
	return nil
}

func (h *builtins) fixPermissions(_ context.Context, actx *ActionContext) error {
	info, err := os.Stat(actx.File.Path)
	if err != nil {
		return escalate(HandlerFixPermissions, err, "stat %s", actx.File.Path)
	}
	mode := fs.FileMode(0o644)
	if info.IsDir() {
		mode = 0o755
	}
	if err := os.Chmod(actx.File.Path, mode); err != nil {
		return escalate(HandlerFixPermissions, err, "chmod %s", actx.File.Path)
	}
	return nil
}

// =============================================================================
// Code and dependencies
// =============================================================================

func (h *builtins) run(ctx context.Context, handler, command string, args ...string) error {
	if h.deps.Commands == nil {
		return escalate(handler, nil, "no command runner configured")
	}
	out, err := h.deps.Commands.Run(ctx, command, args...)
	if err != nil {
		return escalate(handler, err, "%s failed: %s", command, strings.TrimSpace(out))
	}
	h.deps.Logger.Debug("command_completed", "handler", handler, "command", command)
	return nil
}

func (h *builtins) runLinterFix(ctx context.Context, actx *ActionContext) error {
	return h.run(ctx, HandlerRunLinterFix, CommandLintFix, actx.File.Path)
}

func (h *builtins) rerunTests(ctx context.Context, actx *ActionContext) error {
	args := []string{actx.Test.Path}
	if actx.Test.Framework != "" {
		args = append(args, actx.Test.Framework)
	}
	return h.run(ctx, HandlerRerunTests, CommandRunTests, args...)
}

func (h *builtins) installDependency(ctx context.Context, actx *ActionContext) error {
	spec := actx.Dependency.Package
	if actx.Dependency.Version != "" {
		spec += "==" + actx.Dependency.Version
	}
	return h.run(ctx, HandlerInstallDependency, CommandInstallDependency, spec)
}

func (h *builtins) resolveVersionConflict(ctx context.Context, actx *ActionContext) error {
	return h.run(ctx, HandlerResolveVersionConflict, CommandResolveDependencies, actx.Dependency.Package)
}

func (h *builtins) restartMessenger(ctx context.Context, _ *ActionContext) error {
	return h.run(ctx, HandlerRestartMessenger, CommandRestartMessenger)
}

func (h *builtins) rebuildRAGIndex(ctx context.Context, _ *ActionContext) error {
	return h.run(ctx, HandlerRebuildRAGIndex, CommandRebuildRAGIndex)
}

func (h *builtins) requestCodeFix(ctx context.Context, actx *ActionContext) error {
	if h.deps.Fixer == nil {
		return escalate(HandlerRequestCodeFix, nil, "no code fixer configured")
	}
	req := FixRequest{Issue: actx.Issue, Path: actx.File.Path, Error: actx.Error}
	if err := h.deps.Fixer.RequestFix(ctx, req); err != nil {
		return transient(HandlerRequestCodeFix, err, "fix %s", actx.File.Path)
	}
	return nil
}

func (h *builtins) applySecurityPatch(ctx context.Context, actx *ActionContext) error {
	if h.deps.Fixer == nil {
		return escalate(HandlerApplySecurityPatch, nil, "no code fixer configured")
	}
	req := FixRequest{
		Issue:   actx.Issue,
		Path:    actx.Security.Path,
		Error:   actx.Error,
		Details: map[string]string{"vulnerability_type": actx.Security.VulnerabilityType},
	}
	if err := h.deps.Fixer.RequestFix(ctx, req); err != nil {
		return transient(HandlerApplySecurityPatch, err, "patch %s", actx.Security.VulnerabilityType)
	}
	return nil
}

// =============================================================================
// LLM
// =============================================================================

func (h *builtins) switchProvider(ctx context.Context, actx *ActionContext) error {
	if h.deps.Providers == nil {
		return escalate(HandlerSwitchLLMProvider, nil, "no provider switcher configured")
	}
	from := actx.LLM.Provider
	to, err := h.deps.Providers.SwitchProvider(ctx, from)
	if err != nil {
		return escalate(HandlerSwitchLLMProvider, err, "switch from %s", from)
	}
	actx.LLM.Provider = to
	h.deps.Logger.Info("llm_provider_switched", "from", from, "to", to)
	return nil
}

func (h *builtins) waitForRateLimit(ctx context.Context, actx *ActionContext) error {
	wait := h.deps.RateLimitWait
	if actx.LLM != nil && actx.LLM.RetryAfter > 0 {
		wait = actx.LLM.RetryAfter
	}
	if err := h.deps.Sleep(ctx, wait); err != nil {
		return transient(HandlerWaitForRateLimit, err, "wait interrupted")
	}
	return nil
}

// =============================================================================
// Multi-agent and data
// =============================================================================

// resolveArbitration picks the highest-scoring developer, breaking ties by
// name, and records it as the winner.
func (h *builtins) resolveArbitration(_ context.Context, actx *ActionContext) error {
	devs := append([]string(nil), actx.Arbitration.Developers...)
	sort.Strings(devs)
	winner := devs[0]
	for _, d := range devs[1:] {
		if actx.Arbitration.Scores[d] > actx.Arbitration.Scores[winner] {
			winner = d
		}
	}
	actx.Arbitration.Winner = winner
	h.deps.Logger.Info("arbitration_resolved", "winner", winner, "candidates", len(devs))
	return nil
}

func (h *builtins) validateCard(_ context.Context, actx *ActionContext) error {
	var missing []string
	for _, field := range h.deps.RequiredCardFields {
		if v, ok := actx.Card.Fields[field]; !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return escalate(HandlerValidateCard, nil, "card %s missing %s", actx.Card.CardID, strings.Join(missing, ", "))
	}
	return nil
}

func (h *builtins) resetState(ctx context.Context, actx *ActionContext) error {
	if h.deps.State == nil {
		return escalate(HandlerResetState, nil, "no state resetter configured")
	}
	if err := h.deps.State.ResetState(ctx, actx.Card.CardID); err != nil {
		return transient(HandlerResetState, err, "reset card %s", actx.Card.CardID)
	}
	return nil
}

func escalateToHuman(_ context.Context, actx *ActionContext) error {
	return escalate(HandlerEscalate, nil, "manual intervention required for %s", actx.Issue)
}
