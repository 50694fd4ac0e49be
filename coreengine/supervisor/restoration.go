package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/mitchellh/copystructure"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/typeutil"
	"github.com/redmage123/artemis/coreengine/workflows"
)

const (
	// DefaultStageTimeout is assumed when a hung agent reports no timeout.
	DefaultStageTimeout = 300 * time.Second
	// DefaultTimeoutMultiplier scales the timeout on each hang recovery.
	DefaultTimeoutMultiplier = 1.5
	// DefaultTerminateGrace is the SIGTERM to SIGKILL window.
	DefaultTerminateGrace = 5 * time.Second
)

// FixResult is the outcome of an upstream fix attempt (an LLM repair, a
// parser recovery) whose data should flow back into the execution context.
type FixResult struct {
	// Strategy names the fix, recorded for audit.
	Strategy string
	// ParsedData overrides context values.
	ParsedData map[string]any
	// Defaults fill context values that are missing.
	Defaults map[string]any
}

// RestartResult describes a stage restart.
type RestartResult struct {
	Agent          string
	CardID         string
	Stage          string
	TimeoutSeconds float64
	// Restarted is false when no StageRerunner is configured; the result
	// then only describes what would have been restarted.
	Restarted bool
	// FixStrategy is the FixResult strategy the restart was based on.
	FixStrategy string
}

// StateRestoration carries out the mechanical steps of recovery once the
// supervisor has decided on them.
type StateRestoration struct {
	stages     workflows.StageRerunner
	processes  workflows.ProcessController
	logger     logging.Logger
	multiplier float64
	defTimeout time.Duration
	grace      time.Duration
}

// RestorationOption configures a StateRestoration.
type RestorationOption func(*StateRestoration)

// WithStageRerunner sets the collaborator that restarts stages.
func WithStageRerunner(r workflows.StageRerunner) RestorationOption {
	return func(s *StateRestoration) { s.stages = r }
}

// WithProcessController sets the collaborator that signals processes.
func WithProcessController(p workflows.ProcessController) RestorationOption {
	return func(s *StateRestoration) { s.processes = p }
}

// WithRestorationLogger sets the logger.
func WithRestorationLogger(l logging.Logger) RestorationOption {
	return func(s *StateRestoration) { s.logger = logging.OrNop(l) }
}

// WithTimeoutPolicy overrides the hang-recovery multiplier and the timeout
// assumed when none was reported. Non-positive values keep the defaults.
func WithTimeoutPolicy(multiplier float64, defaultTimeout time.Duration) RestorationOption {
	return func(s *StateRestoration) {
		if multiplier > 0 {
			s.multiplier = multiplier
		}
		if defaultTimeout > 0 {
			s.defTimeout = defaultTimeout
		}
	}
}

// WithTerminateGrace overrides the SIGTERM to SIGKILL window.
func WithTerminateGrace(d time.Duration) RestorationOption {
	return func(s *StateRestoration) { s.grace = d }
}

// NewStateRestoration creates a StateRestoration.
func NewStateRestoration(opts ...RestorationOption) *StateRestoration {
	s := &StateRestoration{
		logger:     logging.NewNop(),
		multiplier: DefaultTimeoutMultiplier,
		defTimeout: DefaultStageTimeout,
		grace:      DefaultTerminateGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RestartStage restarts the stage named in actx. A missing stage name is an
// invalid_context error. Restarter failures are transient.
func (s *StateRestoration) RestartStage(ctx context.Context, actx *workflows.ActionContext, fix *FixResult) (*RestartResult, error) {
	if actx == nil || actx.Stage == nil || actx.Stage.Name == "" {
		return nil, &workflows.RecoveryError{Kind: workflows.KindInvalidContext, Handler: "restart_stage", Message: "no stage name in context"}
	}

	result := &RestartResult{
		Stage:          actx.Stage.Name,
		TimeoutSeconds: actx.Stage.TimeoutSeconds,
	}
	if actx.Card != nil {
		result.CardID = actx.Card.CardID
	}
	if fix != nil {
		result.FixStrategy = fix.Strategy
	}

	if s.stages == nil {
		s.logger.Warn("stage_restart_unavailable", "stage", result.Stage, "card_id", result.CardID)
		return result, nil
	}

	timeout := time.Duration(result.TimeoutSeconds * float64(time.Second))
	if err := s.stages.RerunStage(ctx, result.CardID, result.Stage, timeout); err != nil {
		return result, &workflows.RecoveryError{Kind: workflows.KindTransient, Handler: "restart_stage", Message: "restart " + result.Stage + " failed", Err: err}
	}
	result.Restarted = true
	s.logger.Info("stage_restarted", "stage", result.Stage, "card_id", result.CardID, "timeout_seconds", result.TimeoutSeconds, "fix_strategy", result.FixStrategy)
	return result, nil
}

// TerminateAgent stops agent's process. Without a PID or a process
// controller the request is logged and left to the external supervisor.
// Terminating a process that already exited succeeds.
func (s *StateRestoration) TerminateAgent(ctx context.Context, agent string, pid int) error {
	if agent == "" {
		return &workflows.RecoveryError{Kind: workflows.KindInvalidContext, Handler: "terminate_agent", Message: "agent name is empty"}
	}
	if pid <= 0 || s.processes == nil {
		s.logger.Info("agent_termination_delegated", "agent", agent, "pid", pid)
		return nil
	}

	err := s.processes.Terminate(ctx, pid, s.grace)
	if err != nil && !errors.Is(err, workflows.ErrProcessNotFound) {
		return &workflows.RecoveryError{Kind: workflows.KindTransient, Handler: "terminate_agent", Message: "terminate " + agent + " failed", Err: err}
	}
	s.logger.Info("agent_terminated", "agent", agent, "pid", pid)
	return nil
}

// NextTimeout returns the timeout for the next attempt after a hang.
func (s *StateRestoration) NextTimeout(previousSeconds float64) float64 {
	if previousSeconds <= 0 {
		previousSeconds = s.defTimeout.Seconds()
	}
	return previousSeconds * s.multiplier
}

// RestartWithTimeout restarts a hung agent's stage with a longer timeout.
// It does not interrupt anything already running. The stage defaults to
// the agent name.
func (s *StateRestoration) RestartWithTimeout(ctx context.Context, agent string, timeout TimeoutInfo) (*RestartResult, error) {
	stage := timeout.Stage
	if stage == "" {
		stage = agent
	}
	actx := &workflows.ActionContext{
		Stage: &workflows.StageContext{Name: stage, TimeoutSeconds: s.NextTimeout(timeout.TimeoutSeconds)},
	}
	if timeout.CardID != "" {
		actx.Card = &workflows.CardContext{CardID: timeout.CardID}
	}

	result, err := s.RestartStage(ctx, actx, &FixResult{Strategy: "increase_timeout"})
	if result != nil {
		result.Agent = agent
	}
	return result, err
}

// ApplyContextFix merges fix into a copy of execCtx. ParsedData overrides
// existing keys; Defaults only fill missing ones. The strategy is appended
// to "applied_fixes" and set as "fix_strategy". execCtx is not modified.
func ApplyContextFix(execCtx map[string]any, fix FixResult) (map[string]any, error) {
	merged := make(map[string]any, len(execCtx)+len(fix.ParsedData)+2)
	if len(execCtx) > 0 {
		dup, err := copystructure.Copy(execCtx)
		if err != nil {
			return nil, err
		}
		merged = dup.(map[string]any)
	}

	for k, v := range fix.ParsedData {
		merged[k] = v
	}
	for k, v := range fix.Defaults {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	if fix.Strategy != "" {
		var applied []string
		if prev, ok := typeutil.AsStringSlice(merged["applied_fixes"]); ok {
			applied = append(applied, prev...)
		}
		merged["applied_fixes"] = append(applied, fix.Strategy)
		merged["fix_strategy"] = fix.Strategy
	}
	return merged, nil
}
