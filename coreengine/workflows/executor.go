package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/coreengine/safe"
	"github.com/redmage123/artemis/coreengine/state"
	"github.com/redmage123/artemis/coreengine/twopass"
	"github.com/redmage123/artemis/eventbus"
)

// ActionOutcome records how one action went.
type ActionOutcome struct {
	Name     string
	Attempts int
	Err      error
	Duration time.Duration
}

// ExecutionResult is the outcome of running a workflow.
type ExecutionResult struct {
	Workflow   string
	IssueType  IssueType
	Success    bool
	FinalState state.PipelineState
	Actions    []ActionOutcome
	Duration   time.Duration
}

// Err returns the error of the action that failed the workflow, if any.
func (r *ExecutionResult) Err() error {
	for _, a := range r.Actions {
		if a.Err != nil {
			return a.Err
		}
	}
	return nil
}

// Executor runs workflows. Actions run in order; the first action that still
// fails after its retries fails the workflow and skips the rest.
type Executor struct {
	retry      twopass.RetryConfig
	sleep      twopass.Sleeper
	observable eventbus.Observable
	logger     logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryConfig sets the backoff between action retries. MaxRetries is
// ignored; each action supplies its own.
func WithRetryConfig(cfg twopass.RetryConfig) ExecutorOption {
	return func(e *Executor) { e.retry = cfg }
}

// WithExecutorSleeper replaces the backoff sleep.
func WithExecutorSleeper(s twopass.Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithExecutorObservable sets the event sink.
func WithExecutorObservable(o eventbus.Observable) ExecutorOption {
	return func(e *Executor) { e.observable = o }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		retry: twopass.RetryConfig{
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        10 * time.Second,
			ExponentialBase: 2.0,
		},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs w against a copy of actx with Issue set to the workflow's
// issue type. The returned error is non-nil only for a nil workflow or a
// cancelled context; action failures are reported in the result.
func (e *Executor) Execute(ctx context.Context, w *Workflow, actx *ActionContext) (*ExecutionResult, error) {
	if w == nil {
		return nil, errors.New("workflow is nil")
	}
	run := ActionContext{}
	if actx != nil {
		run = *actx
	}
	run.Issue = w.IssueType
	actx = &run
	log := e.logger.Bind("workflow", w.Name, "issue_type", string(w.IssueType))

	ctx, span := observability.StartSpan(ctx, "workflow.execute",
		attribute.String("workflow", w.Name),
		attribute.String("issue_type", string(w.IssueType)),
	)
	start := time.Now()
	result := &ExecutionResult{Workflow: w.Name, IssueType: w.IssueType, Success: true}

	log.Info("workflow_started", "actions", len(w.Actions))
	e.emit(eventbus.WorkflowStarted, actx, map[string]any{
		"workflow":   w.Name,
		"issue_type": string(w.IssueType),
		"actions":    w.ActionNames(),
	})

	for _, a := range w.Actions {
		outcome := e.runAction(ctx, log, a, actx)
		result.Actions = append(result.Actions, outcome)
		if outcome.Err != nil {
			result.Success = false
			log.Warn("workflow_action_failed",
				"action", a.Name,
				"attempts", outcome.Attempts,
				"error_kind", KindOf(outcome.Err),
				"error", outcome.Err,
			)
			break
		}
	}

	result.Duration = time.Since(start)
	status := "success"
	eventType := eventbus.WorkflowCompleted
	result.FinalState = w.SuccessState
	if !result.Success {
		status = "failed"
		eventType = eventbus.WorkflowFailed
		result.FinalState = w.FailureState
	}
	observability.RecordWorkflowExecution(w.Name, status, int(result.Duration.Milliseconds()))
	observability.EndSpan(span, result.Err())

	log.Info("workflow_finished",
		"success", result.Success,
		"final_state", result.FinalState,
		"duration_ms", result.Duration.Milliseconds(),
	)
	data := map[string]any{
		"workflow":    w.Name,
		"issue_type":  string(w.IssueType),
		"final_state": string(result.FinalState),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if err := result.Err(); err != nil {
		data["error"] = err.Error()
	}
	e.emit(eventType, actx, data)

	if err := ctx.Err(); err != nil && !result.Success {
		return result, err
	}
	return result, nil
}

func (e *Executor) runAction(ctx context.Context, log logging.Logger, a WorkflowAction, actx *ActionContext) (outcome ActionOutcome) {
	outcome.Name = a.Name
	start := time.Now()
	defer func() { outcome.Duration = time.Since(start) }()

	if a.Handler == nil {
		outcome.Err = &RecoveryError{Kind: KindFatal, Handler: a.Name, Message: "no handler"}
		return outcome
	}
	if missing := actx.Missing(a.Handler.Requires()); len(missing) > 0 {
		observability.RecordActionAttempt(a.Name, "invalid_context")
		outcome.Err = &RecoveryError{
			Kind:    KindInvalidContext,
			Handler: a.Handler.Name(),
			Message: fmt.Sprintf("missing context %v", missing),
		}
		return outcome
	}

	cfg := e.retry
	cfg.MaxRetries = -1
	if a.RetryOnFailure && a.MaxRetries > 0 {
		cfg.MaxRetries = a.MaxRetries
	}
	var opts []twopass.RetryOption
	if e.sleep != nil {
		opts = append(opts, twopass.WithSleeper(e.sleep))
	}
	strategy := twopass.NewRetryStrategy(cfg, log, opts...)

	operation := "action:" + a.Name
	err := strategy.Retry(ctx, operation, func(ctx context.Context) error {
		outcome.Attempts++
		err := safe.Execute(log, operation, func() error {
			return a.Handler.Handle(ctx, actx)
		})
		var panicErr *safe.PanicError
		if errors.As(err, &panicErr) {
			err = &RecoveryError{Kind: KindFatal, Handler: a.Handler.Name(), Message: "handler panicked", Err: err}
		}
		status := "success"
		if err != nil {
			status = "failed"
		}
		observability.RecordActionAttempt(a.Name, status)
		return err
	})

	var exhausted *twopass.TwoPassPipelineError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	outcome.Err = err
	return outcome
}

func (e *Executor) emit(t eventbus.EventType, actx *ActionContext, data map[string]any) {
	cardID, stage := "", ""
	if actx.Card != nil {
		cardID = actx.Card.CardID
	}
	if actx.Stage != nil {
		stage = actx.Stage.Name
	}
	eventbus.Emit(e.observable, eventbus.NewPipelineEvent(t, stage, cardID, data))
}
