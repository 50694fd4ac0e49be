package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/coreengine/safe"
	"github.com/redmage123/artemis/eventbus"
)

// ErrNilResult is reported when an executor returns neither result nor error.
var ErrNilResult = errors.New("stage executor returned no result")

// ExecutionEngine runs selected stages against a PipelineContext.
//
// Sequential mode is fail-fast: the first failed stage stops the run.
// Successful results are cached in the context and a cached stage is never
// re-executed. Parallel mode delegates to a ParallelStageExecutor.
type ExecutionEngine struct {
	executor   StageExecutor
	parallel   ParallelStageExecutor
	tracker    StageTracker
	observable eventbus.Observable
	logger     logging.Logger
	now        func() time.Time
}

// EngineOption configures an ExecutionEngine.
type EngineOption func(*ExecutionEngine)

// WithParallelExecutor enables ModeParallel.
func WithParallelExecutor(p ParallelStageExecutor) EngineOption {
	return func(e *ExecutionEngine) { e.parallel = p }
}

// WithStageTracker reports stage lifecycle to t.
func WithStageTracker(t StageTracker) EngineOption {
	return func(e *ExecutionEngine) { e.tracker = t }
}

// WithEngineObservable sets the event sink.
func WithEngineObservable(o eventbus.Observable) EngineOption {
	return func(e *ExecutionEngine) { e.observable = o }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(e *ExecutionEngine) { e.logger = logging.OrNop(l) }
}

// NewExecutionEngine creates an engine around a single-stage executor.
func NewExecutionEngine(executor StageExecutor, opts ...EngineOption) *ExecutionEngine {
	e := &ExecutionEngine{
		executor: executor,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteStages runs stages in the given mode and returns results keyed by
// stage name. A stage failure is reported in its result, not as an error;
// the error return is reserved for cancellation and parallel executor faults.
func (e *ExecutionEngine) ExecuteStages(ctx context.Context, stages []Stage, pctx *PipelineContext, mode ExecutionMode) (map[string]*StageResult, error) {
	if mode == ModeParallel {
		if e.parallel != nil {
			return e.executeParallel(ctx, stages, pctx)
		}
		e.logger.Warn("parallel_executor_unavailable",
			"card_id", pctx.CardID,
			"fallback", ModeSequential,
		)
	}
	return e.executeSequential(ctx, stages, pctx)
}

func (e *ExecutionEngine) executeSequential(ctx context.Context, stages []Stage, pctx *PipelineContext) (map[string]*StageResult, error) {
	results := make(map[string]*StageResult, len(stages))

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if cached, ok := pctx.GetCachedResult(stage.Name); ok {
			hit := *cached
			hit.Cached = true
			e.recordCacheHit(stage, pctx, &hit)
			results[stage.Name] = &hit
			continue
		}

		result := e.runStage(ctx, stage, pctx)
		results[stage.Name] = result

		if !result.IsSuccess() {
			e.logger.Warn("pipeline_stopped_on_failure",
				"card_id", pctx.CardID,
				"stage", stage.Name,
				"error", result.ErrorMessage(),
			)
			break
		}
	}
	return results, nil
}

func (e *ExecutionEngine) runStage(ctx context.Context, stage Stage, pctx *PipelineContext) *StageResult {
	e.stageStarted(stage, pctx)

	ctx, span := observability.StartSpan(ctx, "pipeline.stage",
		attribute.String("stage", stage.Name),
		attribute.String("card_id", pctx.CardID),
	)
	start := e.now()

	result, err := safe.ExecuteWithResult(e.logger, "stage:"+stage.Name, func() (*StageResult, error) {
		return e.executor.ExecuteStage(ctx, stage, pctx.ToMap(), pctx.CardID)
	})
	result = normalizeResult(stage, result, err)
	if result.Duration == 0 {
		result.Duration = e.now().Sub(start)
	}
	observability.EndSpan(span, result.Err)

	e.stageFinished(stage, pctx, result)
	if result.IsSuccess() {
		pctx.CacheResult(result)
		pctx.UpdateFromResult(result)
	}
	return result
}

func (e *ExecutionEngine) executeParallel(ctx context.Context, stages []Stage, pctx *PipelineContext) (map[string]*StageResult, error) {
	for _, stage := range stages {
		e.stageStarted(stage, pctx)
	}

	ctx, span := observability.StartSpan(ctx, "pipeline.parallel",
		attribute.Int("stages", len(stages)),
		attribute.String("card_id", pctx.CardID),
	)
	results, err := e.parallel.ExecuteParallel(ctx, stages, pctx.ToMap(), pctx.CardID)
	observability.EndSpan(span, err)
	if results == nil {
		results = make(map[string]*StageResult)
	}

	// Merge in stage order so context updates are deterministic.
	for _, stage := range stages {
		result, ok := results[stage.Name]
		if !ok {
			if err == nil {
				err = fmt.Errorf("parallel executor returned no result for stage %q", stage.Name)
			}
			continue
		}
		result = normalizeResult(stage, result, nil)
		results[stage.Name] = result
		e.stageFinished(stage, pctx, result)
		if result.IsSuccess() {
			pctx.CacheResult(result)
			pctx.UpdateFromResult(result)
		}
	}
	return results, err
}

func (e *ExecutionEngine) stageStarted(stage Stage, pctx *PipelineContext) {
	if e.tracker != nil {
		e.tracker.StartStage(stage.Name)
	}
	e.logger.Info("stage_started", "card_id", pctx.CardID, "stage", stage.Name)
	eventbus.Emit(e.observable, eventbus.NewPipelineEvent(eventbus.StageStarted, stage.Name, pctx.CardID, map[string]any{
		"category": string(stage.EffectiveCategory()),
	}))
}

func (e *ExecutionEngine) stageFinished(stage Stage, pctx *PipelineContext, result *StageResult) {
	durationMS := int(result.Duration.Milliseconds())
	data := map[string]any{"duration_seconds": result.Duration.Seconds()}

	if result.IsSuccess() {
		if e.tracker != nil {
			e.tracker.CompleteStage(stage.Name)
		}
		observability.RecordStageExecution(stage.Name, "success", durationMS)
		e.logger.Info("stage_completed", "card_id", pctx.CardID, "stage", stage.Name, "duration_ms", durationMS)
		eventbus.Emit(e.observable, eventbus.NewPipelineEvent(eventbus.StageCompleted, stage.Name, pctx.CardID, data))
		return
	}

	msg := result.ErrorMessage()
	if e.tracker != nil {
		e.tracker.FailStage(stage.Name, msg)
	}
	observability.RecordStageExecution(stage.Name, "failed", durationMS)
	e.logger.Error("stage_failed", "card_id", pctx.CardID, "stage", stage.Name, "error", msg)
	data["error"] = msg
	eventbus.Emit(e.observable, eventbus.NewPipelineEvent(eventbus.StageFailed, stage.Name, pctx.CardID, data))
}

func (e *ExecutionEngine) recordCacheHit(stage Stage, pctx *PipelineContext, cached *StageResult) {
	observability.RecordStageCacheHit(stage.Name)
	e.logger.Debug("stage_cache_hit", "card_id", pctx.CardID, "stage", stage.Name)
	eventbus.Emit(e.observable, eventbus.NewPipelineEvent(eventbus.StageCacheHit, stage.Name, pctx.CardID, map[string]any{
		"duration_seconds": cached.Duration.Seconds(),
	}))
}

// normalizeResult turns executor errors, panics and nil results into a
// failed StageResult named after the stage.
func normalizeResult(stage Stage, result *StageResult, err error) *StageResult {
	if err != nil {
		return &StageResult{StageName: stage.Name, Success: false, Err: err}
	}
	if result == nil {
		return &StageResult{StageName: stage.Name, Success: false, Err: ErrNilResult}
	}
	if result.StageName == "" {
		result.StageName = stage.Name
	}
	if !result.Success && result.Err == nil {
		result.Err = fmt.Errorf("stage %s failed", stage.Name)
	}
	return result
}
