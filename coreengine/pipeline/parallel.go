package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/safe"
)

// ErrgroupExecutor is a ParallelStageExecutor backed by errgroup.
//
// Each stage receives its own deep copy of the input. Stage failures are
// reported in results and do not cancel siblings; only context cancellation
// aborts the batch.
type ErrgroupExecutor struct {
	executor StageExecutor
	limit    int
	logger   logging.Logger
}

// NewErrgroupExecutor creates an executor running at most limit stages at
// once. limit <= 0 means unbounded.
func NewErrgroupExecutor(executor StageExecutor, limit int, logger logging.Logger) *ErrgroupExecutor {
	return &ErrgroupExecutor{
		executor: executor,
		limit:    limit,
		logger:   logging.OrNop(logger),
	}
}

// ExecuteParallel implements ParallelStageExecutor.
func (x *ErrgroupExecutor) ExecuteParallel(ctx context.Context, stages []Stage, input map[string]any, cardID string) (map[string]*StageResult, error) {
	results := make(map[string]*StageResult, len(stages))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if x.limit > 0 {
		g.SetLimit(x.limit)
	}

	for _, stage := range stages {
		stage := stage
		stageInput := deepCopy(input)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			result, err := safe.ExecuteWithResult(x.logger, "stage:"+stage.Name, func() (*StageResult, error) {
				return x.executor.ExecuteStage(gctx, stage, stageInput, cardID)
			})
			result = normalizeResult(stage, result, err)
			if result.Duration == 0 {
				result.Duration = time.Since(start)
			}

			mu.Lock()
			results[stage.Name] = result
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		x.logger.Warn("parallel_stages_aborted", "card_id", cardID, "error", err)
		return results, err
	}
	return results, nil
}
