package eventbus

import (
	"context"
	"errors"
	"time"
)

// StageRerunRequested asks the orchestrator to run a stage again. Data may
// carry "timeout_seconds".
const StageRerunRequested EventType = "stage_rerun_requested"

// RerunRequester satisfies stage rerun requests by publishing
// StageRerunRequested. The orchestrator subscribes to the event (in process
// or through the NATS bridge) and performs the rerun.
type RerunRequester struct {
	observable Observable
}

// NewRerunRequester publishes rerun requests on o.
func NewRerunRequester(o Observable) *RerunRequester {
	return &RerunRequester{observable: o}
}

// RerunStage publishes the request. A zero timeout keeps the stage's current one.
func (r *RerunRequester) RerunStage(ctx context.Context, cardID, stage string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.observable == nil {
		return errors.New("no observable to publish rerun requests on")
	}
	if stage == "" {
		return errors.New("stage is required")
	}

	data := map[string]any{}
	if timeout > 0 {
		data["timeout_seconds"] = timeout.Seconds()
	}
	r.observable.Notify(NewPipelineEvent(StageRerunRequested, stage, cardID, data))
	return nil
}
