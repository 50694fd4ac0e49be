package twopass

import (
	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/coreengine/safe"
	"github.com/redmage123/artemis/eventbus"
)

// PassComparator decides whether a second pass is better than the first.
type PassComparator struct {
	threshold  float64
	observable eventbus.Observable
	logger     logging.Logger
}

// NewPassComparator creates a comparator with the default noise threshold.
func NewPassComparator(observable eventbus.Observable, logger logging.Logger) *PassComparator {
	return NewPassComparatorWithThreshold(DefaultNoiseThreshold, observable, logger)
}

// NewPassComparatorWithThreshold creates a comparator with a custom noise threshold.
func NewPassComparatorWithThreshold(threshold float64, observable eventbus.Observable, logger logging.Logger) *PassComparator {
	return &PassComparator{
		threshold:  threshold,
		observable: observable,
		logger:     logging.OrNop(logger),
	}
}

// Threshold returns the noise threshold.
func (c *PassComparator) Threshold() float64 {
	return c.threshold
}

// Compare builds the delta between two passes and emits exactly one of
// pass_quality_improved, pass_quality_degraded or pass_quality_unchanged.
// Any failure is returned as *PassComparisonError.
func (c *PassComparator) Compare(first, second *PassResult) (*PassDelta, error) {
	firstName, secondName := passName(first), passName(second)

	eventbus.Emit(c.observable, eventbus.NewPipelineEvent(eventbus.PassComparisonStarted, "", "", map[string]any{
		"first_pass":  firstName,
		"second_pass": secondName,
	}))

	delta, err := safe.ExecuteWithResult(c.logger, "pass_comparison", func() (*PassDelta, error) {
		return NewPassDelta(first, second)
	})
	if err != nil {
		c.logger.Error("pass_comparison_failed", "first_pass", firstName, "second_pass", secondName, "error", err)
		return nil, &PassComparisonError{FirstPass: firstName, SecondPass: secondName, Err: err}
	}

	classification := c.Classify(delta)
	observability.RecordPassComparison(string(classification), delta.QualityDelta)
	c.logger.Info("pass_comparison_completed",
		"first_pass", firstName,
		"second_pass", secondName,
		"quality_delta", delta.QualityDelta,
		"classification", classification,
	)

	eventbus.Emit(c.observable, eventbus.NewPipelineEvent(classificationEvent(classification), "", "", map[string]any{
		"first_pass":           firstName,
		"second_pass":          secondName,
		"quality_delta":        delta.QualityDelta,
		"classification":       string(classification),
		"new_artifacts":        delta.NewArtifacts,
		"new_learnings":        delta.NewLearnings,
		"execution_time_delta": delta.ExecutionTimeDelta.Seconds(),
	}))
	return delta, nil
}

// Classify applies the comparator's noise threshold to delta.
func (c *PassComparator) Classify(delta *PassDelta) QualityChange {
	return delta.Classify(c.threshold)
}

func classificationEvent(change QualityChange) eventbus.EventType {
	switch change {
	case QualityImproved:
		return eventbus.PassQualityImproved
	case QualityDegraded:
		return eventbus.PassQualityDegraded
	default:
		return eventbus.PassQualityUnchanged
	}
}

func passName(r *PassResult) string {
	if r == nil {
		return ""
	}
	return r.PassName
}
