package twopass

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/eventbus"
)

// TwoPassPipelineConfig wires a TwoPassPipeline. Nil comparator, rollback
// manager and retry strategy are replaced by defaults.
type TwoPassPipelineConfig struct {
	First      PassStrategy
	Second     PassStrategy
	Comparator *PassComparator
	Rollback   *RollbackManager
	Retry      *RetryStrategy
	Observable eventbus.Observable
	Logger     logging.Logger
}

// TwoPassOutcome is the result of a two-pass run.
type TwoPassOutcome struct {
	// Final is the pass whose output should be used.
	Final      *PassResult
	FirstPass  *PassResult
	SecondPass *PassResult
	Delta      *PassDelta
	// Classification is empty when no comparison happened.
	Classification QualityChange
	RolledBack     bool
	RestoredState  map[string]any
	// SecondPassErr is set when the second pass failed and the first was kept.
	SecondPassErr error
}

// TwoPassPipeline runs first pass, second pass, comparison and rollback.
type TwoPassPipeline struct {
	cfg TwoPassPipelineConfig
}

// NewTwoPassPipeline validates cfg and fills defaults.
func NewTwoPassPipeline(cfg TwoPassPipelineConfig) (*TwoPassPipeline, error) {
	if cfg.First == nil || cfg.Second == nil {
		return nil, &ConfigurationError{Message: "two-pass pipeline requires first and second strategies"}
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Comparator == nil {
		cfg.Comparator = NewPassComparator(cfg.Observable, cfg.Logger)
	}
	if cfg.Rollback == nil {
		cfg.Rollback = NewRollbackManager(DefaultRollbackThreshold, cfg.Observable, cfg.Logger)
	}
	if cfg.Retry == nil {
		cfg.Retry = NewRetryStrategy(DefaultRetryConfig(), cfg.Logger)
	}
	return &TwoPassPipeline{cfg: cfg}, nil
}

// Run executes both passes. A first-pass failure is an error; a second-pass
// failure keeps the first pass and is reported in the outcome.
func (p *TwoPassPipeline) Run(ctx context.Context, input PassInput) (outcome *TwoPassOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "twopass.run", attribute.String("card_id", input.CardID))
	defer func() { observability.EndSpan(span, err) }()

	logger := p.cfg.Logger.Bind("card_id", input.CardID)

	first, err := RetryValue(ctx, p.cfg.Retry, "first_pass", func(ctx context.Context) (*PassResult, error) {
		return p.cfg.First.Execute(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	memento := NewPassMemento(first)

	outcome = &TwoPassOutcome{Final: first, FirstPass: first}

	secondInput := input
	secondInput.FirstPass = first
	second, secondErr := RetryValue(ctx, p.cfg.Retry, "second_pass", func(ctx context.Context) (*PassResult, error) {
		return p.cfg.Second.Execute(ctx, secondInput)
	})
	if secondErr != nil {
		logger.Warn("second_pass_abandoned", "error", secondErr)
		outcome.SecondPassErr = secondErr
		p.emitCompleted(input.CardID, outcome)
		return outcome, nil
	}
	outcome.SecondPass = second

	delta, err := p.cfg.Comparator.Compare(first, second)
	if err != nil {
		return nil, err
	}
	outcome.Delta = delta
	outcome.Classification = p.cfg.Comparator.Classify(delta)

	if p.cfg.Rollback.ShouldRollback(delta) {
		reason := fmt.Sprintf("quality delta %.4f below threshold %.4f", delta.QualityDelta, p.cfg.Rollback.Threshold())
		restored, err := p.cfg.Rollback.RollbackToMemento(memento, reason)
		if err != nil {
			return nil, err
		}
		outcome.RolledBack = true
		outcome.RestoredState = restored
		outcome.Final = first
	} else {
		outcome.Final = second
	}

	logger.Info("two_pass_completed",
		"classification", outcome.Classification,
		"quality_delta", delta.QualityDelta,
		"rolled_back", outcome.RolledBack,
	)
	p.emitCompleted(input.CardID, outcome)
	return outcome, nil
}

func (p *TwoPassPipeline) emitCompleted(cardID string, outcome *TwoPassOutcome) {
	data := map[string]any{
		"final_pass":  outcome.Final.PassName,
		"rolled_back": outcome.RolledBack,
	}
	if outcome.Delta != nil {
		data["quality_delta"] = outcome.Delta.QualityDelta
		data["classification"] = string(outcome.Classification)
	}
	if outcome.SecondPassErr != nil {
		data["second_pass_error"] = outcome.SecondPassErr.Error()
	}
	eventbus.Emit(p.cfg.Observable, eventbus.NewPipelineEvent(eventbus.TwoPassCompleted, "", cardID, data))
}
