package twopass

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/eventbus"
)

// Pass names reported in PassResult.PassName.
const (
	FirstPassName  = "first"
	SecondPassName = "second"
)

// PassInput is what a strategy hands to its runner.
type PassInput struct {
	CardID string
	Task   map[string]any
	// FirstPass is set for the second pass.
	FirstPass *PassResult
}

// PassRunner performs the actual pass, typically by calling an LLM agent.
type PassRunner interface {
	RunPass(ctx context.Context, passName string, input PassInput) (*PassResult, error)
}

// PassRunnerFunc adapts a function to PassRunner.
type PassRunnerFunc func(ctx context.Context, passName string, input PassInput) (*PassResult, error)

// RunPass implements PassRunner.
func (f PassRunnerFunc) RunPass(ctx context.Context, passName string, input PassInput) (*PassResult, error) {
	return f(ctx, passName, input)
}

// PassStrategy executes one pass.
type PassStrategy interface {
	Name() string
	Execute(ctx context.Context, input PassInput) (*PassResult, error)
}

// StrategyDeps are injected into strategy constructors.
type StrategyDeps struct {
	Runner     PassRunner
	Observable eventbus.Observable
	Logger     logging.Logger
	Verbose    bool
}

// StrategyConstructor builds a strategy from its dependencies.
type StrategyConstructor func(deps StrategyDeps) PassStrategy

// =============================================================================
// REGISTRY
// =============================================================================

// StrategyRegistry maps strategy names to constructors.
// Unknown names are a *ConfigurationError, never a silent default.
type StrategyRegistry struct {
	ctors map[string]StrategyConstructor
	mu    sync.RWMutex
}

// NewStrategyRegistry creates an empty registry.
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{ctors: make(map[string]StrategyConstructor)}
}

// DefaultStrategyRegistry registers the first and second pass strategies
// under their short and long names.
func DefaultStrategyRegistry() *StrategyRegistry {
	r := NewStrategyRegistry()
	_ = r.Register("first", NewFirstPassStrategy)
	_ = r.Register("FirstPass", NewFirstPassStrategy)
	_ = r.Register("second", NewSecondPassStrategy)
	_ = r.Register("SecondPass", NewSecondPassStrategy)
	return r
}

// Register adds a constructor. Names must be unique and non-empty.
func (r *StrategyRegistry) Register(name string, ctor StrategyConstructor) error {
	if name == "" {
		return &ConfigurationError{Message: "strategy name must not be empty"}
	}
	if ctor == nil {
		return &ConfigurationError{Key: name, Message: fmt.Sprintf("strategy %q has no constructor", name)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[name]; exists {
		return &ConfigurationError{Key: name, Message: fmt.Sprintf("strategy %q already registered", name)}
	}
	r.ctors[name] = ctor
	return nil
}

// Create builds the named strategy.
func (r *StrategyRegistry) Create(name string, deps StrategyDeps) (PassStrategy, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &ConfigurationError{Key: name, Available: r.List()}
	}
	if deps.Runner == nil {
		return nil, &ConfigurationError{Key: name, Message: fmt.Sprintf("strategy %q requires a pass runner", name)}
	}
	deps.Logger = logging.OrNop(deps.Logger)
	return ctor(deps), nil
}

// List returns registered names, sorted.
func (r *StrategyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *StrategyRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// =============================================================================
// STRATEGIES
// =============================================================================

// FirstPassStrategy runs the fast, approximate pass.
type FirstPassStrategy struct {
	deps StrategyDeps
}

// NewFirstPassStrategy is the StrategyConstructor for the first pass.
func NewFirstPassStrategy(deps StrategyDeps) PassStrategy {
	return &FirstPassStrategy{deps: deps}
}

func (s *FirstPassStrategy) Name() string { return FirstPassName }

// Execute runs the first pass.
func (s *FirstPassStrategy) Execute(ctx context.Context, input PassInput) (*PassResult, error) {
	return runPass(ctx, s.deps, FirstPassName, input, passEvents{
		started:   eventbus.FirstPassStarted,
		completed: eventbus.FirstPassCompleted,
		failed:    eventbus.FirstPassFailed,
	})
}

// SecondPassStrategy runs the refined pass, seeded with the first pass's
// artifacts, learnings and insights.
type SecondPassStrategy struct {
	deps StrategyDeps
}

// NewSecondPassStrategy is the StrategyConstructor for the second pass.
func NewSecondPassStrategy(deps StrategyDeps) PassStrategy {
	return &SecondPassStrategy{deps: deps}
}

func (s *SecondPassStrategy) Name() string { return SecondPassName }

// Execute runs the second pass. input.FirstPass is required.
func (s *SecondPassStrategy) Execute(ctx context.Context, input PassInput) (*PassResult, error) {
	if input.FirstPass == nil {
		return nil, errors.New("second pass requires a first pass result")
	}

	task := deepCopyMap(input.Task)
	if task == nil {
		task = map[string]any{}
	}
	task["first_pass_artifacts"] = deepCopyMap(input.FirstPass.Artifacts)
	task["first_pass_learnings"] = append([]string{}, input.FirstPass.Learnings...)
	task["first_pass_insights"] = deepCopyMap(input.FirstPass.Insights)
	task["first_pass_quality"] = input.FirstPass.QualityScore
	input.Task = task

	return runPass(ctx, s.deps, SecondPassName, input, passEvents{
		started:   eventbus.SecondPassStarted,
		completed: eventbus.SecondPassCompleted,
		failed:    eventbus.SecondPassFailed,
	})
}

type passEvents struct {
	started, completed, failed eventbus.EventType
}

func runPass(ctx context.Context, deps StrategyDeps, name string, input PassInput, events passEvents) (*PassResult, error) {
	logger := logging.OrNop(deps.Logger)
	if deps.Runner == nil {
		return nil, fmt.Errorf("%s pass: no runner configured", name)
	}

	eventbus.Emit(deps.Observable, eventbus.NewPipelineEvent(events.started, "", input.CardID, nil))
	if deps.Verbose {
		logger.Info("pass_started", "pass", name, "card_id", input.CardID)
	}

	start := time.Now()
	result, err := deps.Runner.RunPass(ctx, name, input)
	if err == nil && result == nil {
		err = fmt.Errorf("%s pass returned no result", name)
	}
	if err == nil && !result.Success {
		err = &PassFailedError{PassName: name, Result: result}
	}
	if err != nil {
		logger.Warn("pass_failed", "pass", name, "card_id", input.CardID, "error", err)
		eventbus.Emit(deps.Observable, eventbus.NewPipelineEvent(events.failed, "", input.CardID, map[string]any{
			"error": err.Error(),
		}))
		return nil, err
	}

	if result.PassName == "" {
		result.PassName = name
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	if deps.Verbose {
		logger.Info("pass_completed", "pass", name, "card_id", input.CardID, "quality_score", result.QualityScore)
	}
	eventbus.Emit(deps.Observable, eventbus.NewPipelineEvent(events.completed, "", input.CardID, map[string]any{
		"quality_score":  result.QualityScore,
		"execution_time": result.ExecutionTime.Seconds(),
		"learnings":      len(result.Learnings),
	}))
	return result, nil
}
