package workflows

import (
	"github.com/redmage123/artemis/coreengine/state"
)

// WorkflowAction is one step of a workflow.
type WorkflowAction struct {
	Name    string
	Handler Handler
	// RetryOnFailure retries the handler up to MaxRetries times. Handlers
	// used this way must be idempotent.
	RetryOnFailure bool
	MaxRetries     int
}

// Workflow is a named, ordered remediation procedure for one issue type.
type Workflow struct {
	Name         string
	IssueType    IssueType
	Description  string
	Actions      []WorkflowAction
	SuccessState state.PipelineState
	FailureState state.PipelineState
}

// RequiredKinds returns the union of context families the actions read,
// in first-use order.
func (w *Workflow) RequiredKinds() []ContextKind {
	seen := make(map[ContextKind]bool)
	var kinds []ContextKind
	for _, a := range w.Actions {
		if a.Handler == nil {
			continue
		}
		for _, k := range a.Handler.Requires() {
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

// ActionNames returns the action names in order.
func (w *Workflow) ActionNames() []string {
	names := make([]string, len(w.Actions))
	for i, a := range w.Actions {
		names[i] = a.Name
	}
	return names
}

// action builds a single-attempt step named after its handler.
func action(h Handler) WorkflowAction {
	return WorkflowAction{Name: h.Name(), Handler: h}
}

// retried builds a step retried up to n times.
func retried(h Handler, n int) WorkflowAction {
	return WorkflowAction{Name: h.Name(), Handler: h, RetryOnFailure: true, MaxRetries: n}
}
