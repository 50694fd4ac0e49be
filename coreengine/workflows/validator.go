package workflows

import (
	"errors"
	"fmt"
)

// MaxActionRetries bounds WorkflowAction.MaxRetries.
const MaxActionRetries = 10

// ValidationError reports one problem with a workflow.
type ValidationError struct {
	Workflow string
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Message)
	}
	return fmt.Sprintf("workflow %q: %s: %s", e.Workflow, e.Field, e.Message)
}

// Validator checks workflows and registries. Every problem is reported;
// the returned error is an errors.Join of *ValidationError values.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateWorkflow checks one workflow.
func (v *Validator) ValidateWorkflow(w *Workflow) error {
	if w == nil {
		return &ValidationError{Message: "workflow is nil"}
	}
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Workflow: w.Name, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if w.Name == "" {
		fail("name", "must not be empty")
	}
	if !w.IssueType.IsValid() {
		fail("issue_type", "unknown issue type %q", w.IssueType)
	}
	if !w.SuccessState.IsValid() {
		fail("success_state", "unknown state %q", w.SuccessState)
	}
	if !w.FailureState.IsValid() {
		fail("failure_state", "unknown state %q", w.FailureState)
	}
	if w.SuccessState != "" && w.SuccessState == w.FailureState {
		fail("failure_state", "must differ from success_state")
	}
	if len(w.Actions) == 0 {
		fail("actions", "at least one action is required")
	}

	seen := make(map[string]bool, len(w.Actions))
	for i, a := range w.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if a.Name == "" {
			fail(field, "name must not be empty")
		} else if seen[a.Name] {
			fail(field, "duplicate action name %q", a.Name)
		}
		seen[a.Name] = true

		if a.Handler == nil {
			fail(field, "handler is nil")
		} else if _, missing := a.Handler.(missingHandler); missing {
			fail(field, "handler %q is not registered", a.Handler.Name())
		}
		if a.MaxRetries < 0 || a.MaxRetries > MaxActionRetries {
			fail(field, "max_retries %d outside [0, %d]", a.MaxRetries, MaxActionRetries)
		}
		if a.RetryOnFailure && a.MaxRetries == 0 {
			fail(field, "retry_on_failure requires max_retries > 0")
		}
	}
	return errors.Join(errs...)
}

// ValidateRegistry checks every workflow and that every issue type has one.
func (v *Validator) ValidateRegistry(r *Registry) error {
	var errs []error
	for _, w := range r.List() {
		if err := v.ValidateWorkflow(w); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range AllIssueTypes() {
		if _, ok := r.Get(t); !ok {
			errs = append(errs, &ValidationError{Workflow: string(t), Message: "no workflow registered for issue type"})
		}
	}
	return errors.Join(errs...)
}
