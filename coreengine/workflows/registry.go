package workflows

import (
	"fmt"
	"sync"
)

// Registry maps issue types to workflows. Lookup is by IssueType only.
type Registry struct {
	mu        sync.RWMutex
	workflows map[IssueType]*Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[IssueType]*Workflow)}
}

// NewDefaultRegistry registers the built-in workflow for every issue type.
func NewDefaultRegistry(h *HandlerSet) *Registry {
	r := NewRegistry()
	for _, w := range BuildDefaultWorkflows(h) {
		r.workflows[w.IssueType] = w
	}
	return r
}

// Register adds w. It fails for an unknown issue type or one that already
// has a workflow.
func (r *Registry) Register(w *Workflow) error {
	if err := checkRegistrable(w); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.IssueType]; exists {
		return fmt.Errorf("workflow for %s already registered", w.IssueType)
	}
	r.workflows[w.IssueType] = w
	return nil
}

// Override adds w, replacing any existing workflow for its issue type.
func (r *Registry) Override(w *Workflow) error {
	if err := checkRegistrable(w); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.IssueType] = w
	return nil
}

func checkRegistrable(w *Workflow) error {
	if w == nil {
		return fmt.Errorf("workflow is nil")
	}
	if !w.IssueType.IsValid() {
		return fmt.Errorf("workflow %q: unknown issue type %q", w.Name, w.IssueType)
	}
	return nil
}

// Get returns the workflow for issue.
func (r *Registry) Get(issue IssueType) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[issue]
	return w, ok
}

// List returns the registered workflows in AllIssueTypes order.
func (r *Registry) List() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, t := range allIssueTypes {
		if w, ok := r.workflows[t]; ok {
			out = append(out, w)
		}
	}
	return out
}

// IssueTypes returns the issue types with a workflow, in AllIssueTypes order.
func (r *Registry) IssueTypes() []IssueType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IssueType, 0, len(r.workflows))
	for _, t := range allIssueTypes {
		if _, ok := r.workflows[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
