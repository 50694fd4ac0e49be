package workflows

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/redmage123/artemis/coreengine/state"
)

// ActionDefinition is the YAML form of a WorkflowAction.
type ActionDefinition struct {
	Name           string `yaml:"name,omitempty"`
	Handler        string `yaml:"handler"`
	RetryOnFailure bool   `yaml:"retry_on_failure,omitempty"`
	MaxRetries     int    `yaml:"max_retries,omitempty"`
}

// Definition is the YAML form of a Workflow. Handlers are referenced by name.
type Definition struct {
	Name         string             `yaml:"name,omitempty"`
	IssueType    string             `yaml:"issue_type"`
	Description  string             `yaml:"description,omitempty"`
	SuccessState string             `yaml:"success_state,omitempty"`
	FailureState string             `yaml:"failure_state,omitempty"`
	Actions      []ActionDefinition `yaml:"actions"`
}

// DefinitionFile is the top-level YAML document.
type DefinitionFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// ParseDefinitions decodes a definitions document. Unknown keys are rejected.
func ParseDefinitions(data []byte) ([]Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflows: definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file DefinitionFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("workflows: decode definitions: %w", err)
	}
	return file.Workflows, nil
}

// LoadDefinitionsFile reads and decodes a definitions file.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflows: read %s: %w", path, err)
	}
	defs, err := ParseDefinitions(content)
	if err != nil {
		return nil, fmt.Errorf("workflows: %s: %w", path, err)
	}
	return defs, nil
}

// Build resolves handler names against h. States default to running on
// success and failed on failure; the name defaults to <issue_type>_recovery.
func (d Definition) Build(h *HandlerSet) (*Workflow, error) {
	issue, err := ParseIssueType(d.IssueType)
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		Name:         d.Name,
		IssueType:    issue,
		Description:  d.Description,
		SuccessState: state.StateRunning,
		FailureState: state.StateFailed,
	}
	if w.Name == "" {
		w.Name = string(issue) + "_recovery"
	}
	if d.SuccessState != "" {
		if w.SuccessState, err = state.ParsePipelineState(d.SuccessState); err != nil {
			return nil, fmt.Errorf("workflow %q: success_state: %w", w.Name, err)
		}
	}
	if d.FailureState != "" {
		if w.FailureState, err = state.ParsePipelineState(d.FailureState); err != nil {
			return nil, fmt.Errorf("workflow %q: failure_state: %w", w.Name, err)
		}
	}

	for i, ad := range d.Actions {
		handler, ok := h.Get(ad.Handler)
		if !ok {
			return nil, fmt.Errorf("workflow %q: actions[%d]: unknown handler %q", w.Name, i, ad.Handler)
		}
		name := ad.Name
		if name == "" {
			name = ad.Handler
		}
		w.Actions = append(w.Actions, WorkflowAction{
			Name:           name,
			Handler:        handler,
			RetryOnFailure: ad.RetryOnFailure,
			MaxRetries:     ad.MaxRetries,
		})
	}
	return w, nil
}

// ApplyDefinitions builds, validates and registers each definition over the
// registry's existing workflows. Definitions that fail are skipped; every
// failure is reported in the joined error.
func ApplyDefinitions(r *Registry, defs []Definition, h *HandlerSet) error {
	v := NewValidator()
	var errs []error
	for _, d := range defs {
		w, err := d.Build(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := v.ValidateWorkflow(w); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Override(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefinitionOf renders w back to its YAML form.
func DefinitionOf(w *Workflow) Definition {
	d := Definition{
		Name:         w.Name,
		IssueType:    string(w.IssueType),
		Description:  w.Description,
		SuccessState: string(w.SuccessState),
		FailureState: string(w.FailureState),
	}
	for _, a := range w.Actions {
		ad := ActionDefinition{Name: a.Name, RetryOnFailure: a.RetryOnFailure, MaxRetries: a.MaxRetries}
		if a.Handler != nil {
			ad.Handler = a.Handler.Name()
		}
		if ad.Name == ad.Handler {
			ad.Name = ""
		}
		d.Actions = append(d.Actions, ad)
	}
	return d
}

// MarshalDefinitions encodes workflows as a definitions document.
func MarshalDefinitions(workflows []*Workflow) ([]byte, error) {
	file := DefinitionFile{Workflows: make([]Definition, 0, len(workflows))}
	for _, w := range workflows {
		file.Workflows = append(file.Workflows, DefinitionOf(w))
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("workflows: encode definitions: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("workflows: encode definitions: %w", err)
	}
	return buf.Bytes(), nil
}
