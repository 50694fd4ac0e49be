package workflows

import (
	"fmt"
	"sort"
	"time"

	"github.com/redmage123/artemis/coreengine/typeutil"
)

// ContextKind names one family of handler input.
type ContextKind string

const (
	KindProcess     ContextKind = "process"
	KindFile        ContextKind = "file"
	KindStage       ContextKind = "stage"
	KindTest        ContextKind = "test"
	KindDependency  ContextKind = "dependency"
	KindLLM         ContextKind = "llm"
	KindSecurity    ContextKind = "security"
	KindCard        ContextKind = "card"
	KindArbitration ContextKind = "arbitration"
)

// ProcessContext identifies an OS process.
type ProcessContext struct {
	PID int
}

// FileContext identifies a file or directory.
type FileContext struct {
	Path string
}

// StageContext identifies a pipeline stage and its current timeout.
type StageContext struct {
	Name           string
	TimeoutSeconds float64
}

// TestContext identifies a test target.
type TestContext struct {
	Path      string
	Framework string
}

// DependencyContext identifies a package.
type DependencyContext struct {
	Package string
	Version string
}

// LLMContext identifies the provider that failed.
type LLMContext struct {
	Provider   string
	Model      string
	RetryAfter time.Duration
}

// SecurityContext describes a detected vulnerability.
type SecurityContext struct {
	VulnerabilityType string
	Path              string
}

// CardContext carries the Kanban card under work.
type CardContext struct {
	CardID string
	Fields map[string]any
}

// ArbitrationContext describes competing developer agents.
type ArbitrationContext struct {
	Developers []string
	Scores     map[string]float64
	Winner     string
}

// ActionContext is the typed input handed to every handler of a workflow.
// Each family is optional; actions declare the families they require and the
// executor checks them before invoking the handler.
//
// Handlers may update fields for later actions in the same workflow
// (for example a raised stage timeout).
type ActionContext struct {
	Process     *ProcessContext
	File        *FileContext
	Stage       *StageContext
	Test        *TestContext
	Dependency  *DependencyContext
	LLM         *LLMContext
	Security    *SecurityContext
	Card        *CardContext
	Arbitration *ArbitrationContext

	// Issue is set by the Executor to the workflow's issue type.
	Issue IssueType
	// Error is the failure text that triggered recovery.
	Error string
}

// Has reports whether the family is present and usable.
func (a *ActionContext) Has(kind ContextKind) bool {
	if a == nil {
		return false
	}
	switch kind {
	case KindProcess:
		return a.Process != nil && a.Process.PID > 0
	case KindFile:
		return a.File != nil && a.File.Path != ""
	case KindStage:
		return a.Stage != nil && a.Stage.Name != ""
	case KindTest:
		return a.Test != nil && a.Test.Path != ""
	case KindDependency:
		return a.Dependency != nil && a.Dependency.Package != ""
	case KindLLM:
		return a.LLM != nil && a.LLM.Provider != ""
	case KindSecurity:
		return a.Security != nil && a.Security.VulnerabilityType != ""
	case KindCard:
		return a.Card != nil && a.Card.CardID != ""
	case KindArbitration:
		return a.Arbitration != nil && len(a.Arbitration.Developers) > 0
	default:
		return false
	}
}

// Missing returns the kinds from required that are absent, in input order.
func (a *ActionContext) Missing(required []ContextKind) []ContextKind {
	var missing []ContextKind
	for _, k := range required {
		if !a.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// ActionContextFromMap adapts a legacy handler context map. Recognised keys:
// pid, file_path, stage_name, timeout_seconds, test_path, test_framework,
// package, version, provider, model, retry_after, vulnerability_type,
// card_id, card, developers, scores, error.
func ActionContextFromMap(m map[string]any) *ActionContext {
	a := &ActionContext{Error: typeutil.StringOr(m, "error", "")}

	if pid, ok := typeutil.Int(m, "pid"); ok {
		a.Process = &ProcessContext{PID: pid}
	}
	if path, ok := typeutil.String(m, "file_path"); ok {
		a.File = &FileContext{Path: path}
	}
	if name, ok := typeutil.String(m, "stage_name"); ok {
		a.Stage = &StageContext{Name: name, TimeoutSeconds: typeutil.FloatOr(m, "timeout_seconds", 0)}
	}
	if path, ok := typeutil.String(m, "test_path"); ok {
		a.Test = &TestContext{Path: path, Framework: typeutil.StringOr(m, "test_framework", "")}
	}
	if pkg, ok := typeutil.String(m, "package"); ok {
		a.Dependency = &DependencyContext{Package: pkg, Version: typeutil.StringOr(m, "version", "")}
	}
	if provider, ok := typeutil.String(m, "provider"); ok {
		retryAfter, _ := typeutil.Seconds(m, "retry_after")
		a.LLM = &LLMContext{Provider: provider, Model: typeutil.StringOr(m, "model", ""), RetryAfter: retryAfter}
	}
	if vuln, ok := typeutil.String(m, "vulnerability_type"); ok {
		a.Security = &SecurityContext{VulnerabilityType: vuln, Path: typeutil.StringOr(m, "file_path", "")}
	}
	if cardID, ok := typeutil.String(m, "card_id"); ok {
		fields, _ := typeutil.Map(m, "card")
		a.Card = &CardContext{CardID: cardID, Fields: fields}
	}
	if devs, ok := typeutil.StringSlice(m, "developers"); ok {
		a.Arbitration = &ArbitrationContext{Developers: devs, Scores: scoresFromMap(m)}
	}
	return a
}

func scoresFromMap(m map[string]any) map[string]float64 {
	raw, ok := typeutil.Map(m, "scores")
	if !ok {
		return nil
	}
	scores := make(map[string]float64, len(raw))
	for name, v := range raw {
		if f, ok := typeutil.AsFloat(v); ok {
			scores[name] = f
		}
	}
	return scores
}

// String renders the present families, for logs.
func (a *ActionContext) String() string {
	var kinds []string
	for _, k := range []ContextKind{KindProcess, KindFile, KindStage, KindTest, KindDependency, KindLLM, KindSecurity, KindCard, KindArbitration} {
		if a.Has(k) {
			kinds = append(kinds, string(k))
		}
	}
	sort.Strings(kinds)
	return fmt.Sprintf("ActionContext%v", kinds)
}
