package workflows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// Handler contract
// =============================================================================

// Handler performs one remediation step.
//
// Handle returns nil when the issue was handled. Anything else means the
// step needs escalation; handlers report expected failures as *RecoveryError.
type Handler interface {
	Name() string
	// Requires lists the context families Handle reads.
	Requires() []ContextKind
	Handle(ctx context.Context, actx *ActionContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Needs       []ContextKind
	Fn          func(ctx context.Context, actx *ActionContext) error
}

func (h HandlerFunc) Name() string            { return h.HandlerName }
func (h HandlerFunc) Requires() []ContextKind { return h.Needs }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, actx *ActionContext) error {
	return h.Fn(ctx, actx)
}

// ErrorKind classifies a handler failure.
type ErrorKind string

const (
	// KindEscalation means the handler ran but could not fix the issue.
	KindEscalation ErrorKind = "escalation"
	// KindInvalidContext means required inputs were missing or malformed.
	KindInvalidContext ErrorKind = "invalid_context"
	// KindTransient means a retry may succeed.
	KindTransient ErrorKind = "transient"
	// KindFatal means the handler panicked or hit an unexpected fault.
	KindFatal ErrorKind = "fatal"
)

// RecoveryError is the failure value of every handler.
type RecoveryError struct {
	Kind    ErrorKind
	Handler string
	Message string
	Err     error
}

func (e *RecoveryError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Handler, e.Kind, msg)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether retrying the action may help.
func (e *RecoveryError) IsRecoverable() bool {
	return e.Kind == KindTransient || e.Kind == KindEscalation
}

func escalate(handler string, err error, format string, args ...any) *RecoveryError {
	return &RecoveryError{Kind: KindEscalation, Handler: handler, Message: fmt.Sprintf(format, args...), Err: err}
}

func transient(handler string, err error, format string, args ...any) *RecoveryError {
	return &RecoveryError{Kind: KindTransient, Handler: handler, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the RecoveryError kind of err, treating foreign errors as
// escalations.
func KindOf(err error) ErrorKind {
	var re *RecoveryError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindEscalation
}

// =============================================================================
// Collaborators
// =============================================================================

// ErrProcessNotFound is returned by ProcessController for unknown PIDs.
var ErrProcessNotFound = errors.New("process not found")

// ProcessController signals OS processes.
type ProcessController interface {
	// Terminate asks the process to exit and kills it if it is still alive
	// after grace. Returns ErrProcessNotFound for a PID that does not exist.
	Terminate(ctx context.Context, pid int, grace time.Duration) error
	// Alive reports whether pid exists.
	Alive(pid int) bool
}

// CommandRunner runs a named tool (linter, test runner, package manager).
// Names are logical; the runner maps them to executables.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// StageRerunner asks the orchestrator to run a stage again.
type StageRerunner interface {
	RerunStage(ctx context.Context, cardID, stage string, timeout time.Duration) error
}

// FixRequest asks the LLM collaborator for a code change.
type FixRequest struct {
	Issue   IssueType
	Path    string
	Error   string
	Details map[string]string
}

// CodeFixer is the LLM-backed code repair collaborator.
type CodeFixer interface {
	RequestFix(ctx context.Context, req FixRequest) error
}

// ProviderSwitcher moves LLM traffic off a failing provider and returns the
// provider now in use.
type ProviderSwitcher interface {
	SwitchProvider(ctx context.Context, from string) (string, error)
}

// StateResetter discards persisted pipeline state for a card.
type StateResetter interface {
	ResetState(ctx context.Context, cardID string) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Handler set
// =============================================================================

// HandlerSet indexes handlers by name for builders and YAML definitions.
type HandlerSet struct {
	handlers map[string]Handler
}

// NewHandlerSet creates a set from handlers. Later duplicates replace earlier ones.
func NewHandlerSet(handlers ...Handler) *HandlerSet {
	s := &HandlerSet{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		s.Add(h)
	}
	return s
}

// Add registers h under its name.
func (s *HandlerSet) Add(h Handler) {
	if h == nil {
		return
	}
	s.handlers[h.Name()] = h
}

// Get returns the handler named name.
func (s *HandlerSet) Get(name string) (Handler, bool) {
	h, ok := s.handlers[name]
	return h, ok
}

// Names returns handler names sorted.
func (s *HandlerSet) Names() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mustGet is used by builders, which only reference built-in handler names.
// A missing handler yields a placeholder that always escalates, so the
// validator can report it instead of the builder panicking.
func (s *HandlerSet) mustGet(name string) Handler {
	if h, ok := s.Get(name); ok {
		return h
	}
	return missingHandler{name: name}
}

type missingHandler struct{ name string }

func (m missingHandler) Name() string            { return m.name }
func (m missingHandler) Requires() []ContextKind { return nil }
func (m missingHandler) Handle(context.Context, *ActionContext) error {
	return &RecoveryError{Kind: KindFatal, Handler: m.name, Message: "handler not registered"}
}
