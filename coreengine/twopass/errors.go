package twopass

import (
	"fmt"
	"strings"
)

// ConfigurationError is returned for unknown or unusable strategy names.
// It is never resolved by falling back to a default strategy.
type ConfigurationError struct {
	Key       string
	Message   string
	Available []string
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("unknown strategy %q", e.Key)
	}
	if len(e.Available) > 0 {
		return fmt.Sprintf("%s (available: %s)", msg, strings.Join(e.Available, ", "))
	}
	return msg
}

// PassComparisonError wraps any failure while comparing passes.
type PassComparisonError struct {
	FirstPass  string
	SecondPass string
	Err        error
}

func (e *PassComparisonError) Error() string {
	return fmt.Sprintf("compare passes %q and %q: %v", e.FirstPass, e.SecondPass, e.Err)
}

func (e *PassComparisonError) Unwrap() error {
	return e.Err
}

// RollbackError reports a failed memento restoration.
// No partial state accompanies it.
type RollbackError struct {
	PassName string
	Reason   string
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to %q (%s): %v", e.PassName, e.Reason, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// TwoPassPipelineError wraps the last error of an exhausted retry sequence.
type TwoPassPipelineError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *TwoPassPipelineError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *TwoPassPipelineError) Unwrap() error {
	return e.Err
}

// PassFailedError is returned when a runner reports an unsuccessful pass.
type PassFailedError struct {
	PassName string
	Result   *PassResult
}

func (e *PassFailedError) Error() string {
	return fmt.Sprintf("%s pass reported failure", e.PassName)
}

// IsRecoverable marks failed passes as worth retrying.
func (e *PassFailedError) IsRecoverable() bool {
	return true
}
