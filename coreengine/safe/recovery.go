// Package safe provides panic recovery for stage executors, workflow handlers
// and comparison logic.
//
// A panic inside a collaborator must not take down the supervising process;
// it is logged with its stack and surfaced to the caller as a *PanicError.
package safe

import (
	"fmt"
	"runtime/debug"

	"github.com/redmage123/artemis/coreengine/logging"
)

// PanicError is returned when the guarded function panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// Execute runs fn, converting a panic into a *PanicError.
// The operation name is used for logging context.
func Execute(logger logging.Logger, operation string, fn func() error) error {
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, "panic_recovered", operation, r)
			}
		}()
		err = fn()
	}()

	return err
}

// ExecuteWithResult is Execute for functions that also return a value.
// On panic the zero value of T is returned.
func ExecuteWithResult[T any](logger logging.Logger, operation string, fn func() (T, error)) (T, error) {
	var result T
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				result = zero
				err = recovered(logger, "panic_recovered", operation, r)
			}
		}()
		result, err = fn()
	}()

	return result, err
}

// Go runs fn in a goroutine with panic recovery.
// onPanic, when non-nil, receives the recovered value.
func Go(logger logging.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				_ = recovered(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

func recovered(logger logging.Logger, event, operation string, r any) *PanicError {
	stack := string(debug.Stack())
	if logger != nil {
		logger.Error(event,
			"operation", operation,
			"panic", r,
			"stack", stack,
		)
	}
	return &PanicError{Operation: operation, Value: r, Stack: stack}
}
