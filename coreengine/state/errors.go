package state

import "fmt"

// TransitionError is returned when a requested transition is not allowed.
type TransitionError struct {
	From PipelineState
	To   PipelineState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid pipeline transition: %s -> %s", e.From, e.To)
}

// RollbackTargetError is returned when a rollback target is not on the stack.
type RollbackTargetError struct {
	Target PipelineState
}

func (e *RollbackTargetError) Error() string {
	return fmt.Sprintf("rollback target %s not found on state stack", e.Target)
}

// CardIDError is returned for a card id that cannot name a snapshot file.
type CardIDError struct {
	CardID string
	Reason string
}

func (e *CardIDError) Error() string {
	return fmt.Sprintf("invalid card id %q: %s", e.CardID, e.Reason)
}
