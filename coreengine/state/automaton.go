package state

import (
	"sync"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
)

// PushdownAutomaton keeps an explicit stack of pipeline states so the
// pipeline can backtrack, unlike a plain FSM that only knows the current state.
// Thread-safe.
type PushdownAutomaton struct {
	stack  []StackEntry
	logger logging.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

// NewPushdownAutomaton creates an empty automaton.
func NewPushdownAutomaton(logger logging.Logger) *PushdownAutomaton {
	return &PushdownAutomaton{
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PushState appends a new entry. It always succeeds.
func (a *PushdownAutomaton) PushState(state PipelineState, context map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stack = append(a.stack, StackEntry{
		State:     state,
		Timestamp: a.now(),
		Context:   copyMap(context),
	})
}

// PopState removes and returns the top entry. ok is false on an empty stack.
func (a *PushdownAutomaton) PopState() (entry StackEntry, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.stack) == 0 {
		return StackEntry{}, false
	}
	top := a.stack[len(a.stack)-1]
	a.stack = a.stack[:len(a.stack)-1]
	return top, true
}

// PeekState returns the top entry without removing it.
func (a *PushdownAutomaton) PeekState() (entry StackEntry, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.stack) == 0 {
		return StackEntry{}, false
	}
	return a.stack[len(a.stack)-1].copy(), true
}

// RollbackToState pops every entry above the topmost entry whose state is
// target. The returned path is ordered top-down and ends with the target
// entry, which stays on the stack.
//
// If target is not on the stack, ok is false and the stack is unchanged.
func (a *PushdownAutomaton) RollbackToState(target PipelineState) (path []StackEntry, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i := len(a.stack) - 1; i >= 0; i-- {
		if a.stack[i].State == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.logger.Warn("rollback_target_not_found",
			"target", target,
			"depth", len(a.stack),
		)
		return nil, false
	}

	path = make([]StackEntry, 0, len(a.stack)-idx)
	for i := len(a.stack) - 1; i >= idx; i-- {
		path = append(path, a.stack[i].copy())
	}
	a.stack = a.stack[:idx+1]

	a.logger.Info("rollback_to_state",
		"target", target,
		"popped", len(path)-1,
		"depth", len(a.stack),
	)
	return path, true
}

// Depth returns the number of entries on the stack.
func (a *PushdownAutomaton) Depth() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.stack)
}

// ClearStack removes every entry.
func (a *PushdownAutomaton) ClearStack() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stack = nil
}

// StackSnapshot returns a deep copy of the stack, bottom first.
func (a *PushdownAutomaton) StackSnapshot() []StackEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]StackEntry, len(a.stack))
	for i, e := range a.stack {
		out[i] = e.copy()
	}
	return out
}
