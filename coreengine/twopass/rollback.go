package twopass

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/eventbus"
)

// DefaultRollbackThreshold requires at least a 10% quality drop before rolling back.
const DefaultRollbackThreshold = -0.1

// requiredStateKeys must be present in any restored memento state.
var requiredStateKeys = []string{StateKeyArtifacts, StateKeyLearnings, StateKeyInsights}

// RollbackRecord is one entry of the rollback audit trail.
type RollbackRecord struct {
	ID           string    `json:"id"`
	PassName     string    `json:"pass_name"`
	QualityScore float64   `json:"quality_score"`
	Reason       string    `json:"reason"`
	RestoredKeys []string  `json:"restored_keys"`
	Timestamp    time.Time `json:"timestamp"`
}

// RollbackManager restores first-pass state when the second pass degrades.
type RollbackManager struct {
	threshold  float64
	observable eventbus.Observable
	logger     logging.Logger
	history    []RollbackRecord
	mu         sync.Mutex
}

// NewRollbackManager creates a manager. threshold is the quality delta below
// which ShouldRollback returns true; pass DefaultRollbackThreshold for -0.1.
func NewRollbackManager(threshold float64, observable eventbus.Observable, logger logging.Logger) *RollbackManager {
	return &RollbackManager{
		threshold:  threshold,
		observable: observable,
		logger:     logging.OrNop(logger),
	}
}

// Threshold returns the manager's rollback threshold.
func (m *RollbackManager) Threshold() float64 {
	return m.threshold
}

// ShouldRollback reports whether delta is strictly below the manager threshold.
func (m *RollbackManager) ShouldRollback(delta *PassDelta) bool {
	return ShouldRollbackWithThreshold(delta, m.threshold)
}

// ShouldRollbackWithThreshold reports whether delta.QualityDelta < threshold.
func ShouldRollbackWithThreshold(delta *PassDelta, threshold float64) bool {
	if delta == nil {
		return false
	}
	return delta.QualityDelta < threshold
}

// ShouldRollbackWithThreshold is the method form of the package function.
func (m *RollbackManager) ShouldRollbackWithThreshold(delta *PassDelta, threshold float64) bool {
	return ShouldRollbackWithThreshold(delta, threshold)
}

// RollbackToMemento returns a deep copy of the memento state.
// The restoration is all-or-nothing: on failure no state is returned and the
// audit trail is unchanged.
func (m *RollbackManager) RollbackToMemento(memento *PassMemento, reason string) (map[string]any, error) {
	name := ""
	if memento != nil {
		name = memento.PassName
	}
	eventbus.Emit(m.observable, eventbus.NewPipelineEvent(eventbus.RollbackInitiated, "", "", map[string]any{
		"pass_name": name,
		"reason":    reason,
	}))
	m.logger.Info("rollback_initiated", "pass_name", name, "reason", reason)

	restored, err := restoreState(memento)
	if err != nil {
		rbErr := &RollbackError{PassName: name, Reason: reason, Err: err}
		observability.RecordRollback("failed")
		m.logger.Error("rollback_failed", "pass_name", name, "reason", reason, "error", err)
		eventbus.Emit(m.observable, eventbus.NewPipelineEvent(eventbus.RollbackFailed, "", "", map[string]any{
			"pass_name": name,
			"reason":    reason,
			"error":     err.Error(),
		}))
		return nil, rbErr
	}

	record := RollbackRecord{
		ID:           uuid.NewString(),
		PassName:     memento.PassName,
		QualityScore: memento.QualityScore,
		Reason:       reason,
		RestoredKeys: append([]string{}, requiredStateKeys...),
		Timestamp:    time.Now().UTC(),
	}
	m.mu.Lock()
	m.history = append(m.history, record)
	m.mu.Unlock()

	observability.RecordRollback("completed")
	m.logger.Info("rollback_completed", "pass_name", name, "rollback_id", record.ID)
	eventbus.Emit(m.observable, eventbus.NewPipelineEvent(eventbus.RollbackCompleted, "", "", map[string]any{
		"pass_name":     name,
		"reason":        reason,
		"rollback_id":   record.ID,
		"quality_score": memento.QualityScore,
	}))
	return restored, nil
}

// RollbackHistory returns a copy of the audit trail, oldest first.
func (m *RollbackManager) RollbackHistory() []RollbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RollbackRecord, len(m.history))
	for i, r := range m.history {
		r.RestoredKeys = append([]string{}, r.RestoredKeys...)
		out[i] = r
	}
	return out
}

func restoreState(memento *PassMemento) (map[string]any, error) {
	if memento == nil {
		return nil, errors.New("memento is nil")
	}
	if memento.State == nil {
		return nil, errors.New("memento has no state")
	}
	dup, err := copystructure.Copy(memento.State)
	if err != nil {
		return nil, fmt.Errorf("copy memento state: %w", err)
	}
	restored := dup.(map[string]any)

	var missing []string
	for _, key := range requiredStateKeys {
		if _, ok := restored[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("restored state missing required keys %v", missing)
	}
	return restored, nil
}
