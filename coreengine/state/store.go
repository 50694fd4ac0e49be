package state

import (
	"sync"

	"github.com/redmage123/artemis/coreengine/logging"
)

// MachineStore keeps one persisted state machine per card under a snapshot
// directory. A machine is resumed from its snapshot on first use; a card
// without one starts out running.
type MachineStore struct {
	dir    string
	logger logging.Logger
	opts   []MachineOption

	mu       sync.Mutex
	machines map[string]*PipelineStateMachine
}

// NewMachineStore creates a store for dir. opts apply to every machine it
// creates.
func NewMachineStore(dir string, logger logging.Logger, opts ...MachineOption) *MachineStore {
	return &MachineStore{
		dir:      dir,
		logger:   logging.OrNop(logger),
		opts:     opts,
		machines: make(map[string]*PipelineStateMachine),
	}
}

// Machine returns the machine of cardID, creating it on first use.
// Card ids that cannot name a snapshot file return *CardIDError.
func (s *MachineStore) Machine(cardID string) (*PipelineStateMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.machines[cardID]; ok {
		return m, nil
	}
	p, err := NewStatePersistence(s.dir, cardID, s.logger)
	if err != nil {
		return nil, err
	}

	// TODO: evict machines of terminal cards once the cleanup loop prunes their snapshot.
	opts := append([]MachineOption{WithLogger(s.logger)}, s.opts...)
	opts = append(opts, WithPersistence(p))
	m := NewPipelineStateMachine(cardID, opts...)
	if !m.Resume() {
		if err := m.Transition(StateRunning, "supervision_started"); err != nil {
			return nil, err
		}
	}
	s.machines[cardID] = m
	return m, nil
}

// Forget drops the in-memory machine of cardID. Its snapshot stays on disk.
func (s *MachineStore) Forget(cardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, cardID)
}

// Len returns the number of machines held in memory.
func (s *MachineStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.machines)
}
