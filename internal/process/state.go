package process

import (
	"fmt"
	"sync"
)

// State represents a process lifecycle state.
type State int

const (
	Alive  State = iota // ALIVE: at least one thread has not exited
	Zombie              // ZOMBIE: every thread exited, waiting to be reaped
	Reaped              // REAPED: collected by the parent
)

var stateNames = [...]string{"ALIVE", "ZOMBIE", "REAPED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Alive:  {Zombie},
	Zombie: {Reaped},
}

// StateMachine tracks a process's lifecycle state.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine creates a state machine in ALIVE state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: Alive}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Transition attempts a state transition. Returns an error if the
// transition is invalid.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, a := range validTransitions[sm.state] {
		if a == target {
			sm.state = target
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", sm.state, target)
}
