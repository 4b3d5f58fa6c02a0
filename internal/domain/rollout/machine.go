package rollout

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// LifecycleContext is the context passed to the lifecycle machine.
// Transitions depend on the persisted state alone.
type LifecycleContext struct{}

// LifecycleEvent is an event of the lifecycle machine.
type LifecycleEvent = statekit.EventType

// Lifecycle events. Every event leading to StateIDRemoved ends the release.
const (
	EventAnnounce  LifecycleEvent = "ANNOUNCE"
	EventMonitor   LifecycleEvent = "MONITOR"
	EventComplete  LifecycleEvent = "COMPLETE"
	EventCancel    LifecycleEvent = "CANCEL"
	EventEnd       LifecycleEvent = "END"
	EventTimeout   LifecycleEvent = "TIMEOUT"
	EventSupersede LifecycleEvent = "SUPERSEDE"
)

// State IDs for the lifecycle machine.
var (
	StateIDNotYetReady statekit.StateID = statekit.StateID(StateNotYetReady)
	StateIDCreated     statekit.StateID = statekit.StateID(StateCreated)
	StateIDMonitoring  statekit.StateID = statekit.StateID(StateMonitoring)
	// StateIDRemoved is the terminal outcome. Records in it are deleted.
	StateIDRemoved statekit.StateID = "removed"
)

// Lifecycle runs the release lifecycle machine for one record.
type Lifecycle struct {
	interpreter *statekit.Interpreter[LifecycleContext]
}

// NewLifecycle creates a lifecycle positioned at state.
func NewLifecycle(state State) (*Lifecycle, error) {
	machine, err := statekit.NewMachine[LifecycleContext]("release-lifecycle").
		WithInitial(StateIDNotYetReady).
		State(StateIDNotYetReady).
		On(EventAnnounce).Target(StateIDCreated).
		On(EventCancel).Target(StateIDRemoved).
		On(EventTimeout).Target(StateIDRemoved).
		On(EventSupersede).Target(StateIDRemoved).
		Done().
		State(StateIDCreated).
		On(EventMonitor).Target(StateIDMonitoring).
		On(EventComplete).Target(StateIDRemoved).
		On(EventCancel).Target(StateIDRemoved).
		On(EventSupersede).Target(StateIDRemoved).
		Done().
		State(StateIDMonitoring).
		On(EventComplete).Target(StateIDRemoved).
		On(EventEnd).Target(StateIDRemoved).
		On(EventSupersede).Target(StateIDRemoved).
		Done().
		State(StateIDRemoved).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle machine: %w", err)
	}

	l := &Lifecycle{interpreter: statekit.NewInterpreter(machine)}
	l.interpreter.Start()

	// Replay the monotonic path up to the persisted state.
	switch state {
	case StateNotYetReady:
	case StateCreated:
		l.interpreter.Send(statekit.Event{Type: EventAnnounce})
	case StateMonitoring:
		l.interpreter.Send(statekit.Event{Type: EventAnnounce})
		l.interpreter.Send(statekit.Event{Type: EventMonitor})
	default:
		return nil, fmt.Errorf("unknown release state %q", state)
	}
	if l.Current() != statekit.StateID(state) {
		return nil, fmt.Errorf("cannot restore lifecycle at %q", state)
	}
	return l, nil
}

// Current returns the current state.
func (l *Lifecycle) Current() statekit.StateID {
	return l.interpreter.State().Value
}

// Removed returns true once the release reached its terminal outcome.
func (l *Lifecycle) Removed() bool {
	return l.interpreter.Done()
}

// Fire sends event and reports whether the machine accepted it.
func (l *Lifecycle) Fire(event LifecycleEvent) bool {
	before := l.Current()
	l.interpreter.Send(statekit.Event{Type: event})
	return l.Current() != before
}

// Apply fires a lifecycle event against the record. It updates State when the
// record moves forward and returns removed=true when the release ended and
// must be deleted from the store.
func (r *Record) Apply(event LifecycleEvent) (removed bool, err error) {
	l, err := NewLifecycle(r.State)
	if err != nil {
		return false, err
	}
	if !l.Fire(event) {
		return false, &StateTransitionError{Key: r.Key(), From: r.State, Event: string(event)}
	}
	if l.Removed() {
		return true, nil
	}
	r.State = State(l.Current())
	return false, nil
}
