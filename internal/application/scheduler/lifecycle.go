package scheduler

import (
	"context"

	"github.com/looplab/fsm"
)

// Per-template lifecycle states.
const (
	stateUnbound  = "unbound"
	stateArmed    = "armed"
	stateFiring   = "firing"
	stateDisabled = "disabled"
)

// Lifecycle events.
const (
	eventBind        = "bind"
	eventFire        = "fire"
	eventRescheduled = "rescheduled"
	eventUnbind      = "unbind"
	eventDisable     = "disable"
)

// newLifecycle builds the per-template state machine. "disabled" is
// terminal: a template only leaves it by being bound again with a fresh
// schedule, which replaces the machine.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		stateUnbound,
		fsm.Events{
			{Name: eventBind, Src: []string{stateUnbound, stateArmed}, Dst: stateArmed},
			{Name: eventFire, Src: []string{stateArmed}, Dst: stateFiring},
			{Name: eventRescheduled, Src: []string{stateFiring}, Dst: stateArmed},
			{Name: eventUnbind, Src: []string{stateUnbound, stateArmed, stateFiring}, Dst: stateUnbound},
			{Name: eventDisable, Src: []string{stateArmed, stateFiring}, Dst: stateDisabled},
		},
		fsm.Callbacks{},
	)
}

// transition fires an event on the machine, tolerating no-op transitions.
func transition(ctx context.Context, m *fsm.FSM, event string) {
	_ = m.Event(ctx, event)
}
