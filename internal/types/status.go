package types

import (
	"github.com/qmuntal/stateless"
)

// Status changes are modelled as triggers named after the destination status,
// so firing RUNNING on a PENDING machine moves it to RUNNING.

func newRunMachine(from RunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(RunStatusPending).
		Permit(RunStatusRunning, RunStatusRunning).
		Permit(RunStatusFailed, RunStatusFailed).
		Permit(RunStatusCancelled, RunStatusCancelled)
	sm.Configure(RunStatusRunning).
		PermitReentry(RunStatusRunning).
		Permit(RunStatusCompleted, RunStatusCompleted).
		Permit(RunStatusFailed, RunStatusFailed).
		Permit(RunStatusPartialSuccess, RunStatusPartialSuccess).
		Permit(RunStatusCancelled, RunStatusCancelled)
	sm.Configure(RunStatusPartialSuccess).
		PermitReentry(RunStatusPartialSuccess).
		Permit(RunStatusCompleted, RunStatusCompleted).
		Permit(RunStatusFailed, RunStatusFailed).
		Permit(RunStatusCancelled, RunStatusCancelled)
	sm.Configure(RunStatusCompleted)
	sm.Configure(RunStatusFailed)
	sm.Configure(RunStatusCancelled)
	return sm
}

func newPluginRunMachine(from PluginRunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(PluginRunStatusPending).
		Permit(PluginRunStatusRunning, PluginRunStatusRunning).
		Permit(PluginRunStatusSkipped, PluginRunStatusSkipped)
	sm.Configure(PluginRunStatusRunning).
		PermitReentry(PluginRunStatusRunning).
		Permit(PluginRunStatusCompleted, PluginRunStatusCompleted).
		Permit(PluginRunStatusFailed, PluginRunStatusFailed)
	sm.Configure(PluginRunStatusFailed).
		Permit(PluginRunStatusPending, PluginRunStatusPending).
		Permit(PluginRunStatusRunning, PluginRunStatusRunning).
		Permit(PluginRunStatusSkipped, PluginRunStatusSkipped)
	sm.Configure(PluginRunStatusCompleted).
		Permit(PluginRunStatusPending, PluginRunStatusPending)
	sm.Configure(PluginRunStatusSkipped).
		Permit(PluginRunStatusPending, PluginRunStatusPending)
	sm.Configure(PluginRunStatusRetrying).
		Permit(PluginRunStatusRunning, PluginRunStatusRunning).
		Permit(PluginRunStatusPending, PluginRunStatusPending)
	return sm
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to RunStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return newRunMachine(from).Fire(to) == nil
}

// CanTransitionPluginRun reports whether a plugin run may move from one
// status to another.
func CanTransitionPluginRun(from, to PluginRunStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return newPluginRunMachine(from).Fire(to) == nil
}
