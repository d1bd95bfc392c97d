package supervisor

import (
	"context"

	"github.com/looplab/fsm"

	"ghost/internal/model"
)

// NoneState is the pseudo-state an id occupies before Register and after
// Unregister; it is never a model.Status and never persisted.
const NoneState = "none"

// FSM event names, one per edge of the lifecycle state machine.
const (
	EventRegister         = "register"
	EventStart            = "start"
	EventSpawnOK          = "spawn_ok"
	EventSpawnFail        = "spawn_fail"
	EventHeartbeatTimeout = "heartbeat_timeout"
	EventRecovered        = "recovered"
	EventTimeout          = "timeout"
	EventStop             = "stop"
	EventExit             = "exit"
	EventExitClean        = "exit_clean"
	EventCrash            = "crash"
	EventAutoRestart      = "auto_restart"
	EventForceStart       = "force_start"
	EventUnregister       = "unregister"
	EventExhausted        = "exhausted"
)

// eventDestStatus maps each event that lands on a real model.Status to
// that status, letting doTransition set Info.Status itself instead of
// requiring every call site to repeat the destination by hand.
// EventUnregister, whose destination is NoneState, is deliberately
// absent: NoneState is never persisted.
var eventDestStatus = map[string]model.Status{
	EventRegister:         model.StatusStopped,
	EventStart:            model.StatusStarting,
	EventSpawnOK:          model.StatusRunning,
	EventSpawnFail:        model.StatusFailed,
	EventHeartbeatTimeout: model.StatusWarning,
	EventRecovered:        model.StatusRunning,
	EventTimeout:          model.StatusCrashed,
	EventStop:             model.StatusStopping,
	EventExit:             model.StatusStopped,
	EventExitClean:        model.StatusStopped,
	EventCrash:            model.StatusCrashed,
	EventAutoRestart:      model.StatusStarting,
	EventExhausted:        model.StatusFailed,
	EventForceStart:       model.StatusStarting,
}

func allStates() []string {
	return []string{
		string(model.StatusStarting),
		string(model.StatusRunning),
		string(model.StatusStopping),
		string(model.StatusStopped),
		string(model.StatusFailed),
		string(model.StatusCrashed),
		string(model.StatusWarning),
	}
}

// buildFSM constructs the per-ProcessInfo lifecycle state machine.
// onEnter is registered as looplab/fsm's wildcard "enter_state"
// callback and fires on every transition; the supervisor passes a
// no-op, since doTransition itself persists and publishes each change.
//
// EventRecovered (Warning -> Running) makes Warning an actually
// recoverable state instead of a dead end that can only reach Crashed.
// EventExhausted (Crashed -> Failed) ends the restart loop: once
// maxRestartAttempts restarts have been spent within the window, the
// next crash leaves the process terminally Failed rather than sitting
// in Crashed forever.
func buildFSM(initial model.Status, onEnter func(ctx context.Context, e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: EventRegister, Src: []string{NoneState}, Dst: string(model.StatusStopped)},
			{Name: EventStart, Src: []string{string(model.StatusStopped)}, Dst: string(model.StatusStarting)},
			{Name: EventSpawnOK, Src: []string{string(model.StatusStarting)}, Dst: string(model.StatusRunning)},
			{Name: EventSpawnFail, Src: []string{string(model.StatusStarting)}, Dst: string(model.StatusFailed)},
			{Name: EventHeartbeatTimeout, Src: []string{string(model.StatusRunning)}, Dst: string(model.StatusWarning)},
			{Name: EventRecovered, Src: []string{string(model.StatusWarning)}, Dst: string(model.StatusRunning)},
			{Name: EventTimeout, Src: []string{string(model.StatusWarning)}, Dst: string(model.StatusCrashed)},
			{Name: EventStop, Src: []string{string(model.StatusRunning)}, Dst: string(model.StatusStopping)},
			{Name: EventExit, Src: []string{string(model.StatusStopping)}, Dst: string(model.StatusStopped)},
			{Name: EventExitClean, Src: []string{string(model.StatusRunning)}, Dst: string(model.StatusStopped)},
			{Name: EventCrash, Src: []string{string(model.StatusRunning)}, Dst: string(model.StatusCrashed)},
			{Name: EventAutoRestart, Src: []string{string(model.StatusCrashed)}, Dst: string(model.StatusStarting)},
			{Name: EventExhausted, Src: []string{string(model.StatusCrashed)}, Dst: string(model.StatusFailed)},
			{Name: EventForceStart, Src: []string{string(model.StatusFailed)}, Dst: string(model.StatusStarting)},
			{Name: EventUnregister, Src: allStates(), Dst: NoneState},
		},
		fsm.Callbacks{
			"enter_state": onEnter,
		},
	)
}
