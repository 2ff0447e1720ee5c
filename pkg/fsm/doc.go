// Package fsm implements the device lifecycle state machine.
//
// A device moves through
//
//	IDLE -> INITIALIZING_DEVICE -> INITIALIZED -> BINDING -> BOUND ->
//	CONNECTING -> DEVICE_READY -> INITIALIZING_TASK -> READY -> RUNNING
//
// and back down through RESETTING_TASK and RESETTING_DEVICE. RUNNING and
// PAUSED alternate on PAUSE/RESUME. END from IDLE leads to EXITED; a failed
// handler or an ERROR_FOUND request leads to ERROR. Both are terminal.
//
// Transitions requested with ChangeState are validated against the state
// the machine will reach once all previously accepted requests have run,
// then executed strictly one at a time on the machine goroutine. States
// whose work completes on its own (BINDING, CONNECTING, INITIALIZING_TASK,
// RESETTING_TASK, RESETTING_DEVICE, EXITING) are left with an AUTO
// transition issued by the machine when their handler returns.
//
// For each executed transition the machine commits the new state, calls
// state observers in registration order, releases WaitForState callers,
// and finally runs the state handler.
package fsm
