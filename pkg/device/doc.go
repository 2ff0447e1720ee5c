// Package device runs a message-processing device through its lifecycle.
//
// A Device owns a property store, a state machine and its channels. It
// reads channel configuration from the property store when leaving
// INITIALIZING_DEVICE, binds in BINDING, connects in CONNECTING, runs the
// user task in RUNNING and tears channels down in RESETTING_DEVICE:
//
//	IDLE -> INITIALIZING_DEVICE -> INITIALIZED -> BINDING -> BOUND
//	     -> CONNECTING -> DEVICE_READY -> INITIALIZING_TASK -> READY
//	     -> RUNNING <-> PAUSED
//
// The user task is any value implementing some of the hook interfaces
// (Initer, Binder, Connecter, TaskIniter, PreRunner, Runner,
// ConditionalRunner, PostRunner, TaskResetter, Resetter). Instead of a run
// hook, a task may register data callbacks with OnData and OnParts; the
// device then polls the named channels and calls the callbacks as
// messages arrive.
//
// Channels transfer data only in RUNNING and PAUSED; elsewhere transfers
// fail with ErrDeviceNotReady. A transition requested while RUNNING or
// PAUSED interrupts every transport, so blocked transfers return
// ErrInterrupted promptly.
package device
