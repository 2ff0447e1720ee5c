package fsm

import (
	"fmt"
	"strings"
)

// State is a device lifecycle state.
type State uint8

const (
	// Idle is the initial state; no channels exist.
	Idle State = iota

	// InitializingDevice is entered on INIT_DEVICE. Configuration may still
	// change until COMPLETE_INIT is requested; channels are built on the way
	// out of this state.
	InitializingDevice

	// Initialized means channels are constructed but not bound.
	Initialized

	// Binding means bind-side endpoints are being bound.
	Binding

	// Bound means all bind-side endpoints are bound.
	Bound

	// Connecting means connect-side endpoints are being connected.
	Connecting

	// DeviceReady means all channels are bound and connected.
	DeviceReady

	// InitializingTask runs the user task initialization.
	InitializingTask

	// Ready means the task is initialized and can be run.
	Ready

	// Running means the user task is executing.
	Running

	// Paused means the user task loop is suspended; channels stay usable.
	Paused

	// ResettingTask undoes InitializingTask.
	ResettingTask

	// ResettingDevice tears down channels and transports.
	ResettingDevice

	// Exiting releases remaining resources before the machine stops.
	Exiting

	// Exited is terminal: the machine stopped normally.
	Exited

	// Error is terminal: a transition callback or handler failed.
	Error
)

var stateNames = [...]string{
	Idle:               "IDLE",
	InitializingDevice: "INITIALIZING_DEVICE",
	Initialized:        "INITIALIZED",
	Binding:            "BINDING",
	Bound:              "BOUND",
	Connecting:         "CONNECTING",
	DeviceReady:        "DEVICE_READY",
	InitializingTask:   "INITIALIZING_TASK",
	Ready:              "READY",
	Running:            "RUNNING",
	Paused:             "PAUSED",
	ResettingTask:      "RESETTING_TASK",
	ResettingDevice:    "RESETTING_DEVICE",
	Exiting:            "EXITING",
	Exited:             "EXITED",
	Error:              "ERROR",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == Exited || s == Error
}

// ParseState converts a state name to a State. Names are matched
// case-insensitively and may use spaces instead of underscores.
func ParseState(name string) (State, error) {
	n := normalizeName(name)
	for i, sn := range stateNames {
		if sn == n {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Transition is a named request to move between states.
type Transition uint8

const (
	// Auto is issued by the machine itself when a transient state's work completes.
	Auto Transition = iota
	InitDevice
	CompleteInit
	Bind
	Connect
	InitTask
	Run
	Stop
	Pause
	Resume
	ResetTask
	ResetDevice
	End
	ErrorFound
)

var transitionNames = [...]string{
	Auto:         "AUTO",
	InitDevice:   "INIT_DEVICE",
	CompleteInit: "COMPLETE_INIT",
	Bind:         "BIND",
	Connect:      "CONNECT",
	InitTask:     "INIT_TASK",
	Run:          "RUN",
	Stop:         "STOP",
	Pause:        "PAUSE",
	Resume:       "RESUME",
	ResetTask:    "RESET_TASK",
	ResetDevice:  "RESET_DEVICE",
	End:          "END",
	ErrorFound:   "ERROR_FOUND",
}

// String returns the transition name.
func (t Transition) String() string {
	if int(t) < len(transitionNames) {
		return transitionNames[t]
	}
	return "UNKNOWN"
}

// ParseTransition converts a transition name to a Transition.
func ParseTransition(name string) (Transition, error) {
	n := normalizeName(name)
	for i, tn := range transitionNames {
		if tn == n {
			return Transition(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transition %q", name)
}

func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), " ", "_")
}

type edge struct {
	from State
	t    Transition
}

// table holds every legal transition except ERROR_FOUND, which is legal
// from any non-terminal state.
var table = map[edge]State{
	{Idle, InitDevice}:                 InitializingDevice,
	{Idle, End}:                        Exiting,
	{InitializingDevice, CompleteInit}: Initialized,
	{Initialized, Bind}:                Binding,
	{Initialized, ResetDevice}:         ResettingDevice,
	{Binding, Auto}:                    Bound,
	{Bound, Connect}:                   Connecting,
	{Bound, ResetDevice}:               ResettingDevice,
	{Connecting, Auto}:                 DeviceReady,
	{DeviceReady, InitTask}:            InitializingTask,
	{DeviceReady, ResetDevice}:         ResettingDevice,
	{InitializingTask, Auto}:           Ready,
	{Ready, Run}:                       Running,
	{Ready, ResetTask}:                 ResettingTask,
	{Running, Stop}:                    Ready,
	{Running, Pause}:                   Paused,
	{Paused, Resume}:                   Running,
	{Paused, Stop}:                     Ready,
	{ResettingTask, Auto}:              DeviceReady,
	{ResettingDevice, Auto}:            Idle,
	{Exiting, Auto}:                    Exited,
}

// Next returns the state reached by applying t in state from.
func Next(from State, t Transition) (State, bool) {
	if from.Terminal() {
		return from, false
	}
	if t == ErrorFound {
		return Error, true
	}
	to, ok := table[edge{from, t}]
	return to, ok
}

// Target returns the stable state reached by applying t in state from,
// following AUTO out of transient states.
func Target(from State, t Transition) (State, bool) {
	to, ok := Next(from, t)
	if !ok {
		return from, false
	}
	return settle(to), true
}

// IsTransient reports whether s completes on its own with an AUTO transition.
func IsTransient(s State) bool {
	_, ok := table[edge{s, Auto}]
	return ok
}

// Legal returns the transitions, other than AUTO and ERROR_FOUND, that are
// legal in state s.
func Legal(s State) []Transition {
	var out []Transition
	for t := InitDevice; t < ErrorFound; t++ {
		if _, ok := table[edge{s, t}]; ok {
			out = append(out, t)
		}
	}
	return out
}
