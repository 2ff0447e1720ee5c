package device

import (
	"context"

	"github.com/fmq-go/fmq/pkg/transport"
)

// A task is the user code of a device. It implements any subset of the
// hook interfaces below; the device calls each implemented hook from the
// state it belongs to. A hook returning an error moves the device to
// ERROR.

// Initer is called in INITIALIZING_DEVICE, after COMPLETE_INIT was
// requested and before channels are created. It may still change
// channel properties.
type Initer interface {
	Init(ctx context.Context, d *Device) error
}

// Binder is called in BINDING after the bind endpoints are bound.
type Binder interface {
	Bind(ctx context.Context, d *Device) error
}

// Connecter is called in CONNECTING after connections were started.
type Connecter interface {
	Connect(ctx context.Context, d *Device) error
}

// TaskIniter is called in INITIALIZING_TASK.
type TaskIniter interface {
	InitTask(ctx context.Context, d *Device) error
}

// PreRunner is called on entering RUNNING, before the run hook.
type PreRunner interface {
	PreRun(ctx context.Context, d *Device) error
}

// Runner is the run hook. Run should return once ctx is done; ctx is
// cancelled as soon as a transition is requested.
type Runner interface {
	Run(ctx context.Context, d *Device) error
}

// ConditionalRunner is the alternative run hook. The device calls it in a
// loop, paced by the rate property, until it returns false or a
// transition is requested.
type ConditionalRunner interface {
	ConditionalRun(ctx context.Context, d *Device) (bool, error)
}

// PostRunner is called when leaving RUNNING, after the run hook returned.
// Channels are still usable.
type PostRunner interface {
	PostRun(ctx context.Context, d *Device) error
}

// TaskResetter is called in RESETTING_TASK.
type TaskResetter interface {
	ResetTask(ctx context.Context, d *Device) error
}

// Resetter is called in RESETTING_DEVICE before channels are closed.
type Resetter interface {
	Reset(ctx context.Context, d *Device) error
}

// DataFunc handles one message received on channel index of a name
// registered with OnData. Returning false stops the run loop. The
// callback owns msg.
type DataFunc func(msg transport.Message, index int) bool

// PartsFunc handles one multi-part transmission.
type PartsFunc func(parts *transport.Parts, index int) bool
