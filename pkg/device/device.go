package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/metrics"
	"github.com/fmq-go/fmq/pkg/property"
	"github.com/fmq-go/fmq/pkg/transport"

	// Backends register themselves with the transport registry.
	_ "github.com/fmq-go/fmq/pkg/transport/shmem"
	_ "github.com/fmq-go/fmq/pkg/transport/socket"
)

// Device errors.
var (
	ErrDeviceNotReady       = errors.New("device not ready for transfers")
	ErrChannelConfig        = errors.New("channel configuration error")
	ErrReconfigureForbidden = errors.New("channels cannot be changed in this state")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrInvalidConfig        = errors.New("invalid device configuration")
	ErrInitTimeout          = errors.New("timed out waiting for channel address")
)

// Device is a lifecycle-managed set of channels running a user task.
type Device struct {
	id       string
	task     any
	cfg      Config
	props    *property.Store
	machine  *fsm.Machine
	logger   *slog.Logger
	events   *log.Tagged
	registry *prometheus.Registry
	metrics  *metrics.ChannelMetrics

	life       context.Context
	cancelLife context.CancelFunc

	mu          sync.RWMutex
	factories   map[transport.Kind]transport.Factory
	defaultKind transport.Kind
	channels    map[string][]*Channel
	onData      map[string]DataFunc
	onParts     map[string]PartsFunc
	transferCtx context.Context
	rate        float64
	initTimeout time.Duration
	closed      bool
}

// New creates a device in IDLE running task. Call Start, or
// RunStateMachine, to begin processing transitions.
func New(task any, cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	props := cfg.Properties
	if props == nil {
		props = property.NewStore(nil)
	}
	id := cfg.ID
	if id == "" {
		id = props.GetAsString(KeyID)
	}
	if id == "" {
		id = uuid.NewString()
	}
	props.Set(KeyID, id)

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m, err := metrics.NewChannelMetrics(registry, id)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	life, cancelLife := context.WithCancel(context.Background())

	d := &Device{
		id:          id,
		task:        task,
		cfg:         cfg,
		props:       props,
		logger:      cfg.Logger,
		events:      log.NewTagged(cfg.EventLogger, id),
		registry:    registry,
		metrics:     m,
		life:        life,
		cancelLife:  cancelLife,
		factories:   make(map[transport.Kind]transport.Factory),
		channels:    make(map[string][]*Channel),
		onData:      make(map[string]DataFunc),
		onParts:     make(map[string]PartsFunc),
		transferCtx: stopped,
	}

	d.machine = fsm.New(fsm.Config{
		DeviceID:    id,
		Logger:      cfg.Logger,
		EventLogger: cfg.EventLogger,
	})
	d.machine.HandleStates(d.handleState)
	d.machine.SubscribeToNewTransition(func(fsm.Transition) { d.interruptTransports() })
	d.machine.SubscribeToStateChange(func(from, to fsm.State) {
		d.metrics.SetState(from.String(), to.String())
	})
	d.metrics.SetState("", fsm.Idle.String())

	return d, nil
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Properties returns the property store.
func (d *Device) Properties() *property.Store { return d.props }

// Machine returns the state machine.
func (d *Device) Machine() *fsm.Machine { return d.machine }

// Registry returns the metrics registry.
func (d *Device) Registry() *prometheus.Registry { return d.registry }

// State returns the current state.
func (d *Device) State() fsm.State { return d.machine.CurrentState() }

// ChangeState requests transition t.
func (d *Device) ChangeState(t fsm.Transition) error { return d.machine.ChangeState(t) }

// WaitForState blocks until the device reaches s. See fsm.Machine.
func (d *Device) WaitForState(s fsm.State, timeout time.Duration) error {
	return d.machine.WaitForState(s, timeout)
}

// NewStatePending reports whether a requested transition is waiting. Run
// loops poll it to know when to return.
func (d *Device) NewStatePending() bool { return d.machine.NewStatePending() }

// Err returns the error that moved the device to ERROR.
func (d *Device) Err() error { return d.machine.Err() }

// Start begins processing transitions.
func (d *Device) Start() { d.machine.Start() }

// Close stops the state machine and releases every channel and transport.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancelLife()
	d.machine.Close()
	return d.teardown()
}

// AddChannel appends a sub-channel to the channel name and returns its
// index. Channels can only be added in IDLE and INITIALIZING_DEVICE.
func (d *Device) AddChannel(name string, cfg ChannelConfig) (int, error) {
	if s := d.State(); s != fsm.Idle && s != fsm.InitializingDevice {
		return 0, fmt.Errorf("%w: %s", ErrReconfigureForbidden, s)
	}
	if err := cfg.Validate(name); err != nil {
		return 0, err
	}

	index := d.props.ChannelCount(name)
	props := make(map[string]any)
	for field, v := range cfg.Properties() {
		props[property.ChannelKey(name, index, field)] = v
	}
	d.props.SetProperties(props)
	return index, nil
}

// Channel returns sub-channel index of name.
func (d *Device) Channel(name string, index int) (*Channel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chans := d.channels[name]
	if index < 0 || index >= len(chans) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelLabel(name, index))
	}
	return chans[index], nil
}

// Channels returns the sub-channels of name in index order.
func (d *Device) Channels(name string) []*Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Channel(nil), d.channels[name]...)
}

// ChannelNames returns the names of the created channels, sorted.
func (d *Device) ChannelNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channelNamesLocked()
}

func (d *Device) channelNamesLocked() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send sends msg on sub-channel index of name.
func (d *Device) Send(msg transport.Message, name string, index, timeoutMs int) (int64, error) {
	c, err := d.Channel(name, index)
	if err != nil {
		return transport.TransferError, err
	}
	return c.Send(msg, timeoutMs)
}

// Receive receives into msg from sub-channel index of name.
func (d *Device) Receive(msg transport.Message, name string, index, timeoutMs int) (int64, error) {
	c, err := d.Channel(name, index)
	if err != nil {
		return transport.TransferError, err
	}
	return c.Receive(msg, timeoutMs)
}

// SendParts sends parts on sub-channel index of name.
func (d *Device) SendParts(parts *transport.Parts, name string, index, timeoutMs int) (int64, error) {
	c, err := d.Channel(name, index)
	if err != nil {
		return transport.TransferError, err
	}
	return c.SendParts(parts, timeoutMs)
}

// ReceiveParts receives parts from sub-channel index of name.
func (d *Device) ReceiveParts(parts *transport.Parts, name string, index, timeoutMs int) (int64, error) {
	c, err := d.Channel(name, index)
	if err != nil {
		return transport.TransferError, err
	}
	return c.ReceiveParts(parts, timeoutMs)
}

// OnData makes the run loop receive from every sub-channel of name and
// pass each message to fn. It takes effect on the next entry to RUNNING.
func (d *Device) OnData(name string, fn DataFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onData[name] = fn
	delete(d.onParts, name)
}

// OnParts is OnData for multi-part transmissions.
func (d *Device) OnParts(name string, fn PartsFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onParts[name] = fn
	delete(d.onData, name)
}

// Factory returns the transport factory of kind, which exists between
// INITIALIZING_DEVICE and RESETTING_DEVICE.
func (d *Device) Factory(kind transport.Kind) (transport.Factory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if kind == "" {
		kind = d.defaultKind
	}
	f, ok := d.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no %s transport in state %s", ErrDeviceNotReady, kind, d.State())
	}
	return f, nil
}

// NewMessage creates a message of the device's default transport.
func (d *Device) NewMessage(opts ...transport.MessageOption) (transport.Message, error) {
	f, err := d.Factory("")
	if err != nil {
		return nil, err
	}
	return f.CreateMessage(opts...)
}

// NewUnmanagedRegion creates a region of the device's default transport.
func (d *Device) NewUnmanagedRegion(size uint64, flags int64, cb transport.RegionEventCallback) (transport.UnmanagedRegion, error) {
	f, err := d.Factory("")
	if err != nil {
		return nil, err
	}
	return f.CreateUnmanagedRegion(size, flags, cb)
}

// transfersAllowed reports whether channels may move data.
func (d *Device) transfersAllowed() bool {
	s := d.State()
	return s == fsm.Running || s == fsm.Paused
}

// transferContext is done as soon as a transition is requested while
// RUNNING or PAUSED.
func (d *Device) transferContext() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.transferCtx
}

// resumeTransports lets transfers proceed until ctx is done. A transition
// requested before ctx was installed has cancelled it already; the
// transports are interrupted again in that case.
func (d *Device) resumeTransports(ctx context.Context) {
	d.mu.Lock()
	d.transferCtx = ctx
	for _, f := range d.factories {
		f.Resume()
	}
	d.mu.Unlock()

	if ctx.Err() != nil {
		d.interruptTransports()
	}
}

func (d *Device) interruptTransports() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.factories {
		f.Interrupt()
	}
}

func (d *Device) debugLog(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, append([]any{"device", d.id}, args...)...)
	}
}
