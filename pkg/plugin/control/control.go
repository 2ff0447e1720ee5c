// Package control provides the built-in controller plugin.
//
// In static mode the plugin walks the device from IDLE to RUNNING, waits
// for the task to finish, then resets the device and ends it. In
// interactive mode it brings the device to RUNNING and then reads single
// key commands from the terminal.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/plugin"
)

// Name is the registered plugin name.
const Name = "control"

// KeyControl is the property selecting the mode.
const KeyControl = "control"

// Control modes.
const (
	ModeStatic      = "static"
	ModeInteractive = "interactive"
)

// Info describes the plugin.
var Info = plugin.Info{
	Name:       Name,
	Version:    plugin.Version{Major: 1, Minor: 0, Patch: 0},
	Maintainer: "fmq developers",
	Homepage:   "https://github.com/fmq-go/fmq",
}

func init() {
	plugin.Register(Name, Constructor(Config{}))
}

// Config configures the plugin.
type Config struct {
	// Mode overrides the "control" property.
	Mode string

	// Stdin and Stdout are used in interactive mode. Nil means the
	// terminal.
	Stdin  io.ReadCloser
	Stdout io.Writer

	// ShutdownTimeout bounds each step of the shutdown walk when the
	// plugin is closed early. Zero means device.DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Logger for operational messages. Nil disables logging.
	Logger *slog.Logger
}

// Constructor returns a plugin constructor using cfg.
func Constructor(cfg Config) plugin.Constructor {
	return func(name string, svc *plugin.Services) (plugin.Plugin, error) {
		return New(name, svc, cfg)
	}
}

// Control drives the device lifecycle.
type Control struct {
	plugin.Base
	cfg    Config
	mode   string
	logger *slog.Logger

	mu     sync.Mutex
	states *queue.Queue
	notify chan struct{}
	err    error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the plugin. If another plugin already controls the device
// the plugin stays passive.
func New(name string, svc *plugin.Services, cfg Config) (*Control, error) {
	info := Info
	info.Name = name
	ctx, cancel := context.WithCancel(context.Background())
	c := &Control{
		Base:   plugin.NewBase(info, svc),
		cfg:    cfg,
		logger: cfg.Logger,
		states: queue.New(),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if c.cfg.ShutdownTimeout <= 0 {
		c.cfg.ShutdownTimeout = device.DefaultShutdownTimeout
	}

	if err := c.TakeDeviceControl(); err != nil {
		c.debugLog("not taking control", "error", err)
		close(c.done)
		return c, nil
	}

	c.mode = cfg.Mode
	if c.mode == "" {
		c.mode = c.GetPropertyAsString(KeyControl)
	}
	switch c.mode {
	case ModeStatic, ModeInteractive:
	case "":
		c.mode = ModeStatic
	default:
		if c.logger != nil {
			c.logger.Warn("unknown control mode, using static", "mode", c.mode)
		}
		c.mode = ModeStatic
	}

	c.SubscribeToDeviceStateChange(c.push)
	go c.run()
	return c, nil
}

// Mode returns the active mode, or "" if the plugin is passive.
func (c *Control) Mode() string { return c.mode }

// Done is closed once the plugin released control.
func (c *Control) Done() <-chan struct{} { return c.done }

// Err returns why the control loop ended early, if it did.
func (c *Control) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the device down if the control loop is still running and
// waits for it to finish.
func (c *Control) Close() error {
	c.cancel()
	<-c.done
	return c.Err()
}

func (c *Control) run() {
	defer close(c.done)
	defer func() {
		c.UnsubscribeFromDeviceStateChange()
		_ = c.ReleaseDeviceControl()
	}()

	c.debugLog("running controller", "mode", c.mode)
	var err error
	switch c.mode {
	case ModeInteractive:
		err = c.interactive()
	default:
		err = c.static()
	}

	if c.ctx.Err() != nil && !c.CurrentDeviceState().Terminal() {
		err = c.Services().Device().Shutdown(c.cfg.ShutdownTimeout)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, fsm.ErrExited) {
		err = nil
	}
	if err != nil && c.logger != nil {
		c.logger.Error("controller stopped", "error", err)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Control) static() error {
	steps := []struct {
		t    fsm.Transition
		wait fsm.State
	}{
		{fsm.InitDevice, fsm.InitializingDevice},
		{fsm.CompleteInit, fsm.Initialized},
		{fsm.Bind, fsm.Bound},
		{fsm.Connect, fsm.DeviceReady},
		{fsm.InitTask, fsm.Ready},
		{fsm.Run, fsm.Ready},
		{fsm.ResetTask, fsm.DeviceReady},
		{fsm.ResetDevice, fsm.Idle},
		{fsm.End, fsm.Exited},
	}
	for _, s := range steps {
		if err := c.ChangeDeviceState(s.t); err != nil {
			return err
		}
		if err := c.waitFor(s.wait); err != nil {
			return err
		}
	}
	return nil
}

// start walks from IDLE to RUNNING.
func (c *Control) start() error {
	for _, t := range []fsm.Transition{fsm.InitDevice, fsm.CompleteInit, fsm.Bind, fsm.Connect, fsm.InitTask} {
		if err := c.ChangeDeviceState(t); err != nil {
			return err
		}
	}
	if err := c.waitFor(fsm.Ready); err != nil {
		return err
	}
	if err := c.ChangeDeviceState(fsm.Run); err != nil {
		return err
	}
	return c.waitFor(fsm.Running)
}

// push queues a state entered by the device. It runs on the state
// machine goroutine and never blocks.
func (c *Control) push(s fsm.State) {
	c.mu.Lock()
	c.states.Add(s)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// nextState returns the next queued state.
func (c *Control) nextState() (fsm.State, error) {
	for {
		c.mu.Lock()
		if c.states.Length() > 0 {
			s := c.states.Remove().(fsm.State)
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.ctx.Done():
			return 0, c.ctx.Err()
		}
	}
}

// waitFor consumes queued states until target is seen.
func (c *Control) waitFor(target fsm.State) error {
	for {
		s, err := c.nextState()
		if err != nil {
			return err
		}
		switch s {
		case target:
			return nil
		case fsm.Error:
			return fmt.Errorf("waiting for %s: %w", target, c.deviceError())
		case fsm.Exited:
			return fmt.Errorf("waiting for %s: %w", target, fsm.ErrExited)
		}
	}
}

func (c *Control) deviceError() error {
	if err := c.Services().Device().Err(); err != nil {
		return errors.Join(fsm.ErrDeviceError, err)
	}
	return fsm.ErrDeviceError
}

func (c *Control) debugLog(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
