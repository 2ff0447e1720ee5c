package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/property"
)

// Services errors.
var (
	ErrDeviceControl = errors.New("device control denied")
	ErrNotController = errors.New("not the device controller")
)

// StateFunc observes device state changes.
type StateFunc func(state fsm.State)

// Services is the plugin view of a device.
type Services struct {
	dev    *device.Device
	logger *slog.Logger
	events *log.Tagged

	mu         sync.Mutex
	controller string
	released   chan struct{} // closed while nobody has control
	stateSubs  map[string]fsm.Handle
	propSubs   map[string]property.Handle
}

// NewServices creates the services of d. Logger and events may be nil.
func NewServices(d *device.Device, logger *slog.Logger, events log.Logger) *Services {
	released := make(chan struct{})
	close(released)
	return &Services{
		dev:       d,
		logger:    logger,
		events:    log.NewTagged(events, d.ID()),
		released:  released,
		stateSubs: make(map[string]fsm.Handle),
		propSubs:  make(map[string]property.Handle),
	}
}

// Device returns the served device.
func (s *Services) Device() *device.Device { return s.dev }

// SetProperty sets a device property.
func (s *Services) SetProperty(key string, value any) { s.dev.Properties().Set(key, value) }

// GetProperty returns a device property.
func (s *Services) GetProperty(key string) (any, error) {
	v, ok := s.dev.Properties().Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", property.ErrNotFound, key)
	}
	return v, nil
}

// GetPropertyAsString returns a device property formatted as a string,
// or "" if it is unset.
func (s *Services) GetPropertyAsString(key string) string {
	return s.dev.Properties().GetAsString(key)
}

// GetPropertyKeys returns all property keys in sorted order.
func (s *Services) GetPropertyKeys() []string { return s.dev.Properties().Keys("") }

// GetChannelInfo returns the number of sub-channels per configured channel.
func (s *Services) GetChannelInfo() map[string]int {
	props := s.dev.Properties()
	info := make(map[string]int)
	for _, name := range props.ChannelNames() {
		info[name] = props.ChannelCount(name)
	}
	return info
}

// SubscribeToPropertyChange registers fn for changes of any property. A
// subscriber holds at most one subscription; subscribing again replaces it.
func (s *Services) SubscribeToPropertyChange(subscriber string, fn property.ChangeFunc) {
	h := s.dev.Properties().Subscribe("", fn)

	s.mu.Lock()
	old, ok := s.propSubs[subscriber]
	s.propSubs[subscriber] = h
	s.mu.Unlock()

	if ok {
		s.dev.Properties().Unsubscribe(old)
	}
}

// UnsubscribeFromPropertyChange removes the subscription of subscriber.
func (s *Services) UnsubscribeFromPropertyChange(subscriber string) {
	s.mu.Lock()
	h, ok := s.propSubs[subscriber]
	delete(s.propSubs, subscriber)
	s.mu.Unlock()

	if ok {
		s.dev.Properties().Unsubscribe(h)
	}
}

// SubscribeToDeviceStateChange registers fn for every state the device
// enters. Subscribing again replaces the previous callback.
func (s *Services) SubscribeToDeviceStateChange(subscriber string, fn StateFunc) {
	h := s.dev.Machine().SubscribeToStateChange(func(_, to fsm.State) { fn(to) })

	s.mu.Lock()
	old, ok := s.stateSubs[subscriber]
	s.stateSubs[subscriber] = h
	s.mu.Unlock()

	if ok {
		s.dev.Machine().UnsubscribeFromStateChange(old)
	}
}

// UnsubscribeFromDeviceStateChange removes the subscription of subscriber.
func (s *Services) UnsubscribeFromDeviceStateChange(subscriber string) {
	s.mu.Lock()
	h, ok := s.stateSubs[subscriber]
	delete(s.stateSubs, subscriber)
	s.mu.Unlock()

	if ok {
		s.dev.Machine().UnsubscribeFromStateChange(h)
	}
}

// CurrentDeviceState returns the device state.
func (s *Services) CurrentDeviceState() fsm.State { return s.dev.State() }

// WaitForState blocks until the device reaches state. See fsm.Machine.
func (s *Services) WaitForState(state fsm.State, timeout time.Duration) error {
	return s.dev.WaitForState(state, timeout)
}

// ChangeDeviceState requests transition t on behalf of controller. If
// nobody has control, controller takes it.
func (s *Services) ChangeDeviceState(controller string, t fsm.Transition) error {
	s.mu.Lock()
	if s.controller == "" {
		s.setControllerLocked(controller, "take")
	}
	if s.controller != controller {
		current := s.controller
		s.mu.Unlock()
		return fmt.Errorf("%w: plugin %q cannot change device state, %q has control", ErrDeviceControl, controller, current)
	}
	s.mu.Unlock()

	return s.dev.ChangeState(t)
}

// TakeDeviceControl makes controller the device controller. It fails if
// another plugin has control.
func (s *Services) TakeDeviceControl(controller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.controller {
	case "":
		s.setControllerLocked(controller, "take")
		return nil
	case controller:
		return nil
	default:
		return fmt.Errorf("%w: plugin %q cannot take control, %q has control", ErrDeviceControl, controller, s.controller)
	}
}

// StealDeviceControl makes controller the device controller regardless
// of who has control.
func (s *Services) StealDeviceControl(controller string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller != controller {
		s.setControllerLocked(controller, "steal")
	}
}

// ReleaseDeviceControl gives up control. Releasing without having control
// returns ErrNotController.
func (s *Services) ReleaseDeviceControl(controller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controller != controller {
		s.debugLog("release without control", "plugin", controller, "controller", s.controller)
		return fmt.Errorf("%w: %q", ErrNotController, controller)
	}
	s.setControllerLocked("", "release")
	return nil
}

// GetDeviceController returns the controller and whether anyone has control.
func (s *Services) GetDeviceController() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller, s.controller != ""
}

// WaitForReleaseDeviceControl blocks until nobody has control or ctx is
// done.
func (s *Services) WaitForReleaseDeviceControl(ctx context.Context) error {
	for {
		s.mu.Lock()
		released := s.released
		free := s.controller == ""
		s.mu.Unlock()
		if free {
			return nil
		}

		select {
		case <-released:
			// Control may have been taken again before we got the lock.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setControllerLocked changes the controller. s.mu must be held.
func (s *Services) setControllerLocked(controller, reason string) {
	old := s.controller
	s.controller = controller

	switch {
	case old == "" && controller != "":
		s.released = make(chan struct{})
	case old != "" && controller == "":
		close(s.released)
	}

	s.debugLog("device controller changed", "from", old, "to", controller, "reason", reason)
	s.events.Log(log.Event{
		Layer:       log.LayerDevice,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityController,
			OldState: old,
			NewState: controller,
			Reason:   reason,
		},
	})
}

func (s *Services) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
