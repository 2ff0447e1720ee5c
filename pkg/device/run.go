package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmq-go/fmq/pkg/fsm"
)

// DefaultShutdownTimeout bounds each step of Shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// RunStateMachine starts the device and blocks until it reaches EXITED or
// ERROR. When ctx is cancelled first, the device is shut down. It returns
// the error that moved the device to ERROR, if any.
func (d *Device) RunStateMachine(ctx context.Context) error {
	d.Start()

	select {
	case <-d.machine.Done():
	case <-ctx.Done():
		if err := d.Shutdown(DefaultShutdownTimeout); err != nil && !errors.Is(err, fsm.ErrDeviceError) {
			d.debugLog("shutdown", "error", err)
		}
		<-d.machine.Done()
	}

	if d.State() == fsm.Error {
		return d.Err()
	}
	return nil
}

// Shutdown walks the device from its current state to EXITED, waiting up
// to timeout for each step.
func (d *Device) Shutdown(timeout time.Duration) error {
	for {
		s := d.State()
		var t fsm.Transition
		switch s {
		case fsm.Exited:
			return nil
		case fsm.Error:
			return fmt.Errorf("shutdown: %w", fsm.ErrDeviceError)
		case fsm.Running, fsm.Paused:
			t = fsm.Stop
		case fsm.Ready:
			t = fsm.ResetTask
		case fsm.DeviceReady, fsm.Bound, fsm.Initialized:
			t = fsm.ResetDevice
		case fsm.InitializingDevice:
			t = fsm.CompleteInit
		case fsm.Idle:
			t = fsm.End
		default:
			// Transient state; wait for it to settle.
			if _, err := d.machine.WaitForNextState(timeout); err != nil && !errors.Is(err, fsm.ErrExited) {
				return fmt.Errorf("shutdown from %s: %w", s, err)
			}
			continue
		}

		target, _ := fsm.Target(s, t)
		mark := d.machine.Mark()
		if err := d.machine.ChangeState(t); err != nil {
			// Someone else queued a transition; let it run.
			if _, err := d.machine.WaitForNextState(timeout); err != nil && !errors.Is(err, fsm.ErrExited) {
				return fmt.Errorf("shutdown from %s: %w", s, err)
			}
			continue
		}
		if err := d.machine.WaitForStateAfter(mark, target, timeout); err != nil && !errors.Is(err, fsm.ErrExited) {
			return fmt.Errorf("shutdown from %s: %w", s, err)
		}
	}
}
