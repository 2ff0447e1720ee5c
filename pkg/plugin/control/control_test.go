package control

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/plugin"
)

const waitTimeout = 5 * time.Second

func newServices(t *testing.T, task any) *plugin.Services {
	t.Helper()
	d, err := device.New(task, device.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	d.Start()
	return plugin.NewServices(d, nil, nil)
}

func waitDone(t *testing.T, c *Control) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("controller still running in state %s", c.CurrentDeviceState())
	}
}

type finiteTask struct {
	calls atomic.Int32
}

func (f *finiteTask) ConditionalRun(context.Context, *device.Device) (bool, error) {
	return f.calls.Add(1) < 3, nil
}

func TestStaticModeRunsToCompletion(t *testing.T) {
	task := &finiteTask{}
	svc := newServices(t, task)

	c, err := New(Name, svc, Config{Mode: ModeStatic})
	require.NoError(t, err)
	assert.Equal(t, ModeStatic, c.Mode())

	waitDone(t, c)
	assert.NoError(t, c.Err())
	assert.Equal(t, fsm.Exited, svc.CurrentDeviceState())
	assert.EqualValues(t, 3, task.calls.Load())

	_, ok := svc.GetDeviceController()
	assert.False(t, ok, "control is released")
}

func TestModeFromProperty(t *testing.T) {
	svc := newServices(t, nil)
	svc.SetProperty(KeyControl, "bogus")

	c, err := New(Name, svc, Config{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, ModeStatic, c.Mode(), "unknown modes fall back to static")
}

func TestCloseShutsDownRunningDevice(t *testing.T) {
	svc := newServices(t, nil)

	c, err := New(Name, svc, Config{Mode: ModeStatic})
	require.NoError(t, err)
	require.NoError(t, svc.WaitForState(fsm.Running, waitTimeout))

	require.NoError(t, c.Close())
	assert.Equal(t, fsm.Exited, svc.CurrentDeviceState())
}

type brokenTask struct{}

func (brokenTask) InitTask(context.Context, *device.Device) error {
	return errors.New("sensor offline")
}

func TestStaticModeReportsDeviceError(t *testing.T) {
	svc := newServices(t, brokenTask{})

	c, err := New(Name, svc, Config{Mode: ModeStatic})
	require.NoError(t, err)
	waitDone(t, c)

	assert.ErrorIs(t, c.Err(), fsm.ErrDeviceError)
	assert.ErrorContains(t, c.Err(), "sensor offline")
	assert.Equal(t, fsm.Error, svc.CurrentDeviceState())
}

func TestPassiveWhenAnotherPluginControls(t *testing.T) {
	svc := newServices(t, nil)
	require.NoError(t, svc.TakeDeviceControl("dds"))

	c, err := New(Name, svc, Config{Mode: ModeStatic})
	require.NoError(t, err)
	assert.Empty(t, c.Mode())
	waitDone(t, c)
	assert.Equal(t, fsm.Idle, svc.CurrentDeviceState())

	owner, _ := svc.GetDeviceController()
	assert.Equal(t, "dds", owner)
}

func TestInteractiveKeys(t *testing.T) {
	svc := newServices(t, nil)
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })

	c, err := New(Name, svc, Config{Mode: ModeInteractive, Stdin: r, Stdout: io.Discard})
	require.NoError(t, err)
	require.NoError(t, svc.WaitForState(fsm.Running, waitTimeout))

	press := func(line string, want fsm.State) {
		t.Helper()
		_, err := io.WriteString(w, line+"\n")
		require.NoError(t, err)
		require.NoError(t, svc.WaitForState(want, waitTimeout), "after %q", line)
	}
	press("p", fsm.Paused)
	press("u", fsm.Running)
	press("s", fsm.Ready)
	press("h", fsm.Ready)
	press("q", fsm.Exited)

	waitDone(t, c)
	assert.NoError(t, c.Err())
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, plugin.DefaultRegistry.Names(), Name)
}
