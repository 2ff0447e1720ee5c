package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmq-go/fmq/pkg/config"
	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/property"
)

const waitTimeout = 5 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// startDevice creates a device for task with channels given as
// sub-option strings and brings it to RUNNING.
func startDevice(t *testing.T, id string, task any, channels ...string) *device.Device {
	t.Helper()
	chans, err := config.ParseChannelConfigs(channels)
	require.NoError(t, err)

	cfg := device.DefaultConfig()
	cfg.ID = id
	cfg.Properties = property.NewStore(chans)
	d, err := device.New(task, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	d.Start()

	for _, tr := range []fsm.Transition{fsm.InitDevice, fsm.CompleteInit, fsm.Bind, fsm.Connect, fsm.InitTask, fsm.Run} {
		require.NoError(t, d.ChangeState(tr), "%s: ChangeState(%s)", id, tr)
	}
	require.NoError(t, d.WaitForState(fsm.Running, waitTimeout), id)
	return d
}

func TestSamplerToSink(t *testing.T) {
	addr := "inproc://" + t.Name()

	snk := &sink{in: "data-in", max: 5, logger: discard}
	sinkDev := startDevice(t, "sink", snk, "name=data-in,type=pull,method=bind,address="+addr)

	smp := &sampler{out: "data-out", size: 64, max: 5, logger: discard}
	samplerDev := startDevice(t, "sampler", smp, "name=data-out,type=push,method=connect,address="+addr)

	require.NoError(t, samplerDev.WaitForState(fsm.Ready, waitTimeout))
	require.NoError(t, sinkDev.WaitForState(fsm.Ready, waitTimeout))
	assert.EqualValues(t, 5, smp.counter.Load())
	assert.EqualValues(t, 5, snk.received.Load())
}

func TestProxyForwards(t *testing.T) {
	front := "inproc://" + t.Name() + "-front"
	back := "inproc://" + t.Name() + "-back"

	snk := &sink{in: "data-in", max: 4, logger: discard}
	sinkDev := startDevice(t, "sink", snk, "name=data-in,type=pull,method=bind,address="+back)

	px := &proxy{in: "data-in", out: "data-out"}
	proxyDev := startDevice(t, "proxy", px,
		"name=data-in,type=pull,method=bind,address="+front,
		"name=data-out,type=push,method=connect,address="+back)

	smp := &sampler{out: "data-out", size: 16, max: 4, logger: discard}
	startDevice(t, "sampler", smp, "name=data-out,type=push,method=connect,address="+front)

	require.NoError(t, sinkDev.WaitForState(fsm.Ready, waitTimeout))
	assert.EqualValues(t, 4, snk.received.Load())
	assert.Eventually(t, func() bool { return px.forwarded.Load() == 4 }, waitTimeout, 10*time.Millisecond)

	// The proxy runs until stopped.
	assert.Equal(t, fsm.Running, proxyDev.State())
	require.NoError(t, proxyDev.ChangeState(fsm.Stop))
	require.NoError(t, proxyDev.WaitForState(fsm.Ready, waitTimeout))
}

func TestResetTaskClearsCounters(t *testing.T) {
	smp := &sampler{}
	smp.counter.Store(7)
	require.NoError(t, smp.ResetTask(t.Context(), nil))
	assert.Zero(t, smp.counter.Load())

	snk := &sink{}
	snk.received.Store(3)
	require.NoError(t, snk.ResetTask(t.Context(), nil))
	assert.Zero(t, snk.received.Load())
}

func TestNewTaskUnknownRole(t *testing.T) {
	_, err := newTask("router", "in", "out", 1, 0, discard)
	assert.ErrorContains(t, err, "unknown role")

	for _, role := range []string{RoleSampler, RoleSink, RoleProxy} {
		task, err := newTask(role, "in", "out", 1, 0, discard)
		require.NoError(t, err, role)
		assert.NotNil(t, task, role)
	}
}
