package fmq_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fmq-go/fmq/pkg/config"
	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/fsm"
	fmqlog "github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/plugin"
	"github.com/fmq-go/fmq/pkg/plugin/control"
	"github.com/fmq-go/fmq/pkg/property"
	"github.com/fmq-go/fmq/pkg/transport"
)

const messageCount = 20

// producer sends messageCount numbered messages, then ends its run.
type producer struct {
	sent atomic.Int32
}

func (p *producer) ConditionalRun(_ context.Context, d *device.Device) (bool, error) {
	msg, err := d.NewMessage(transport.WithSize(4))
	if err != nil {
		return false, err
	}
	defer msg.Close()
	n := p.sent.Load()
	copy(msg.Data(), []byte{byte(n), byte(n >> 8), 0xfe, 0xed})
	if _, err := d.Send(msg, "data", 0, 5000); err != nil {
		return false, err
	}
	return p.sent.Add(1) < messageCount, nil
}

// consumer checks ordering of the messages it receives.
type consumer struct {
	received atomic.Int32
	outOfOrd atomic.Int32
}

func (c *consumer) InitTask(_ context.Context, d *device.Device) error {
	d.OnData("data", func(msg transport.Message, _ int) bool {
		defer msg.Close()
		data := msg.Data()
		want := c.received.Load()
		if len(data) != 4 || int32(data[0])|int32(data[1])<<8 != want {
			c.outOfOrd.Add(1)
		}
		return c.received.Add(1) < messageCount
	})
	return nil
}

// node is a device driven by its own control plugin.
type node struct {
	dev *device.Device
	svc *plugin.Services
	mgr *plugin.Manager
}

func startNode(t *testing.T, task any, cfg device.Config, channel string) *node {
	t.Helper()
	return startNodeWithHook(t, task, cfg, channel, nil)
}

func (n *node) waitExited(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-n.dev.Machine().Done():
	case <-time.After(timeout):
		t.Fatalf("device %s still in %s after %v", n.dev.ID(), n.dev.State(), timeout)
	}
	if s := n.dev.State(); s != fsm.Exited {
		t.Fatalf("device %s ended in %s: %v", n.dev.ID(), s, n.dev.Err())
	}
}

// runPipeline connects a producer to a consumer. The consumer binds; the
// producer connects to whatever address the consumer reports after
// binding.
func runPipeline(t *testing.T, cfg device.Config, bindAddr string) (*producer, *consumer) {
	t.Helper()

	prodCfg := cfg
	prodCfg.ID = "producer"
	prod := &producer{}
	prodNode := startNode(t, prod, prodCfg, "name=data,type=push,method=connect")

	addrKey := property.ChannelKey("data", 0, "address")
	consCfg := cfg
	consCfg.ID = "consumer"
	cons := &consumer{}

	// The consumer's bound address is only known after BIND.
	forwarded := make(chan struct{})
	var once atomic.Bool
	consNode := startNodeWithHook(t, cons, consCfg, "name=data,type=pull,method=bind,address="+bindAddr,
		func(svc *plugin.Services) {
			svc.SubscribeToPropertyChange("pipeline", func(key string, value any) {
				s, _ := value.(string)
				if key != addrKey || !strings.HasPrefix(s, "@") || !once.CompareAndSwap(false, true) {
					return
				}
				prodNode.svc.SetProperty(addrKey, strings.TrimPrefix(s, "@"))
				close(forwarded)
			})
		})

	select {
	case <-forwarded:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never reported its bound address")
	}

	consNode.waitExited(t, 10*time.Second)
	prodNode.waitExited(t, 10*time.Second)
	return prod, cons
}

// startNodeWithHook is startNode with a callback that runs on the services
// before any plugin is instantiated.
func startNodeWithHook(t *testing.T, task any, cfg device.Config, channel string, hook func(*plugin.Services)) *node {
	t.Helper()

	chans, err := config.ParseChannelConfig(channel)
	if err != nil {
		t.Fatalf("ParseChannelConfig: %v", err)
	}
	cfg.Properties = property.NewStore(chans)

	dev, err := device.New(task, cfg)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	svc := plugin.NewServices(dev, nil, cfg.EventLogger)
	if hook != nil {
		hook(svc)
	}

	registry := plugin.NewRegistry()
	if err := registry.Register(control.Name, control.Constructor(control.Config{Mode: control.ModeStatic})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mgr := plugin.NewManager(svc, registry, nil)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	dev.Start()
	if err := mgr.Instantiate(); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return &node{dev: dev, svc: svc, mgr: mgr}
}

func checkDelivery(t *testing.T, prod *producer, cons *consumer) {
	t.Helper()
	if got := prod.sent.Load(); got != messageCount {
		t.Errorf("sent %d messages, want %d", got, messageCount)
	}
	if got := cons.received.Load(); got != messageCount {
		t.Errorf("received %d messages, want %d", got, messageCount)
	}
	if got := cons.outOfOrd.Load(); got != 0 {
		t.Errorf("%d messages out of order", got)
	}
}

// TestE2E_TCPPipeline runs two devices through their full lifecycle over
// the socket transport.
func TestE2E_TCPPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	prod, cons := runPipeline(t, device.DefaultConfig(), "tcp://127.0.0.1:0")
	checkDelivery(t, prod, cons)
}

// TestE2E_ShmemPipeline does the same over shared memory.
func TestE2E_ShmemPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := device.DefaultConfig()
	cfg.Transport = transport.KindShmem
	cfg.Session = strings.ReplaceAll(t.Name(), "/", "_")
	cfg.ShmDir = t.TempDir()
	cfg.SegmentSize = 1 << 20

	prod, cons := runPipeline(t, cfg, "tcp://127.0.0.1:0")
	checkDelivery(t, prod, cons)
}

// TestE2E_EventLog checks that a device lifecycle can be read back from
// the event log.
func TestE2E_EventLog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	path := filepath.Join(t.TempDir(), "pipeline.flog")
	fl, err := fmqlog.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	cfg := device.DefaultConfig()
	cfg.EventLogger = fl
	prod, cons := runPipeline(t, cfg, "tcp://127.0.0.1:0")
	checkDelivery(t, prod, cons)

	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fmqlog.NewFilteredReader(path, fmqlog.Filter{DeviceID: "consumer"})
	if err != nil {
		t.Fatalf("NewFilteredReader: %v", err)
	}
	defer r.Close()

	var states []string
	var frames int
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.DeviceID != "consumer" {
			t.Errorf("filter returned event of %q", ev.DeviceID)
		}
		if sc := ev.StateChange; sc != nil && sc.Entity == fmqlog.StateEntityDevice {
			states = append(states, sc.NewState)
		}
		if ev.Frame != nil && ev.Direction == fmqlog.DirectionIn {
			frames++
		}
	}

	if len(states) == 0 || states[len(states)-1] != fsm.Exited.String() {
		t.Errorf("state events = %v, want a sequence ending in %s", states, fsm.Exited)
	}
	if !slices.Contains(states, fsm.Running.String()) {
		t.Errorf("state events = %v, want %s among them", states, fsm.Running)
	}
	if frames < messageCount {
		t.Errorf("logged %d incoming frames, want at least %d", frames, messageCount)
	}
}
