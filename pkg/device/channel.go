package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/metrics"
	"github.com/fmq-go/fmq/pkg/ratelimit"
	"github.com/fmq-go/fmq/pkg/transport"
)

// maxBindAttempts bounds the random-port search of AutoBind.
const maxBindAttempts = 1000

// Channel is one socket of a named channel. Channels are created by the
// device when leaving INITIALIZING_DEVICE and closed in RESETTING_DEVICE.
//
// Like its socket, a Channel is not safe for concurrent sends or
// concurrent receives.
type Channel struct {
	dev   *Device
	name  string
	index int
	cfg   ChannelConfig
	typ   transport.SocketType

	factory transport.Factory
	socket  transport.Socket
	limiter *ratelimit.Limiter
	events  log.Logger

	endpoints []Endpoint
}

func newChannel(d *Device, name string, index int, cfg ChannelConfig, f transport.Factory) (*Channel, error) {
	typ, err := transport.ParseSocketType(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelConfig, err)
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	c := &Channel{
		dev:       d,
		name:      name,
		index:     index,
		cfg:       cfg,
		typ:       typ,
		factory:   f,
		limiter:   ratelimit.New(cfg.RateLimit),
		events:    d.events.WithChannel(channelLabel(name, index)).WithTransport(string(f.Kind())),
		endpoints: endpoints,
	}

	sock, err := f.CreateSocket(typ, d.id+"."+c.Label(),
		transport.WithSndBufSize(cfg.SndBufSize),
		transport.WithRcvBufSize(cfg.RcvBufSize),
		transport.WithKernelSizes(cfg.SndKernelSize, cfg.RcvKernelSize),
		transport.WithLinger(time.Duration(cfg.Linger)*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create socket for %s: %w", c.Label(), err)
	}
	c.socket = sock
	return c, nil
}

func channelLabel(name string, index int) string {
	return name + "[" + strconv.Itoa(index) + "]"
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Index returns the position of the channel within its name.
func (c *Channel) Index() int { return c.index }

// Label returns name[index].
func (c *Channel) Label() string { return channelLabel(c.name, c.index) }

// Kind returns the transport kind.
func (c *Channel) Kind() transport.Kind { return c.factory.Kind() }

// Type returns the socket type.
func (c *Channel) Type() transport.SocketType { return c.typ }

// Config returns the channel configuration.
func (c *Channel) Config() ChannelConfig { return c.cfg }

// Socket returns the underlying socket.
func (c *Channel) Socket() transport.Socket { return c.socket }

// Endpoints returns the channel endpoints. Bound endpoints carry the
// address actually bound.
func (c *Channel) Endpoints() []Endpoint { return append([]Endpoint(nil), c.endpoints...) }

// NewMessage creates a message of the channel's transport.
func (c *Channel) NewMessage(opts ...transport.MessageOption) (transport.Message, error) {
	return c.factory.CreateMessage(opts...)
}

// Send sends msg. See transport.Socket for the timeout semantics.
func (c *Channel) Send(msg transport.Message, timeoutMs int) (int64, error) {
	if err := c.ready(); err != nil {
		return transport.TransferError, err
	}
	if err := c.throttle(msg.Size()); err != nil {
		return transport.TransferCode(err), err
	}
	n, err := c.socket.Send(msg, timeoutMs)
	c.record(metrics.DirectionOut, 1, n, err)
	return n, err
}

// Receive receives one single-part transmission into msg.
func (c *Channel) Receive(msg transport.Message, timeoutMs int) (int64, error) {
	if err := c.ready(); err != nil {
		return transport.TransferError, err
	}
	n, err := c.socket.Receive(msg, timeoutMs)
	c.record(metrics.DirectionIn, 1, n, err)
	if err == nil {
		// The data is already received; an interrupted wait only ends the
		// delay early.
		_ = c.throttle(int(n))
	}
	return n, err
}

// SendParts sends all parts as one transmission.
func (c *Channel) SendParts(parts *transport.Parts, timeoutMs int) (int64, error) {
	if err := c.ready(); err != nil {
		return transport.TransferError, err
	}
	count := parts.Len()
	if err := c.throttle(int(parts.Size())); err != nil {
		return transport.TransferCode(err), err
	}
	n, err := c.socket.SendParts(parts, timeoutMs)
	c.record(metrics.DirectionOut, count, n, err)
	return n, err
}

// ReceiveParts appends the parts of the next transmission to parts.
func (c *Channel) ReceiveParts(parts *transport.Parts, timeoutMs int) (int64, error) {
	if err := c.ready(); err != nil {
		return transport.TransferError, err
	}
	before := parts.Len()
	n, err := c.socket.ReceiveParts(parts, timeoutMs)
	c.record(metrics.DirectionIn, parts.Len()-before, n, err)
	if err == nil {
		_ = c.throttle(int(n))
	}
	return n, err
}

// ready fails unless the device is RUNNING or PAUSED.
func (c *Channel) ready() error {
	if !c.dev.transfersAllowed() {
		return fmt.Errorf("%w: %s in state %s", ErrDeviceNotReady, c.Label(), c.dev.State())
	}
	return nil
}

// throttle delays by the rate limit. It gives up when a transition is
// requested.
func (c *Channel) throttle(n int) error {
	if c.cfg.RateLimit <= 0 {
		return nil
	}
	if err := c.limiter.Wait(c.dev.transferContext(), n); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", transport.ErrInterrupted, err)
	}
	return nil
}

func (c *Channel) record(direction string, parts int, n int64, err error) {
	if err == nil {
		c.dev.metrics.RecordTransfer(c.name, c.index, direction, parts, n)
		return
	}
	code := transport.TransferCode(err)
	c.dev.metrics.RecordError(c.name, c.index, code)
	if transport.IsFatal(err) {
		ic := int(code)
		c.events.Log(log.Event{
			Layer:    log.LayerChannel,
			Category: log.CategoryError,
			Error:    &log.ErrorEventData{
				Layer:   log.LayerChannel,
				Message: err.Error(),
				Code:    &ic,
				Context: direction,
			},
		})
	}
}

// bind binds every bind endpoint. An empty address binds a random TCP
// port on all interfaces.
func (c *Channel) bind() error {
	if len(c.endpoints) == 0 && c.cfg.Method == "bind" {
		c.endpoints = []Endpoint{{Bind: true, Address: "tcp://*:0"}}
	}
	for i, ep := range c.endpoints {
		if !ep.Bind {
			continue
		}
		bound, err := c.bindEndpoint(ep.Address)
		if err != nil {
			return fmt.Errorf("bind %s to %s: %w", c.Label(), ep.Address, err)
		}
		c.endpoints[i].Address = bound
		c.dev.debugLog("channel bound", "channel", c.Label(), "address", bound)
	}
	return nil
}

func (c *Channel) bindEndpoint(addr string) (string, error) {
	bound, err := c.socket.Bind(addr)
	if err == nil || !c.cfg.AutoBind || !strings.HasPrefix(addr, "tcp://") {
		return bound, err
	}

	host := addr[:strings.LastIndexByte(addr, ':')+1]
	for range maxBindAttempts {
		port := c.cfg.PortRangeMin + rand.IntN(c.cfg.PortRangeMax-c.cfg.PortRangeMin+1)
		c.dev.debugLog("bind failed, trying random port", "channel", c.Label(), "address", addr, "port", port)
		if bound, err = c.socket.Bind(host + strconv.Itoa(port)); err == nil {
			return bound, nil
		}
	}
	return "", fmt.Errorf("no free port in %d-%d after %d attempts: %w",
		c.cfg.PortRangeMin, c.cfg.PortRangeMax, maxBindAttempts, err)
}

// hasConnect reports whether the channel connects anywhere, or would once
// an address is configured.
func (c *Channel) hasConnect() bool {
	if len(c.endpoints) == 0 {
		return c.cfg.Method == "connect"
	}
	for _, ep := range c.endpoints {
		if !ep.Bind {
			return true
		}
	}
	return false
}

// connect starts connecting every connect endpoint. A channel without
// address waits for its address property until ctx is done.
func (c *Channel) connect(ctx context.Context) error {
	if len(c.endpoints) == 0 && c.cfg.Method == "connect" {
		addr, err := c.dev.waitForAddress(ctx, c.name, c.index)
		if err != nil {
			return fmt.Errorf("connect %s: %w", c.Label(), err)
		}
		c.cfg.Address = addr
		if c.endpoints, err = c.cfg.Endpoints(); err != nil {
			return fmt.Errorf("connect %s: %w", c.Label(), err)
		}
	}
	for _, ep := range c.endpoints {
		if ep.Bind {
			continue
		}
		if err := c.socket.Connect(ep.Address); err != nil {
			return fmt.Errorf("connect %s to %s: %w", c.Label(), ep.Address, err)
		}
		c.dev.debugLog("channel connecting", "channel", c.Label(), "address", ep.Address)
	}
	return nil
}

// address returns the endpoints as an address property value.
func (c *Channel) address() string {
	parts := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		parts[i] = ep.String()
	}
	return strings.Join(parts, ";")
}

func (c *Channel) close() error {
	if err := c.socket.Close(); err != nil && !errors.Is(err, transport.ErrSocketClosed) {
		return fmt.Errorf("close %s: %w", c.Label(), err)
	}
	return nil
}
