package shmem

import (
	"fmt"
	"sync"

	"github.com/fmq-go/fmq/pkg/shm"
	"github.com/fmq-go/fmq/pkg/transport"
	"github.com/fmq-go/fmq/pkg/transport/socket"
)

// DefaultSession is used when the factory config names no session.
const DefaultSession = "default"

func init() {
	transport.Register(transport.KindShmem, func(cfg transport.Config) (transport.Factory, error) {
		return New(cfg)
	})
}

// Factory creates shared-memory transport objects.
type Factory struct {
	cfg       transport.Config
	mgr       *shm.Manager
	interrupt *transport.Interrupter

	mu      sync.Mutex
	sockets map[*Socket]struct{}
	regions map[uint64]*Region
	closed  bool
}

// New attaches the session's main segment and returns a factory.
func New(cfg transport.Config) (*Factory, error) {
	if cfg.Session == "" {
		cfg.Session = DefaultSession
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = transport.DefaultMaxFrameSize
	}

	scfg := shm.DefaultConfig()
	scfg.Session = cfg.Session
	scfg.Dir = cfg.ShmDir
	if cfg.SegmentSize > 0 {
		scfg.SegmentSize = cfg.SegmentSize
	}
	scfg.DeviceID = cfg.ID
	scfg.Logger = cfg.Logger
	scfg.EventLogger = cfg.EventLogger

	mgr, err := shm.NewManager(scfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	return &Factory{
		cfg:       cfg,
		mgr:       mgr,
		interrupt: transport.NewInterrupter(),
		sockets:   make(map[*Socket]struct{}),
		regions:   make(map[uint64]*Region),
	}, nil
}

// Kind implements transport.Factory.
func (f *Factory) Kind() transport.Kind { return transport.KindShmem }

// Manager returns the region manager.
func (f *Factory) Manager() *shm.Manager { return f.mgr }

// CreateMessage implements transport.Factory.
func (f *Factory) CreateMessage(opts ...transport.MessageOption) (transport.Message, error) {
	return f.NewMessage(opts...)
}

// NewMessage is CreateMessage returning the concrete type.
func (f *Factory) NewMessage(opts ...transport.MessageOption) (*Message, error) {
	m := &Message{f: f}
	if err := m.Rebuild(opts...); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateSocket implements transport.Factory.
func (f *Factory) CreateSocket(typ transport.SocketType, id string, opts ...transport.SocketOption) (transport.Socket, error) {
	return f.NewSocket(typ, id, opts...)
}

// NewSocket is CreateSocket returning the concrete type.
func (f *Factory) NewSocket(typ transport.SocketType, id string, opts ...transport.SocketOption) (*Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrSocketClosed
	}

	inner := socket.NewSocket(typ, id, socket.Config{
		Kind:         transport.KindShmem,
		Interrupt:    f.interrupt,
		MaxFrameSize: f.cfg.MaxFrameSize,
		Discard:      f.discard,
		Logger:       f.cfg.Logger,
		EventLogger:  f.cfg.EventLogger,
	}, opts...)
	s := &Socket{Socket: inner, f: f}
	f.sockets[s] = struct{}{}
	return s, nil
}

// CreatePoller implements transport.Factory.
func (f *Factory) CreatePoller(items ...transport.Pollable) (transport.Poller, error) {
	for i, it := range items {
		if it != nil && it.Kind() != transport.KindShmem {
			return nil, fmt.Errorf("%w: item %d is %s", transport.ErrInvalidChannelSet, i, it.Kind())
		}
	}
	return transport.NewPoller(f.interrupt, items...)
}

// CreateUnmanagedRegion implements transport.Factory.
func (f *Factory) CreateUnmanagedRegion(size uint64, flags int64, cb transport.RegionEventCallback) (transport.UnmanagedRegion, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, transport.ErrSocketClosed
	}

	r, err := f.mgr.CreateRegion(size, flags, cb)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	region := &Region{f: f, r: r}

	f.mu.Lock()
	f.regions[r.ID()] = region
	f.mu.Unlock()
	return region, nil
}

// Interrupt implements transport.Factory.
func (f *Factory) Interrupt() { f.interrupt.Interrupt() }

// Resume implements transport.Factory.
func (f *Factory) Resume() { f.interrupt.Resume() }

// Reset implements transport.Factory.
func (f *Factory) Reset() {
	f.mu.Lock()
	sockets := f.sockets
	f.sockets = make(map[*Socket]struct{})
	f.mu.Unlock()

	for s := range sockets {
		_ = s.Close()
	}
}

// Close implements transport.Factory.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	regions := f.regions
	f.regions = make(map[uint64]*Region)
	f.mu.Unlock()

	f.Reset()
	for _, r := range regions {
		_ = r.r.Close()
	}
	return f.mgr.Close()
}

// fromFrame turns a received frame into a message.
func (f *Factory) fromFrame(fr transport.Frame) (*Message, error) {
	if !fr.IsRegion() {
		// Inline bytes from a plain socket peer.
		return &Message{f: f, buf: fr.Payload, size: len(fr.Payload)}, nil
	}
	ref, err := transport.DecodeRegionRef(fr)
	if err != nil {
		return nil, err
	}
	if ref.Size == 0 {
		return &Message{f: f}, nil
	}

	data, seg, err := f.mgr.Bytes(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s@%d: %w", transport.ErrSocketError, ref.Segment, ref.Offset, err)
	}
	if err := seg.Pin(); err != nil {
		return nil, fmt.Errorf("%w: resolve %s@%d: %w", transport.ErrSocketError, ref.Segment, ref.Offset, err)
	}
	return &Message{
		f:      f,
		seg:    seg,
		region: ref.RegionID,
		block:  shm.Block{Offset: ref.BlockOffset(), Size: ref.Size},
		owned:  ref.Managed,
		offset: ref.Offset,
		buf:    data,
		size:   len(data),
	}, nil
}

// discard drops the block references of frames nobody will read.
func (f *Factory) discard(frames []transport.Frame) {
	for _, fr := range frames {
		m, err := f.fromFrame(fr)
		if err != nil {
			f.debugLog("unread frame not released", "error", err)
			continue
		}
		m.Close()
	}
}

func (f *Factory) debugLog(msg string, args ...any) {
	if f.cfg.Logger != nil {
		f.cfg.Logger.Debug(msg, args...)
	}
}

var _ transport.Factory = (*Factory)(nil)
