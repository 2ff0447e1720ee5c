package socket

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/shm"
	"github.com/fmq-go/fmq/pkg/transport"
)

func init() {
	transport.Register(transport.KindSocket, func(cfg transport.Config) (transport.Factory, error) {
		return New(cfg)
	})
}

// Factory creates socket-transport objects.
type Factory struct {
	cfg       transport.Config
	interrupt *transport.Interrupter
	dispatch  *shm.Dispatcher

	mu         sync.Mutex
	sockets    map[*Socket]struct{}
	regions    map[uint64]*heapRegion
	nextRegion atomic.Uint64
	closed     bool
}

// New creates a socket-transport factory.
func New(cfg transport.Config) (*Factory, error) {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	return &Factory{
		cfg:       cfg,
		interrupt: transport.NewInterrupter(),
		dispatch:  shm.NewDispatcher(),
		sockets:   make(map[*Socket]struct{}),
		regions:   make(map[uint64]*heapRegion),
	}, nil
}

// Kind implements transport.Factory.
func (f *Factory) Kind() transport.Kind { return transport.KindSocket }

// Interrupter returns the factory's interrupter.
func (f *Factory) Interrupter() *transport.Interrupter { return f.interrupt }

// CreateMessage implements transport.Factory.
func (f *Factory) CreateMessage(opts ...transport.MessageOption) (transport.Message, error) {
	return NewMessage(opts...)
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

	s := NewSocket(typ, id, Config{
		Interrupt:    f.interrupt,
		MaxFrameSize: f.cfg.MaxFrameSize,
		Logger:       f.cfg.Logger,
		EventLogger:  f.cfg.EventLogger,
	}, opts...)
	f.sockets[s] = struct{}{}
	return s, nil
}

// CreatePoller implements transport.Factory.
func (f *Factory) CreatePoller(items ...transport.Pollable) (transport.Poller, error) {
	for i, it := range items {
		if it != nil && it.Kind() != transport.KindSocket {
			return nil, fmt.Errorf("%w: item %d is %s", transport.ErrInvalidChannelSet, i, it.Kind())
		}
	}
	return transport.NewPoller(f.interrupt, items...)
}

// CreateUnmanagedRegion implements transport.Factory. The region lives in
// process memory; it never leaves this process, so its callback only
// receives RegionLocalOnly and RegionDestroyed.
func (f *Factory) CreateUnmanagedRegion(size uint64, flags int64, cb transport.RegionEventCallback) (transport.UnmanagedRegion, error) {
	alloc, err := shm.NewHeap(size, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrSocketClosed
	}

	id := f.nextRegion.Add(1)
	r := &heapRegion{
		factory: f,
		id:      id,
		name:    "heap_" + f.cfg.ID + "_" + strconv.FormatUint(id, 10),
		size:    size,
		flags:   flags,
		alloc:   alloc,
		cb:      cb,
	}
	f.regions[id] = r
	r.notify(transport.RegionLocalOnly)
	f.regionEvent(r, log.RegionCreated)
	return r, nil
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
	f.regions = nil
	f.mu.Unlock()

	f.Reset()
	for _, r := range regions {
		r.destroy()
	}
	f.dispatch.Close()
	return nil
}

func (f *Factory) regionEvent(r *heapRegion, kind log.RegionEventKind) {
	if f.cfg.EventLogger == nil {
		return
	}
	f.cfg.EventLogger.Log(log.Event{
		DeviceID:  f.cfg.ID,
		Layer:     log.LayerDevice,
		Category:  log.CategoryRegion,
		Transport: string(transport.KindSocket),
		Region:    &log.RegionEventData{
			Kind:     kind,
			Segment:  r.name,
			RegionID: r.id,
			Size:     r.size,
		},
	})
}

func (f *Factory) debugLog(msg string, args ...any) {
	if f.cfg.Logger != nil {
		f.cfg.Logger.Debug(msg, args...)
	}
}

// heapRegion is an unmanaged region in process memory.
type heapRegion struct {
	factory *Factory
	id      uint64
	name    string
	size    uint64
	flags   int64
	alloc   *shm.Allocator
	cb      transport.RegionEventCallback

	once sync.Once
}

func (r *heapRegion) ID() uint64 { return r.id }
func (r *heapRegion) Name() string { return r.name }
func (r *heapRegion) Size() uint64 { return r.size }
func (r *heapRegion) Flags() int64 { return r.flags }
func (r *heapRegion) Data() []byte { return r.alloc.Arena()[:r.size] }

func (r *heapRegion) NewMessage(offset, size uint64) (transport.Message, error) {
	if offset+size < offset || offset+size > r.size {
		return nil, fmt.Errorf("%w: [%d,%d) outside region of %d bytes", transport.ErrInvalidSize, offset, offset+size, r.size)
	}
	m := &Message{}
	m.adopt(r.Data()[offset : offset+size : offset+size])
	return m, nil
}

func (r *heapRegion) Alloc(size uint64) (transport.Message, error) {
	b, err := r.alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	data, err := r.alloc.Bytes(b.Offset, b.Size)
	if err != nil {
		return nil, err
	}
	return NewMessage(transport.WithBuffer(data, func([]byte) {
		if err := r.alloc.Free(b); err != nil {
			r.factory.debugLog("region block free failed", "region", r.name, "error", err)
		}
	}))
}

func (r *heapRegion) Close() error {
	f := r.factory
	f.mu.Lock()
	if f.regions != nil {
		delete(f.regions, r.id)
	}
	f.mu.Unlock()
	r.destroy()
	return nil
}

func (r *heapRegion) destroy() {
	r.once.Do(func() {
		r.notify(transport.RegionDestroyed)
		r.factory.regionEvent(r, log.RegionDestroyed)
	})
}

func (r *heapRegion) notify(ev transport.RegionEvent) {
	if r.cb == nil {
		return
	}
	info := transport.RegionInfo{ID: r.id, Name: r.name, Size: r.size, Flags: r.flags, Event: ev}
	cb := r.cb
	r.factory.dispatch.Post(func() { cb(info) })
}

var (
	_ transport.Factory         = (*Factory)(nil)
	_ transport.UnmanagedRegion = (*heapRegion)(nil)
)
