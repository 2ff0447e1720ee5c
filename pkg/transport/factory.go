package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fmq-go/fmq/pkg/log"
)

// Factory creates messages, sockets, pollers and regions of one backend.
type Factory interface {
	Kind() Kind

	// CreateMessage allocates a message. Without options the message is
	// empty and sized by the next receive.
	CreateMessage(opts ...MessageOption) (Message, error)

	// CreateSocket returns an unbound, unconnected socket.
	CreateSocket(typ SocketType, id string, opts ...SocketOption) (Socket, error)

	// CreatePoller multiplexes items, which must all belong to this
	// factory's kind.
	CreatePoller(items ...Pollable) (Poller, error)

	// CreateUnmanagedRegion allocates a shared region. cb, if set, receives
	// the region's lifecycle events.
	CreateUnmanagedRegion(size uint64, flags int64, cb RegionEventCallback) (UnmanagedRegion, error)

	// Interrupt wakes every blocked send, receive and poll of this factory
	// until Resume.
	Interrupt()
	Resume()

	// Reset closes every socket created by the factory.
	Reset()

	Close() error
}

// Config configures a Factory.
type Config struct {
	// ID is the owning device id.
	ID string

	// Session scopes shared-memory names. Devices exchanging shared memory
	// must use the same session.
	Session string

	// SegmentSize is the size of the managed shared-memory segment.
	SegmentSize uint64

	// ShmDir is where shared-memory segments are created.
	ShmDir string

	// MaxFrameSize bounds a single frame on the wire.
	MaxFrameSize uint32

	Logger      *slog.Logger
	EventLogger log.Logger
}

// Constructor builds a Factory of one kind.
type Constructor func(cfg Config) (Factory, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Constructor)
)

// Register makes a backend available to NewFactory. Backends call it from
// init. A nil constructor marks the kind as known but unavailable.
func Register(kind Kind, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = ctor
}

// NewFactory builds a factory of the given kind.
func NewFactory(kind Kind, cfg Config) (Factory, error) {
	registryMu.RLock()
	ctor, ok := registry[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrUnsupportedTransport, kind)
	}
	if ctor == nil {
		return nil, fmt.Errorf("%w: %s is not available in this build", ErrUnsupportedTransport, kind)
	}
	return ctor(cfg)
}

// Kinds returns the registered kinds, available or not, sorted by name.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	Register(KindOFI, nil)
}
