package transport

// RegionEvent is the kind of a region lifecycle notification.
type RegionEvent uint8

const (
	// RegionCreated fires when another process first attaches the region.
	RegionCreated RegionEvent = iota

	// RegionDestroyed fires when the last attachment is released.
	RegionDestroyed

	// RegionLocalOnly fires for regions never shared with a peer.
	RegionLocalOnly
)

// String returns the event name.
func (e RegionEvent) String() string {
	switch e {
	case RegionCreated:
		return "created"
	case RegionDestroyed:
		return "destroyed"
	case RegionLocalOnly:
		return "local_only"
	default:
		return "unknown"
	}
}

// RegionInfo describes a region in a callback.
type RegionInfo struct {
	ID    uint64
	Name  string
	Size  uint64
	Flags int64
	Event RegionEvent
}

// RegionEventCallback receives region events on the housekeeping goroutine.
type RegionEventCallback func(RegionInfo)

// UnmanagedRegion is a named shared buffer whose layout the user controls.
type UnmanagedRegion interface {
	// ID returns the region id, unique within the session.
	ID() uint64

	// Name returns the segment name.
	Name() string

	// Data returns the whole mapped region.
	Data() []byte

	// Size returns the region size in bytes.
	Size() uint64

	// Flags returns the user flags given at creation.
	Flags() int64

	// NewMessage returns a message viewing [offset, offset+size). The bytes
	// are not copied; the message does not own them.
	NewMessage(offset, size uint64) (Message, error)

	// Alloc reserves size bytes from the region's allocator and returns a
	// message that frees them when closed on the receiving side.
	Alloc(size uint64) (Message, error)

	// Close releases this process's attachment.
	Close() error
}
