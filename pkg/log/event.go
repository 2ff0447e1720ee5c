package log

import "time"

// Event represents a device event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// DeviceID identifies the device that captured the event.
	DeviceID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Channel is the channel name (with sub-channel index, e.g. "data[0]").
	Channel string `cbor:"6,keyasint,omitempty"`

	// SocketID identifies the socket or peer connection.
	SocketID string `cbor:"7,keyasint,omitempty"`

	// Transport is the transport kind ("socket", "shmem").
	Transport string `cbor:"8,keyasint,omitempty"`

	// RemoteAddr is the peer address, if any.
	RemoteAddr string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"` // Device or socket state
	Region      *RegionEventData  `cbor:"12,keyasint,omitempty"` // Shared-memory regions
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerChannel is the channel layer (messages and parts).
	LayerChannel Layer = 1
	// LayerDevice is the device layer (lifecycle, regions).
	LayerDevice Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerChannel:
		return "CHANNEL"
	case LayerDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates message traffic.
	CategoryMessage Category = 0
	// CategoryControl indicates peer connect/disconnect and interrupts.
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryRegion indicates a shared-memory region event.
	CategoryRegion Category = 3
	// CategoryError indicates an error event.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryRegion:
		return "REGION"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`

	// More is set when further parts of the same transmission follow.
	More bool `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Transition that caused the change (device entity only).
	Transition string `cbor:"4,keyasint,omitempty"`

	// Reason for the change (if available).
	Reason string `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityDevice indicates a device lifecycle change.
	StateEntityDevice StateEntity = 0
	// StateEntityPeer indicates a socket peer connected or disconnected.
	StateEntityPeer StateEntity = 1
	// StateEntityController indicates a change of the controlling plugin.
	StateEntityController StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityPeer:
		return "PEER"
	case StateEntityController:
		return "CONTROLLER"
	default:
		return "UNKNOWN"
	}
}

// RegionEventData captures shared-memory region lifecycle events.
type RegionEventData struct {
	// Kind of region event.
	Kind RegionEventKind `cbor:"1,keyasint"`

	// Segment is the segment name.
	Segment string `cbor:"2,keyasint"`

	// RegionID is the numeric region id (0 = main segment).
	RegionID uint64 `cbor:"3,keyasint"`

	// Size is the region size in bytes.
	Size uint64 `cbor:"4,keyasint,omitempty"`

	// Attachments is the counter value observed with the event.
	Attachments uint32 `cbor:"5,keyasint,omitempty"`
}

// RegionEventKind indicates the type of region event.
type RegionEventKind uint8

const (
	// RegionCreated indicates a region was created by this process.
	RegionCreated RegionEventKind = 0
	// RegionAttached indicates an existing region was attached.
	RegionAttached RegionEventKind = 1
	// RegionDetached indicates this process released its attachment.
	RegionDetached RegionEventKind = 2
	// RegionDestroyed indicates the last attachment was released.
	RegionDestroyed RegionEventKind = 3
)

// String returns the region event kind name.
func (k RegionEventKind) String() string {
	switch k {
	case RegionCreated:
		return "CREATED"
	case RegionAttached:
		return "ATTACHED"
	case RegionDetached:
		return "DETACHED"
	case RegionDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the transfer code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
