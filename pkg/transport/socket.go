package transport

// Socket is a transport-specific endpoint of one communication pattern.
//
// Timeouts are in milliseconds: -1 waits indefinitely, 0 never waits and
// reports ErrWouldBlock, a positive value bounds the wait and reports
// ErrTimedOut. Transfers return the number of bytes moved, or a negative
// transfer code together with the error. A Socket is not safe for
// concurrent sends or concurrent receives from several goroutines.
type Socket interface {
	Pollable

	// ID returns the socket identity.
	ID() string

	// Bind listens on addr and returns the address actually bound, which
	// differs from addr when a random port was requested.
	Bind(addr string) (string, error)

	// Connect starts connecting to addr. Connection happens in the
	// background; sends wait for a peer.
	Connect(addr string) error

	Send(msg Message, timeoutMs int) (int64, error)
	Receive(msg Message, timeoutMs int) (int64, error)
	SendParts(parts *Parts, timeoutMs int) (int64, error)
	ReceiveParts(parts *Parts, timeoutMs int) (int64, error)

	// Counters.
	BytesTx() uint64
	BytesRx() uint64
	MessagesTx() uint64
	MessagesRx() uint64

	// Close disconnects every peer and releases the socket.
	Close() error
}

// Readiness reports a pollable's readable and writable state.
type Readiness struct {
	// Index is the registration index within a poller.
	Index int
	In    bool
	Out   bool
}

// Pollable is anything a Poller can wait on.
type Pollable interface {
	Kind() Kind
	Type() SocketType

	// Readiness returns the current state without blocking.
	Readiness() Readiness

	// Notify registers ch to receive a non-blocking send whenever the
	// readiness may have changed.
	Notify(ch chan<- struct{})

	// StopNotify unregisters ch.
	StopNotify(ch chan<- struct{})
}

// Poller waits for readiness across several pollables.
type Poller interface {
	// Poll waits up to timeoutMs for at least one item to be ready and
	// returns the ready items in registration order. Poll(0) never blocks.
	// A wait cut short by Interrupt returns ErrInterrupted.
	Poll(timeoutMs int) ([]Readiness, error)

	// CheckInput reports whether item i was readable at the last Poll.
	CheckInput(i int) bool

	// CheckOutput reports whether item i was writable at the last Poll.
	CheckOutput(i int) bool

	// Interrupt wakes the current or next Poll call.
	Interrupt()

	// Close unregisters the poller from its items.
	Close() error
}
