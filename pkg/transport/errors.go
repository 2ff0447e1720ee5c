package transport

import "errors"

// Transport errors.
var (
	// ErrWouldBlock is returned by a non-blocking call (timeout 0) that
	// could not make progress.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTimedOut is returned when a bounded wait expires.
	ErrTimedOut = errors.New("timed out")

	// ErrInterrupted is returned when a wait is cut short by Interrupt.
	// It is the cancellation path, not a failure.
	ErrInterrupted = errors.New("interrupted")

	// ErrSocketError wraps fatal transport-level failures.
	ErrSocketError = errors.New("socket error")

	// ErrSocketClosed is returned by operations on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrInvalidChannelSet is returned by CreatePoller for items that
	// cannot share a poller.
	ErrInvalidChannelSet = errors.New("invalid channel set")

	// ErrAllocFailed is returned when a message buffer cannot be allocated.
	ErrAllocFailed = errors.New("allocation failed")

	// ErrUnsupportedTransport is returned for unknown or unavailable kinds.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrInvalidAddress is returned for malformed endpoint addresses.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrWrongDirection is returned when sending on a receive-only pattern
	// or receiving on a send-only one.
	ErrWrongDirection = errors.New("operation not supported by socket type")

	// ErrSequence is returned when a req or rep socket is used out of
	// turn: sending twice without receiving, or receiving twice without
	// sending.
	ErrSequence = errors.New("operation out of sequence")

	// ErrMultipart is returned by Receive when the next transmission holds
	// more than one part. The transmission stays queued for ReceiveParts.
	ErrMultipart = errors.New("transmission has multiple parts")

	// ErrInvalidSize is returned by SetUsedSize for a size beyond capacity.
	ErrInvalidSize = errors.New("invalid message size")

	// ErrInvalidArgument is returned for message options that cannot be
	// honoured, such as an alignment that is not a power of two.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Transfer codes returned as the byte count alongside an error.
const (
	TransferError       int64 = -1
	TransferTimeout     int64 = -2
	TransferInterrupted int64 = -3
)

// TransferCode maps err to the byte-count value reported with it.
func TransferCode(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrTimedOut):
		return TransferTimeout
	case errors.Is(err, ErrInterrupted):
		return TransferInterrupted
	default:
		return TransferError
	}
}

// IsFatal reports whether err means the socket cannot make further
// progress, as opposed to an expected "no progress yet" outcome.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrWouldBlock) &&
		!errors.Is(err, ErrTimedOut) &&
		!errors.Is(err, ErrInterrupted) &&
		!errors.Is(err, ErrMultipart)
}
