package transport

import (
	"fmt"
	"strings"
)

// Kind names a transport backend.
type Kind string

const (
	// KindSocket carries bytes over TCP, unix sockets, or in-process pipes.
	KindSocket Kind = "socket"

	// KindShmem passes region references; payloads stay in shared memory.
	KindShmem Kind = "shmem"

	// KindOFI is the RDMA fabric transport.
	KindOFI Kind = "ofi"
)

// DefaultKind is used when a device or channel names no transport.
const DefaultKind = KindSocket

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a transport name to a Kind. "zeromq" is accepted as
// an alias for the socket transport.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return DefaultKind, nil
	case "socket", "zeromq":
		return KindSocket, nil
	case "shmem":
		return KindShmem, nil
	case "ofi":
		return KindOFI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, name)
	}
}

// SocketType is a communication pattern.
type SocketType uint8

const (
	Push SocketType = iota
	Pull
	Pub
	Sub
	Pair

	// Req sends a request and must receive its reply before the next one.
	Req

	// Rep receives a request and must send its reply before the next one.
	Rep
)

// String returns the pattern name.
func (t SocketType) String() string {
	switch t {
	case Push:
		return "push"
	case Pull:
		return "pull"
	case Pub:
		return "pub"
	case Sub:
		return "sub"
	case Pair:
		return "pair"
	case Req:
		return "req"
	case Rep:
		return "rep"
	default:
		return "unknown"
	}
}

// ParseSocketType converts a pattern name to a SocketType.
func ParseSocketType(name string) (SocketType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "push":
		return Push, nil
	case "pull":
		return Pull, nil
	case "pub":
		return Pub, nil
	case "sub":
		return Sub, nil
	case "pair":
		return Pair, nil
	case "req":
		return Req, nil
	case "rep":
		return Rep, nil
	default:
		return 0, fmt.Errorf("unknown socket type %q", name)
	}
}

// CanSend reports whether sockets of type t send.
func (t SocketType) CanSend() bool {
	return t == Push || t == Pub || t == Pair || t == Req || t == Rep
}

// CanReceive reports whether sockets of type t receive.
func (t SocketType) CanReceive() bool {
	return t == Pull || t == Sub || t == Pair || t == Req || t == Rep
}

// Alternating reports whether t enforces strict send/receive turns.
func (t SocketType) Alternating() bool {
	return t == Req || t == Rep
}
