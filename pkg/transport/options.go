package transport

import "time"

// Socket option defaults.
const (
	DefaultSndBufSize = 1000
	DefaultRcvBufSize = 1000
	DefaultLinger     = 500 * time.Millisecond
)

// SocketOptions are the resolved CreateSocket options.
type SocketOptions struct {
	// SndBufSize bounds queued outgoing transmissions per peer.
	SndBufSize int

	// RcvBufSize bounds queued incoming transmissions.
	RcvBufSize int

	// SndKernelSize and RcvKernelSize set OS socket buffers; 0 keeps the
	// system default.
	SndKernelSize int
	RcvKernelSize int

	// Linger is how long Close waits for queued transmissions to drain.
	Linger time.Duration

	// Heartbeat is the peer liveness ping interval; 0 disables pings.
	Heartbeat time.Duration
}

// DefaultSocketOptions returns the option defaults.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		SndBufSize: DefaultSndBufSize,
		RcvBufSize: DefaultRcvBufSize,
		Linger:     DefaultLinger,
	}
}

// SocketOption configures CreateSocket.
type SocketOption func(*SocketOptions)

// WithSndBufSize sets the per-peer send queue length.
func WithSndBufSize(n int) SocketOption {
	return func(o *SocketOptions) { o.SndBufSize = n }
}

// WithRcvBufSize sets the receive queue length.
func WithRcvBufSize(n int) SocketOption {
	return func(o *SocketOptions) { o.RcvBufSize = n }
}

// WithKernelSizes sets OS socket buffer sizes.
func WithKernelSizes(snd, rcv int) SocketOption {
	return func(o *SocketOptions) {
		o.SndKernelSize = snd
		o.RcvKernelSize = rcv
	}
}

// WithLinger sets how long Close drains queued transmissions.
func WithLinger(d time.Duration) SocketOption {
	return func(o *SocketOptions) { o.Linger = d }
}

// WithHeartbeat enables peer liveness pings at interval d.
func WithHeartbeat(d time.Duration) SocketOption {
	return func(o *SocketOptions) { o.Heartbeat = d }
}

// ResolveSocketOptions applies opts to the defaults. Non-positive queue
// lengths fall back to the defaults.
func ResolveSocketOptions(opts ...SocketOption) SocketOptions {
	o := DefaultSocketOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.SndBufSize <= 0 {
		o.SndBufSize = DefaultSndBufSize
	}
	if o.RcvBufSize <= 0 {
		o.RcvBufSize = DefaultRcvBufSize
	}
	if o.Linger < 0 {
		o.Linger = 0
	}
	return o
}
