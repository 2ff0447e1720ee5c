package socket

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fmq-go/fmq/pkg/transport"
)

// Address schemes.
const (
	SchemeTCP    = "tcp"
	SchemeIPC    = "ipc"
	SchemeInproc = "inproc"
)

// Endpoint is a parsed address.
type Endpoint struct {
	Scheme string
	// Target is host:port for tcp, a path for ipc, a name for inproc.
	Target string
}

// String returns the address form of e.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Target
}

// ParseEndpoint parses "tcp://host:port", "ipc://path" or "inproc://name".
func ParseEndpoint(addr string) (Endpoint, error) {
	scheme, target, ok := strings.Cut(strings.TrimSpace(addr), "://")
	if !ok || target == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", transport.ErrInvalidAddress, addr)
	}
	e := Endpoint{Scheme: strings.ToLower(scheme), Target: target}

	switch e.Scheme {
	case SchemeTCP:
		_, port, err := net.SplitHostPort(target)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", transport.ErrInvalidAddress, addr, err)
		}
		if port == "" {
			return Endpoint{}, fmt.Errorf("%w: %q: missing port", transport.ErrInvalidAddress, addr)
		}
	case SchemeIPC, SchemeInproc:
	default:
		return Endpoint{}, fmt.Errorf("%w: %q: unsupported scheme %q", transport.ErrInvalidAddress, addr, e.Scheme)
	}
	return e, nil
}

// listen binds e and returns the listener and the address peers should
// connect to.
func listen(e Endpoint) (net.Listener, string, error) {
	switch e.Scheme {
	case SchemeTCP:
		host, port, _ := net.SplitHostPort(e.Target)
		bindHost := host
		if host == "*" {
			bindHost = ""
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, port))
		if err != nil {
			return nil, "", err
		}
		_, realPort, _ := net.SplitHostPort(ln.Addr().String())
		if bindHost == "" {
			host = "localhost"
		}
		return ln, Endpoint{SchemeTCP, net.JoinHostPort(host, realPort)}.String(), nil

	case SchemeIPC:
		// A socket file left by a crashed process would make bind fail.
		if fi, err := os.Lstat(e.Target); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(e.Target)
		}
		ln, err := net.Listen("unix", e.Target)
		if err != nil {
			return nil, "", err
		}
		return ln, e.String(), nil

	default:
		ln, err := listenInproc(e.Target)
		if err != nil {
			return nil, "", err
		}
		return ln, e.String(), nil
	}
}

// dial makes one connection attempt to e.
func dial(ctx context.Context, e Endpoint) (net.Conn, error) {
	switch e.Scheme {
	case SchemeTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", e.Target)
	case SchemeIPC:
		var d net.Dialer
		return d.DialContext(ctx, "unix", e.Target)
	default:
		return dialInproc(ctx, e.Target)
	}
}

// tuneConn applies kernel buffer sizes where the connection supports them.
func tuneConn(c net.Conn, opts transport.SocketOptions) {
	type buffered interface {
		SetReadBuffer(int) error
		SetWriteBuffer(int) error
	}
	b, ok := c.(buffered)
	if !ok {
		return
	}
	if opts.SndKernelSize > 0 {
		_ = b.SetWriteBuffer(opts.SndKernelSize)
	}
	if opts.RcvKernelSize > 0 {
		_ = b.SetReadBuffer(opts.RcvKernelSize)
	}
}
