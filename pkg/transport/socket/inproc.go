package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Inproc errors.
var (
	ErrInprocInUse    = errors.New("inproc name already bound")
	ErrInprocNotBound = errors.New("inproc name not bound")
)

var inprocRegistry = struct {
	sync.Mutex
	byName map[string]*inprocListener
}{byName: make(map[string]*inprocListener)}

type inprocAddr string

func (a inprocAddr) Network() string { return SchemeInproc }
func (a inprocAddr) String() string  { return string(a) }

// inprocListener hands out net.Pipe connections within the process.
type inprocListener struct {
	name  string
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func listenInproc(name string) (*inprocListener, error) {
	inprocRegistry.Lock()
	defer inprocRegistry.Unlock()

	if _, ok := inprocRegistry.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInprocInUse, name)
	}
	l := &inprocListener{
		name:  name,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	inprocRegistry.byName[name] = l
	return l, nil
}

func dialInproc(ctx context.Context, name string) (net.Conn, error) {
	inprocRegistry.Lock()
	l, ok := inprocRegistry.byName[name]
	inprocRegistry.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInprocNotBound, name)
	}

	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	return nil, fmt.Errorf("%w: %s", ErrInprocNotBound, name)
}

func (l *inprocListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *inprocListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		inprocRegistry.Lock()
		if inprocRegistry.byName[l.name] == l {
			delete(inprocRegistry.byName, l.name)
		}
		inprocRegistry.Unlock()
	})
	return nil
}

func (l *inprocListener) Addr() net.Addr {
	return inprocAddr(l.name)
}

var _ net.Listener = (*inprocListener)(nil)
