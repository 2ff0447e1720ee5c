package socket

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fmq-go/fmq/pkg/transport"
)

// Peer errors.
var (
	errPeerTaken        = errors.New("pair socket already has a peer")
	errHeartbeatTimeout = errors.New("peer missed heartbeats")
)

// Delivery tracks one outgoing transmission across the peers it was
// queued to.
type Delivery struct {
	// Retain runs once per peer before the transmission is queued to it.
	Retain func()

	// Dropped runs once for every Retain whose copy was never written.
	Dropped func()

	// Done runs once no peer holds the transmission any more.
	Done func()
}

// releaser counts the holders of a transmission. The sender holds one
// reference until it has finished queueing.
type releaser struct {
	refs atomic.Int32
	d    Delivery
}

func newReleaser(d Delivery) *releaser {
	r := &releaser{d: d}
	r.refs.Store(1)
	return r
}

func (r *releaser) retain() {
	r.refs.Add(1)
	if r.d.Retain != nil {
		r.d.Retain()
	}
}

func (r *releaser) dropped() {
	if r.d.Dropped != nil {
		r.d.Dropped()
	}
	r.done()
}

// onDone sets the Done hook. Only the sender may call it, before its
// final done.
func (r *releaser) onDone(fn func()) {
	r.d.Done = fn
}

func (r *releaser) done() {
	if r.refs.Add(-1) == 0 && r.d.Done != nil {
		r.d.Done()
	}
}

type outbound struct {
	frames []transport.Frame
	rel    *releaser
}

type inbound struct {
	frames []transport.Frame
	peer   string
}

// peer is one connection of a socket.
type peer struct {
	id     string
	remote string
	sock   *Socket
	conn   net.Conn
	framer *transport.Framer
	hb     *heartbeat
	onLost func()

	out chan outbound
	// queued counts transmissions accepted but not yet written.
	queued atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(s *Socket, id, remote string, conn net.Conn, onLost func()) *peer {
	p := &peer{
		id:     id,
		remote: remote,
		sock:   s,
		conn:   conn,
		framer: transport.NewFramerWithMaxSize(conn, s.cfg.MaxFrameSize),
		onLost: onLost,
		out:    make(chan outbound, s.opts.SndBufSize),
		done:   make(chan struct{}),
	}
	if s.cfg.EventLogger != nil {
		p.framer.SetLogger(s.cfg.EventLogger, s.id+"/"+id)
	}
	if s.opts.Heartbeat > 0 {
		p.hb = newHeartbeat(s.opts.Heartbeat,
			func(seq uint32) error {
				return p.framer.WriteFrame(controlFrame(transport.FlagPing, seq))
			},
			func() { p.fail(errHeartbeatTimeout) },
		)
	}
	return p
}

func (p *peer) start() {
	go p.writeLoop()
	go p.readLoop()
	if p.hb != nil {
		p.hb.start()
	}
}

// tryPut queues a transmission without blocking.
func (p *peer) tryPut(ob outbound) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	p.queued.Add(1)
	select {
	case p.out <- ob:
		return true
	default:
		p.queued.Add(-1)
		return false
	}
}

// writable reports whether the send queue has room.
func (p *peer) writable() bool {
	return len(p.out) < cap(p.out)
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case ob := <-p.out:
			err := p.framer.WriteFrames(ob.frames)
			if err != nil {
				ob.rel.dropped()
			} else {
				ob.rel.done()
			}
			p.queued.Add(-1)
			p.sock.signalTx()
			if err != nil {
				p.fail(err)
				p.drain()
				return
			}
		}
	}
}

// drain releases transmissions that will never be written.
func (p *peer) drain() {
	for {
		select {
		case ob := <-p.out:
			ob.rel.dropped()
			p.queued.Add(-1)
		default:
			return
		}
	}
}

func (p *peer) readLoop() {
	defer p.sock.wg.Done()
	for {
		frames, err := p.framer.ReadTransmission(p.onControl)
		if err != nil {
			p.fail(err)
			return
		}
		select {
		case p.sock.in <- inbound{frames: frames, peer: p.id}:
			p.sock.notifier.Broadcast()
		case <-p.done:
			p.sock.discard(frames)
			return
		}
	}
}

func (p *peer) onControl(f transport.Frame) {
	seq := controlSeq(f)
	switch {
	case f.Flags&transport.FlagPing != 0:
		// net.Pipe writes block until read; never stall the reader on them.
		go func() {
			_ = p.framer.WriteFrame(controlFrame(transport.FlagPong, seq))
		}()
	case f.Flags&transport.FlagPong != 0:
		if p.hb != nil {
			p.hb.pongReceived(seq)
		}
	}
}

// fail drops the peer after an I/O error.
func (p *peer) fail(err error) {
	p.sock.removePeer(p, err)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.hb != nil {
			p.hb.close()
		}
		_ = p.conn.Close()
	})
}
