package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fmq-go/fmq/pkg/connection"
	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/transport"
)

// Config carries the factory-wide settings a socket needs.
type Config struct {
	// Kind is reported by Kind(). Backends layering on this socket set
	// their own kind.
	Kind transport.Kind

	// Interrupt is the owning factory's interrupter. Nil means blocking
	// calls can only be cut short by Close.
	Interrupt *transport.Interrupter

	MaxFrameSize uint32

	// Backoff paces reconnect attempts of connecting endpoints.
	Backoff connection.BackoffConfig

	// Discard receives every transmission that arrived but was never read
	// once the socket is closed.
	Discard func(frames []transport.Frame)

	Logger      *slog.Logger
	EventLogger log.Logger
}

// Socket is a stream socket speaking the framed wire format over TCP,
// unix sockets or in-process pipes.
type Socket struct {
	id   string
	typ  transport.SocketType
	cfg  Config
	opts transport.SocketOptions

	in       chan inbound
	txWake   chan struct{}
	notifier transport.Notifier

	mu        sync.Mutex
	peers     []*peer
	rr        int
	listeners []net.Listener
	managers  []*connection.Manager
	closed    bool
	done      chan struct{}

	// held is a received multipart transmission refused by Receive.
	held []transport.Frame

	// awaiting is set between a req/rep request and its reply; turnPeer
	// is the peer on the other end.
	awaiting bool
	turnPeer string

	peerSeq    atomic.Uint64
	bytesTx    atomic.Uint64
	bytesRx    atomic.Uint64
	messagesTx atomic.Uint64
	messagesRx atomic.Uint64

	wg sync.WaitGroup
}

// NewSocket creates an unbound, unconnected socket. An empty id gets a
// random one.
func NewSocket(typ transport.SocketType, id string, cfg Config, opts ...transport.SocketOption) *Socket {
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.Kind == "" {
		cfg.Kind = transport.KindSocket
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	o := transport.ResolveSocketOptions(opts...)
	return &Socket{
		id:     id,
		typ:    typ,
		cfg:    cfg,
		opts:   o,
		in:     make(chan inbound, o.RcvBufSize),
		txWake: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID implements transport.Socket.
func (s *Socket) ID() string { return s.id }

// Kind implements transport.Pollable.
func (s *Socket) Kind() transport.Kind { return s.cfg.Kind }

// Type implements transport.Pollable.
func (s *Socket) Type() transport.SocketType { return s.typ }

// Options returns the resolved socket options.
func (s *Socket) Options() transport.SocketOptions { return s.opts }

// Peers returns the number of connected peers.
func (s *Socket) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Bind implements transport.Socket.
func (s *Socket) Bind(addr string) (string, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", transport.ErrSocketClosed
	}

	ln, bound, err := listen(ep)
	if err != nil {
		return "", fmt.Errorf("%w: bind %s: %w", transport.ErrSocketError, addr, err)
	}
	s.listeners = append(s.listeners, ln)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.debugLog("socket bound", "address", bound)
	return bound, nil
}

func (s *Socket) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.debugLog("accept failed", "error", err)
			}
			return
		}
		tuneConn(conn, s.opts)
		if err := s.addPeer(conn, conn.RemoteAddr().String(), nil); err != nil {
			s.debugLog("peer rejected", "error", err)
		}
	}
}

// Connect implements transport.Socket.
func (s *Socket) Connect(addr string) error {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSocketClosed
	}

	var mgr *connection.Manager
	mgr = connection.NewManager(connection.Config{
		Backoff: s.cfg.Backoff,
		Logger:  s.cfg.Logger,
	}, func(ctx context.Context) error {
		conn, err := dial(ctx, ep)
		if err != nil {
			return err
		}
		tuneConn(conn, s.opts)
		return s.addPeer(conn, ep.String(), mgr.NotifyConnectionLost)
	})
	s.managers = append(s.managers, mgr)

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("%w: connect %s: %w", transport.ErrSocketError, addr, err)
	}
	s.debugLog("socket connecting", "address", ep.String())
	return nil
}

func (s *Socket) addPeer(conn net.Conn, remote string, onLost func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return transport.ErrSocketClosed
	}
	if s.typ == transport.Pair && len(s.peers) > 0 {
		s.mu.Unlock()
		conn.Close()
		return errPeerTaken
	}
	p := newPeer(s, strconv.FormatUint(s.peerSeq.Add(1), 10), remote, conn, onLost)
	s.peers = append(s.peers, p)
	s.wg.Add(1)
	s.mu.Unlock()

	p.start()
	s.signalTx()
	s.peerEvent(p, "CONNECTED", nil)
	s.debugLog("peer connected", "peer", p.id, "remote", remote)
	return nil
}

// removePeer drops p after an I/O error.
func (s *Socket) removePeer(p *peer, cause error) {
	s.mu.Lock()
	found := false
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			found = true
			break
		}
	}
	if s.awaiting && s.turnPeer == p.id {
		// The reply can never arrive, or has nowhere to go.
		s.awaiting = false
	}
	s.mu.Unlock()

	p.close()
	if !found {
		return
	}
	if p.onLost != nil {
		p.onLost()
	}
	s.signalTx()
	s.peerEvent(p, "DISCONNECTED", cause)
	s.debugLog("peer disconnected", "peer", p.id, "remote", p.remote, "error", cause)
}

// signalTx wakes senders waiting for queue space or a peer.
func (s *Socket) signalTx() {
	select {
	case s.txWake <- struct{}{}:
	default:
	}
	s.notifier.Broadcast()
}

// Send implements transport.Socket.
func (s *Socket) Send(msg transport.Message, timeoutMs int) (int64, error) {
	return s.SendParts(transport.NewParts(msg), timeoutMs)
}

// SendParts implements transport.Socket. On success every part is
// emptied; on failure the parts are left untouched.
func (s *Socket) SendParts(parts *transport.Parts, timeoutMs int) (int64, error) {
	if !s.typ.CanSend() {
		return transport.TransferError, transport.ErrWrongDirection
	}
	if parts.Len() == 0 {
		return transport.TransferError, fmt.Errorf("%w: no parts", transport.ErrSocketError)
	}

	frames := make([]transport.Frame, parts.Len())
	for i, m := range parts.Messages() {
		data := m.Data()
		if _, ok := m.(*Message); !ok {
			data = append([]byte(nil), data...)
		}
		frames[i] = transport.Frame{Payload: data}
	}

	rel := newReleaser(Delivery{})
	if _, err := s.enqueue(frames, rel, timeoutMs); err != nil {
		rel.done()
		return transport.TransferCode(err), err
	}

	var frees []func()
	for _, m := range parts.Messages() {
		if hm, ok := m.(*Message); ok {
			if fn := hm.detach(); fn != nil {
				frees = append(frees, fn)
			}
		} else {
			_ = m.Rebuild()
		}
	}
	if len(frees) > 0 {
		rel.onDone(func() {
			for _, fn := range frees {
				fn()
			}
		})
	}
	rel.done()

	n := payloadSize(frames)
	s.bytesTx.Add(uint64(n))
	s.messagesTx.Add(uint64(len(frames)))
	return n, nil
}

// SendFrames queues a raw transmission. d's hooks track which peers hold
// it. It returns the number of peers the transmission was queued to.
func (s *Socket) SendFrames(frames []transport.Frame, d Delivery, timeoutMs int) (int, error) {
	if !s.typ.CanSend() {
		return 0, transport.ErrWrongDirection
	}
	if len(frames) == 0 {
		return 0, transport.ErrNoFrames
	}
	rel := newReleaser(d)
	n, err := s.enqueue(frames, rel, timeoutMs)
	rel.done()
	return n, err
}

// enqueue hands frames to peers according to the socket pattern.
func (s *Socket) enqueue(frames []transport.Frame, rel *releaser, timeoutMs int) (int, error) {
	if s.typ == transport.Pub {
		return s.publish(frames, rel)
	}
	try := s.tryRoundRobin
	if s.typ == transport.Rep {
		try = s.tryReply
	}

	d := transport.NewDeadline(timeoutMs)
	defer d.Stop()
	var interrupted <-chan struct{}
	if s.cfg.Interrupt != nil {
		interrupted = s.cfg.Interrupt.Done()
	}

	for {
		// Drain first so a wake-up during the attempt is not lost.
		select {
		case <-s.txWake:
		default:
		}

		ok, err := try(frames, rel)
		if err != nil {
			return 0, err
		}
		if ok {
			return 1, nil
		}
		if d.NonBlocking {
			return 0, d.Expired()
		}

		select {
		case <-s.txWake:
		case <-interrupted:
			return 0, transport.ErrInterrupted
		case <-d.C:
			return 0, d.Expired()
		case <-s.done:
			return 0, transport.ErrSocketClosed
		}
	}
}

func (s *Socket) tryRoundRobin(frames []transport.Frame, rel *releaser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, transport.ErrSocketClosed
	}
	if s.typ == transport.Req && s.awaiting {
		return false, fmt.Errorf("%w: request sent, reply not received", transport.ErrSequence)
	}

	n := len(s.peers)
	for i := 0; i < n; i++ {
		p := s.peers[(s.rr+i)%n]
		rel.retain()
		if p.tryPut(outbound{frames: frames, rel: rel}) {
			s.rr = (s.rr + i + 1) % n
			if s.typ == transport.Req {
				s.awaiting, s.turnPeer = true, p.id
			}
			return true, nil
		}
		rel.dropped()
	}
	return false, nil
}

// tryReply queues frames to the peer whose request was received last. A
// reply to a peer that has gone away is dropped.
func (s *Socket) tryReply(frames []transport.Frame, rel *releaser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, transport.ErrSocketClosed
	}
	if !s.awaiting {
		return false, fmt.Errorf("%w: no request to reply to", transport.ErrSequence)
	}

	for _, p := range s.peers {
		if p.id != s.turnPeer {
			continue
		}
		rel.retain()
		if !p.tryPut(outbound{frames: frames, rel: rel}) {
			rel.dropped()
			return false, nil
		}
		s.awaiting = false
		return true, nil
	}
	s.awaiting = false
	s.debugLog("reply dropped, requester gone", "peer", s.turnPeer)
	return true, nil
}

// publish queues frames to every peer with room. Slow peers miss the
// transmission.
func (s *Socket) publish(frames []transport.Frame, rel *releaser) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, transport.ErrSocketClosed
	}

	sent := 0
	for _, p := range s.peers {
		rel.retain()
		if p.tryPut(outbound{frames: frames, rel: rel}) {
			sent++
		} else {
			rel.dropped()
		}
	}
	return sent, nil
}

// Receive implements transport.Socket. A multipart transmission is
// refused with ErrMultipart and kept for ReceiveParts.
func (s *Socket) Receive(msg transport.Message, timeoutMs int) (int64, error) {
	frames, err := s.ReceiveFrames(timeoutMs)
	if err != nil {
		return transport.TransferCode(err), err
	}
	if len(frames) > 1 {
		s.mu.Lock()
		s.held = frames
		s.mu.Unlock()
		return transport.TransferError, fmt.Errorf("%w: %d parts", transport.ErrMultipart, len(frames))
	}
	if frames[0].IsRegion() {
		return transport.TransferError, fmt.Errorf("%w: region reference on a socket transport", transport.ErrSocketError)
	}
	if err := fill(msg, frames[0].Payload); err != nil {
		return transport.TransferError, err
	}

	n := int64(len(frames[0].Payload))
	s.bytesRx.Add(uint64(n))
	s.messagesRx.Add(1)
	return n, nil
}

// ReceiveParts implements transport.Socket. Received parts are appended.
func (s *Socket) ReceiveParts(parts *transport.Parts, timeoutMs int) (int64, error) {
	frames, err := s.ReceiveFrames(timeoutMs)
	if err != nil {
		return transport.TransferCode(err), err
	}
	for _, f := range frames {
		if f.IsRegion() {
			return transport.TransferError, fmt.Errorf("%w: region reference on a socket transport", transport.ErrSocketError)
		}
	}
	for _, f := range frames {
		m := &Message{}
		m.adopt(f.Payload)
		parts.Add(m)
	}

	n := payloadSize(frames)
	s.bytesRx.Add(uint64(n))
	s.messagesRx.Add(uint64(len(frames)))
	return n, nil
}

// ReceiveFrames returns the next complete transmission.
func (s *Socket) ReceiveFrames(timeoutMs int) ([]transport.Frame, error) {
	if !s.typ.CanReceive() {
		return nil, transport.ErrWrongDirection
	}
	s.mu.Lock()
	frames := s.held
	s.held = nil
	if frames == nil {
		if err := s.receiveTurnLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	if frames != nil {
		return frames, nil
	}

	d := transport.NewDeadline(timeoutMs)
	defer d.Stop()
	for {
		in, err := s.next(d)
		if err != nil {
			return nil, err
		}
		if s.accept(in) {
			return in.frames, nil
		}
		s.discard(in.frames)
	}
}

// receiveTurnLocked checks req/rep alternation before a receive.
func (s *Socket) receiveTurnLocked() error {
	switch {
	case s.typ == transport.Req && !s.awaiting:
		return fmt.Errorf("%w: no request sent", transport.ErrSequence)
	case s.typ == transport.Rep && s.awaiting:
		return fmt.Errorf("%w: reply not sent", transport.ErrSequence)
	}
	return nil
}

// accept updates req/rep turns for a received transmission. A req socket
// only accepts the reply of the peer it asked.
func (s *Socket) accept(in inbound) bool {
	if !s.typ.Alternating() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.typ {
	case transport.Req:
		if !s.awaiting || in.peer != s.turnPeer {
			return false
		}
		s.awaiting = false
	case transport.Rep:
		s.awaiting, s.turnPeer = true, in.peer
	}
	return true
}

// next waits for one inbound transmission.
func (s *Socket) next(d *transport.Deadline) (inbound, error) {
	select {
	case in := <-s.in:
		return in, nil
	default:
	}

	if d.NonBlocking {
		if s.isClosed() {
			return inbound{}, transport.ErrSocketClosed
		}
		return inbound{}, transport.ErrWouldBlock
	}
	var interrupted <-chan struct{}
	if s.cfg.Interrupt != nil {
		interrupted = s.cfg.Interrupt.Done()
	}

	select {
	case in := <-s.in:
		return in, nil
	case <-interrupted:
		return inbound{}, transport.ErrInterrupted
	case <-d.C:
		return inbound{}, d.Expired()
	case <-s.done:
		return inbound{}, transport.ErrSocketClosed
	}
}

func fill(msg transport.Message, payload []byte) error {
	if hm, ok := msg.(*Message); ok {
		hm.adopt(payload)
		return nil
	}
	if err := msg.Rebuild(transport.WithSize(len(payload))); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	copy(msg.Data(), payload)
	return nil
}

func payloadSize(frames []transport.Frame) int64 {
	var n int64
	for _, f := range frames {
		n += int64(len(f.Payload))
	}
	return n
}

// Readiness implements transport.Pollable.
func (s *Socket) Readiness() transport.Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r transport.Readiness
	if s.typ.CanReceive() {
		r.In = s.held != nil || (len(s.in) > 0 && s.receiveTurnLocked() == nil)
	}
	if s.typ.CanSend() {
		switch {
		case s.typ == transport.Pub:
			r.Out = !s.closed
		case s.typ == transport.Req && s.awaiting:
			// No new request until the reply arrives.
		case s.typ == transport.Rep:
			r.Out = s.awaiting
		default:
			for _, p := range s.peers {
				if p.writable() {
					r.Out = true
					break
				}
			}
		}
	}
	return r
}

// Notify implements transport.Pollable.
func (s *Socket) Notify(ch chan<- struct{}) { s.notifier.Notify(ch) }

// StopNotify implements transport.Pollable.
func (s *Socket) StopNotify(ch chan<- struct{}) { s.notifier.StopNotify(ch) }

// BytesTx implements transport.Socket.
func (s *Socket) BytesTx() uint64 { return s.bytesTx.Load() }

// BytesRx implements transport.Socket.
func (s *Socket) BytesRx() uint64 { return s.bytesRx.Load() }

// MessagesTx implements transport.Socket.
func (s *Socket) MessagesTx() uint64 { return s.messagesTx.Load() }

// MessagesRx implements transport.Socket.
func (s *Socket) MessagesRx() uint64 { return s.messagesRx.Load() }

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements transport.Socket. Queued transmissions get up to the
// linger period to reach their peers.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners, managers, peers := s.listeners, s.managers, s.peers
	s.listeners, s.managers, s.peers = nil, nil, nil
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, m := range managers {
		m.Close()
	}

	s.linger(peers)
	close(s.done)
	for _, p := range peers {
		p.close()
		s.peerEvent(p, "DISCONNECTED", transport.ErrSocketClosed)
	}
	s.wg.Wait()
	s.discardPending()
	s.notifier.Broadcast()

	s.debugLog("socket closed")
	return nil
}

// discardPending hands unread transmissions to cfg.Discard. Every reader
// has exited by the time Close calls it.
func (s *Socket) discardPending() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	if held != nil {
		s.discard(held)
	}
	for {
		select {
		case in := <-s.in:
			s.discard(in.frames)
		default:
			return
		}
	}
}

func (s *Socket) discard(frames []transport.Frame) {
	if s.cfg.Discard != nil {
		s.cfg.Discard(frames)
	}
}

func (s *Socket) linger(peers []*peer) {
	if s.opts.Linger <= 0 {
		return
	}
	timer := time.NewTimer(s.opts.Linger)
	defer timer.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for _, p := range peers {
		for p.queued.Load() > 0 {
			select {
			case <-timer.C:
				return
			case <-p.done:
			case <-tick.C:
				continue
			}
			break
		}
	}
}

func (s *Socket) peerEvent(p *peer, state string, cause error) {
	if s.cfg.EventLogger == nil {
		return
	}
	ev := log.Event{
		Timestamp:   time.Now(),
		SocketID:    s.id + "/" + p.id,
		Transport:   string(s.cfg.Kind),
		RemoteAddr:  p.remote,
		Layer:       log.LayerTransport,
		Category:    log.CategoryControl,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityPeer,
			NewState: state,
		},
	}
	if cause != nil {
		ev.StateChange.Reason = cause.Error()
	}
	s.cfg.EventLogger.Log(ev)
}

func (s *Socket) debugLog(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, append([]any{"socket", s.id, "type", s.typ.String()}, args...)...)
	}
}

var _ transport.Socket = (*Socket)(nil)
