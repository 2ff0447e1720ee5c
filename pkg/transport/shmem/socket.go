package shmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fmq-go/fmq/pkg/shm"
	"github.com/fmq-go/fmq/pkg/transport"
	"github.com/fmq-go/fmq/pkg/transport/socket"
)

// Socket sends region references over a stream socket.
type Socket struct {
	*socket.Socket
	f *Factory

	mu   sync.Mutex
	held []transport.Frame

	bytesTx    atomic.Uint64
	bytesRx    atomic.Uint64
	messagesTx atomic.Uint64
	messagesRx atomic.Uint64
}

// Send implements transport.Socket.
func (s *Socket) Send(msg transport.Message, timeoutMs int) (int64, error) {
	return s.SendParts(transport.NewParts(msg), timeoutMs)
}

// SendParts implements transport.Socket. Parts that are not messages of
// this factory are copied into the main segment first.
func (s *Socket) SendParts(parts *transport.Parts, timeoutMs int) (int64, error) {
	if !s.Type().CanSend() {
		return transport.TransferError, transport.ErrWrongDirection
	}
	if parts.Len() == 0 {
		return transport.TransferError, fmt.Errorf("%w: no parts", transport.ErrSocketError)
	}

	msgs := make([]*Message, parts.Len())
	copied := make([]bool, parts.Len())
	discard := func() {
		for i, m := range msgs {
			if copied[i] && m != nil {
				m.Close()
			}
		}
	}
	for i, pm := range parts.Messages() {
		if m, ok := pm.(*Message); ok && m.f == s.f {
			msgs[i] = m
			continue
		}
		m := &Message{f: s.f}
		if err := m.Copy(pm); err != nil {
			discard()
			return transport.TransferError, err
		}
		msgs[i], copied[i] = m, true
	}

	frames := make([]transport.Frame, len(msgs))
	var n int64
	for i, m := range msgs {
		f, err := transport.RegionFrame(m.ref())
		if err != nil {
			discard()
			return transport.TransferError, fmt.Errorf("%w: %w", transport.ErrSocketError, err)
		}
		frames[i] = f
		n += int64(m.Size())
	}

	_, err := s.Socket.SendFrames(frames, deliveryOf(msgs), timeoutMs)
	if err != nil {
		discard()
		return transport.TransferCode(err), err
	}

	// Receivers hold their own references now; drop the sender's.
	for i, m := range msgs {
		m.release()
		if copied[i] {
			_ = parts.At(i).Rebuild()
		}
	}

	s.bytesTx.Add(uint64(n))
	s.messagesTx.Add(uint64(len(msgs)))
	return n, nil
}

// deliveryOf tracks the blocks of msgs while peers hold them. Each peer
// gets its own block reference; the segments stay pinned until the last
// peer has written or dropped the transmission.
func deliveryOf(msgs []*Message) socket.Delivery {
	type sent struct {
		m     *Message
		seg   *shm.Segment
		block shm.Block
	}
	var parts []sent
	for _, m := range msgs {
		if !m.shared() || m.seg.Pin() != nil {
			continue
		}
		parts = append(parts, sent{m: m, seg: m.seg, block: m.block})
	}
	return socket.Delivery{
		Retain: func() {
			for _, p := range parts {
				if err := p.seg.Retain(p.block); err != nil {
					p.m.f.debugLog("block retain failed", "segment", p.seg.Name(), "error", err)
				}
			}
		},
		Dropped: func() {
			for _, p := range parts {
				if err := p.seg.Free(p.block); err != nil {
					p.m.f.debugLog("block free failed", "segment", p.seg.Name(), "error", err)
				}
			}
		},
		Done: func() {
			for _, p := range parts {
				_ = p.seg.Unpin()
			}
		},
	}
}

// Receive implements transport.Socket.
func (s *Socket) Receive(msg transport.Message, timeoutMs int) (int64, error) {
	frames, err := s.receiveFrames(timeoutMs)
	if err != nil {
		return transport.TransferCode(err), err
	}
	if len(frames) > 1 {
		s.mu.Lock()
		s.held = frames
		s.mu.Unlock()
		return transport.TransferError, fmt.Errorf("%w: %d parts", transport.ErrMultipart, len(frames))
	}

	m, err := s.f.fromFrame(frames[0])
	if err != nil {
		return transport.TransferError, err
	}
	if err := s.fill(msg, m); err != nil {
		return transport.TransferError, err
	}

	n := int64(msg.Size())
	s.bytesRx.Add(uint64(n))
	s.messagesRx.Add(1)
	return n, nil
}

// ReceiveParts implements transport.Socket. Received parts are appended.
func (s *Socket) ReceiveParts(parts *transport.Parts, timeoutMs int) (int64, error) {
	frames, err := s.receiveFrames(timeoutMs)
	if err != nil {
		return transport.TransferCode(err), err
	}

	msgs := make([]*Message, 0, len(frames))
	var n int64
	for _, f := range frames {
		m, err := s.f.fromFrame(f)
		if err != nil {
			for _, done := range msgs {
				done.Close()
			}
			return transport.TransferError, err
		}
		msgs = append(msgs, m)
		n += int64(m.Size())
	}
	for _, m := range msgs {
		parts.Add(m)
	}

	s.bytesRx.Add(uint64(n))
	s.messagesRx.Add(uint64(len(msgs)))
	return n, nil
}

func (s *Socket) receiveFrames(timeoutMs int) ([]transport.Frame, error) {
	s.mu.Lock()
	frames := s.held
	s.held = nil
	s.mu.Unlock()
	if frames != nil {
		return frames, nil
	}
	return s.Socket.ReceiveFrames(timeoutMs)
}

// fill moves m into msg. Foreign messages get a copy.
func (s *Socket) fill(msg transport.Message, m *Message) error {
	if dst, ok := msg.(*Message); ok {
		dst.release()
		*dst = *m
		return nil
	}
	defer m.Close()
	if err := msg.Rebuild(transport.WithSize(m.Size())); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	copy(msg.Data(), m.Data())
	return nil
}

// Readiness implements transport.Pollable.
func (s *Socket) Readiness() transport.Readiness {
	r := s.Socket.Readiness()
	s.mu.Lock()
	if s.held != nil && s.Type().CanReceive() {
		r.In = true
	}
	s.mu.Unlock()
	return r
}

// BytesTx implements transport.Socket.
func (s *Socket) BytesTx() uint64 { return s.bytesTx.Load() }

// BytesRx implements transport.Socket.
func (s *Socket) BytesRx() uint64 { return s.bytesRx.Load() }

// MessagesTx implements transport.Socket.
func (s *Socket) MessagesTx() uint64 { return s.messagesTx.Load() }

// MessagesRx implements transport.Socket.
func (s *Socket) MessagesRx() uint64 { return s.messagesRx.Load() }

// Close implements transport.Socket. Region references that arrived but
// were never received are released.
func (s *Socket) Close() error {
	err := s.Socket.Close()

	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	s.f.discard(held)
	return err
}

var _ transport.Socket = (*Socket)(nil)
