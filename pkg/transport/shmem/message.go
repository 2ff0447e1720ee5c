package shmem

import (
	"fmt"

	"github.com/fmq-go/fmq/pkg/shm"
	"github.com/fmq-go/fmq/pkg/transport"
)

// Message is a view into a shared segment. Every view pins its segment
// so the mapping outlives a closed region or factory. An owned message
// also holds a reference to its block and drops it on Close.
type Message struct {
	f      *Factory
	seg    *shm.Segment
	region uint64
	block  shm.Block
	owned  bool
	offset uint64
	buf    []byte
	size   int
}

// Data implements transport.Message.
func (m *Message) Data() []byte {
	return m.buf[:m.size]
}

// Size implements transport.Message.
func (m *Message) Size() int {
	return m.size
}

// SetUsedSize implements transport.Message.
func (m *Message) SetUsedSize(n int) error {
	if n < 0 || n > len(m.buf) {
		return fmt.Errorf("%w: %d (capacity %d)", transport.ErrInvalidSize, n, len(m.buf))
	}
	m.size = n
	return nil
}

// Rebuild implements transport.Message. An adopted external buffer is
// copied into the segment and released right away.
func (m *Message) Rebuild(opts ...transport.MessageOption) error {
	o := transport.ResolveOptions(opts...)
	if err := o.Validate(); err != nil {
		return err
	}
	m.release()

	switch {
	case o.Buffer != nil:
		if err := m.alloc(len(o.Buffer), o.Alignment); err != nil {
			return err
		}
		copy(m.buf, o.Buffer)
		if o.Free != nil {
			o.Free(o.Buffer)
		}
	case o.Size > 0:
		return m.alloc(o.Size, o.Alignment)
	}
	return nil
}

func (m *Message) alloc(size, align int) error {
	if size == 0 {
		return nil
	}
	extra := 0
	if align > 16 {
		extra = align - 1
	}
	seg := m.f.mgr.Main()
	if err := seg.Pin(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	b, err := seg.Alloc(uint64(size + extra))
	if err != nil {
		_ = seg.Unpin()
		return fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	off := b.Offset
	if extra > 0 {
		a := uint64(align)
		off = (off + a - 1) &^ (a - 1)
	}
	data, err := seg.Bytes(off, uint64(size))
	if err != nil {
		_ = seg.Free(b)
		_ = seg.Unpin()
		return fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}

	m.seg, m.region, m.block, m.owned = seg, 0, b, true
	m.offset, m.buf, m.size = off, data, size
	return nil
}

// Copy implements transport.Message.
func (m *Message) Copy(src transport.Message) error {
	data := src.Data()
	m.release()
	if err := m.alloc(len(data), 0); err != nil {
		return err
	}
	copy(m.buf, data)
	return nil
}

// Kind implements transport.Message.
func (m *Message) Kind() transport.Kind {
	return transport.KindShmem
}

// Close implements transport.Message.
func (m *Message) Close() error {
	m.release()
	return nil
}

func (m *Message) release() {
	if m.seg != nil {
		if m.owned {
			if err := m.seg.Free(m.block); err != nil {
				m.f.debugLog("block free failed", "segment", m.seg.Name(), "offset", m.block.Offset, "error", err)
			}
		}
		if err := m.seg.Unpin(); err != nil {
			m.f.debugLog("segment unpin failed", "segment", m.seg.Name(), "error", err)
		}
	}
	m.seg, m.region, m.block, m.owned = nil, 0, shm.Block{}, false
	m.offset, m.buf, m.size = 0, nil, 0
}

// ref describes the message for the receiving side.
func (m *Message) ref() transport.RegionRef {
	if m.seg == nil || m.size == 0 {
		return transport.RegionRef{}
	}
	ref := transport.RegionRef{
		Segment:  m.seg.Name(),
		RegionID: m.region,
		Offset:   m.offset,
		Size:     uint64(m.size),
		Managed:  m.owned,
	}
	if m.owned && m.block.Offset != m.offset {
		ref.Block = m.block.Offset
	}
	return ref
}

// shared reports whether receivers get a reference to the block.
func (m *Message) shared() bool {
	return m.owned && m.seg != nil && m.size > 0
}

var _ transport.Message = (*Message)(nil)
