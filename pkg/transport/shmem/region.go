package shmem

import (
	"fmt"

	"github.com/fmq-go/fmq/pkg/shm"
	"github.com/fmq-go/fmq/pkg/transport"
)

// Region is an unmanaged shared-memory region. Data and NewMessage give
// the caller the raw bytes; Alloc carves blocks out of the same bytes, so
// a region should be used one way or the other.
type Region struct {
	f *Factory
	r *shm.Region
}

// ID implements transport.UnmanagedRegion.
func (r *Region) ID() uint64 { return r.r.ID() }

// Name implements transport.UnmanagedRegion.
func (r *Region) Name() string { return r.r.Name() }

// Data implements transport.UnmanagedRegion.
func (r *Region) Data() []byte { return r.r.Data() }

// Size implements transport.UnmanagedRegion.
func (r *Region) Size() uint64 { return r.r.Size() }

// Flags implements transport.UnmanagedRegion.
func (r *Region) Flags() int64 { return r.r.Flags() }

// NewMessage implements transport.UnmanagedRegion.
func (r *Region) NewMessage(offset, size uint64) (transport.Message, error) {
	if offset+size < offset || offset+size > r.r.Size() {
		return nil, fmt.Errorf("%w: [%d,%d) outside region of %d bytes", transport.ErrInvalidSize, offset, offset+size, r.r.Size())
	}
	seg := r.r.Segment()
	data, err := seg.Bytes(shm.HeaderSize+offset, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrInvalidSize, err)
	}
	if err := seg.Pin(); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	return &Message{
		f:      r.f,
		seg:    seg,
		region: r.r.ID(),
		offset: shm.HeaderSize + offset,
		buf:    data,
		size:   int(size),
	}, nil
}

// Alloc implements transport.UnmanagedRegion.
func (r *Region) Alloc(size uint64) (transport.Message, error) {
	seg := r.r.Segment()
	if err := seg.Pin(); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	b, err := seg.Alloc(size)
	if err != nil {
		_ = seg.Unpin()
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	data, err := seg.Bytes(b.Offset, size)
	if err != nil {
		_ = seg.Free(b)
		_ = seg.Unpin()
		return nil, fmt.Errorf("%w: %w", transport.ErrAllocFailed, err)
	}
	return &Message{
		f:      r.f,
		seg:    seg,
		region: r.r.ID(),
		block:  b,
		owned:  true,
		offset: b.Offset,
		buf:    data,
		size:   int(size),
	}, nil
}

// Close implements transport.UnmanagedRegion. Messages still viewing the
// region keep its memory mapped until they are closed.
func (r *Region) Close() error {
	r.f.mu.Lock()
	delete(r.f.regions, r.r.ID())
	r.f.mu.Unlock()
	return r.r.Close()
}

var _ transport.UnmanagedRegion = (*Region)(nil)
