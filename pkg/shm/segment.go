package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrSegmentClosed is returned by operations on a detached segment.
var ErrSegmentClosed = errors.New("segment closed")

// Segment is a mapped shared-memory file.
type Segment struct {
	*Allocator

	name    string
	path    string
	data    []byte
	size    uint64
	created bool

	// refs counts the owner plus every pinned view. The mapping is
	// released when it drops to zero.
	mu     sync.Mutex
	refs   int
	closed bool
}

// CreateSegment creates and formats a new segment of size bytes. It fails
// with an error matching os.ErrExist if the name is taken.
func CreateSegment(dir, name string, size uint64, flags int64) (*Segment, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", name, err)
	}
	defer f.Close()

	fail := func(err error) (*Segment, error) {
		_ = os.Remove(path)
		return nil, err
	}

	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		return fail(fmt.Errorf("resize segment %s: %w", name, err))
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("map segment %s: %w", name, err))
	}
	a, err := Format(data, flags)
	if err != nil {
		_ = unix.Munmap(data)
		return fail(err)
	}
	return &Segment{Allocator: a, name: name, path: path, data: data, size: size, created: true, refs: 1}, nil
}

// OpenSegment attaches an existing segment and raises its counter.
func OpenSegment(dir, name string) (*Segment, error) {
	path := filepath.Join(dir, name)
	data, err := mapFile(path, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	a, err := Open(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	if a.attach() == 1 {
		// The last owner detached while we were mapping.
		a.detach()
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("open segment %s: %w", name, os.ErrNotExist)
	}
	return &Segment{Allocator: a, name: name, path: path, data: data, size: uint64(len(data)), refs: 1}, nil
}

// CreateOrOpen attaches name, creating it first if it does not exist.
func CreateOrOpen(dir, name string, size uint64, flags int64) (*Segment, error) {
	var lastErr error
	for range 50 {
		seg, err := CreateSegment(dir, name, size, flags)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		seg, err = OpenSegment(dir, name)
		if err == nil {
			return seg, nil
		}
		// The creator may not have formatted the file yet, or the last
		// owner may be removing it.
		if !errors.Is(err, ErrBadSegment) && !errors.Is(err, ErrTooSmall) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		lastErr = err
		time.Sleep(2 * time.Millisecond)
	}
	return nil, lastErr
}

func mapFile(path string, prot int) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, fi.Size())
	}
	return unix.Mmap(int(f.Fd()), 0, int(fi.Size()), prot, unix.MAP_SHARED)
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the mapped size including the header.
func (s *Segment) Size() uint64 { return s.size }

// Created reports whether this process created the segment.
func (s *Segment) Created() bool { return s.created }

// Pin keeps the mapping alive for a view into the segment. Every
// successful Pin needs an Unpin. Pinning a closed segment fails.
func (s *Segment) Pin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	s.refs++
	return nil
}

// Unpin drops a view. The last view of a closed segment unmaps it.
func (s *Segment) Unpin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrSegmentClosed
	}
	s.refs--
	return s.unmapLocked()
}

// Pinned returns the number of live views, not counting the owner.
func (s *Segment) Pinned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.refs
	}
	return s.refs - 1
}

func (s *Segment) unmapLocked() error {
	if s.refs > 0 || s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Close detaches the segment and returns the attachments left. The last
// detacher removes the backing file. The mapping itself stays until the
// last pinned view is unpinned.
func (s *Segment) Close() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSegmentClosed
	}
	s.closed = true

	left := s.detach()
	var err error
	if left == 0 {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	}
	s.refs--
	if uerr := s.unmapLocked(); uerr != nil && err == nil {
		err = uerr
	}
	return left, err
}

// ReadCounter returns the attachment counter of a segment without
// attaching it.
func ReadCounter(dir, name string) (uint32, error) {
	data, err := mapFile(filepath.Join(dir, name), unix.PROT_READ)
	if err != nil {
		return 0, err
	}
	defer unix.Munmap(data)

	a, err := Open(data)
	if err != nil {
		return 0, err
	}
	return a.Attachments(), nil
}
