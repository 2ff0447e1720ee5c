package shm

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// Layout constants.
const (
	Magic   uint32 = 0x464d5153 // "FMQS"
	Version uint32 = 1

	// HeaderSize is the size of the segment header.
	HeaderSize = 64

	// BlockHeaderSize is the in-band header of every block.
	BlockHeaderSize = 16

	blockAlign = 16
	minBlock   = BlockHeaderSize + blockAlign

	// allocTag marks the upper half of an allocated block's second word;
	// the lower half is its reference count.
	allocTag uint32 = 0xa110c8ed
)

const (
	offMagic      = 0
	offVersion    = 4
	offSize       = 8
	offCounter    = 16
	offLock       = 20
	offFreeHead   = 24
	offAllocated  = 32
	offFlags      = 40
	offNextRegion = 48
)

// Allocator errors.
var (
	ErrAllocFailed  = errors.New("no free block large enough")
	ErrInvalidBlock = errors.New("invalid block")
	ErrBadSegment   = errors.New("not a valid segment")
	ErrTooSmall     = errors.New("segment too small")
)

// Block is an allocated range. Offset is the payload offset from the
// start of the segment.
type Block struct {
	Offset uint64
	Size   uint64
}

// Stats describes the arena. Allocated and Free include block headers
// and always sum to Total.
type Stats struct {
	Total       uint64
	Allocated   uint64
	Free        uint64
	FreeBlocks  int
	Attachments uint32
}

// Allocator is a first-fit allocator whose state lives entirely inside
// the buffer it manages, so every process mapping the buffer shares it.
type Allocator struct {
	buf []byte
}

// Format initialises buf as an empty segment with one attachment.
func Format(buf []byte, flags int64) (*Allocator, error) {
	if len(buf) < HeaderSize+minBlock {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: buffer not 8-byte aligned", ErrBadSegment)
	}

	a := &Allocator{buf: buf}
	arena := uint64(len(buf)-HeaderSize) &^ (blockAlign - 1)

	*a.u64(offSize) = uint64(len(buf))
	atomic.StoreUint32(a.u32(offCounter), 1)
	atomic.StoreUint32(a.u32(offLock), 0)
	*a.u64(offFreeHead) = HeaderSize
	*a.u64(offAllocated) = 0
	*a.u64(offFlags) = uint64(flags)
	atomic.StoreUint64(a.u64(offNextRegion), 1)

	*a.u64(HeaderSize) = arena
	*a.u64(HeaderSize + 8) = 0

	atomic.StoreUint32(a.u32(offVersion), Version)
	atomic.StoreUint32(a.u32(offMagic), Magic)
	return a, nil
}

// Open validates buf as a formatted segment without changing it.
func Open(buf []byte) (*Allocator, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(buf))
	}
	a := &Allocator{buf: buf}
	if atomic.LoadUint32(a.u32(offMagic)) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSegment)
	}
	if v := atomic.LoadUint32(a.u32(offVersion)); v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadSegment, v)
	}
	if size := *a.u64(offSize); size > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: header size %d exceeds mapping %d", ErrBadSegment, size, len(buf))
	}
	return a, nil
}

// NewHeap returns an allocator over process-private memory.
func NewHeap(size uint64, flags int64) (*Allocator, error) {
	arena := (size + blockAlign - 1) &^ (blockAlign - 1)
	words := make([]uint64, (HeaderSize+arena)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return Format(buf, flags)
}

func (a *Allocator) u32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.buf[off]))
}

func (a *Allocator) u64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&a.buf[off]))
}

func (a *Allocator) arenaEnd() uint64 {
	return HeaderSize + (uint64(len(a.buf)-HeaderSize) &^ (blockAlign - 1))
}

// Arena returns the allocatable bytes.
func (a *Allocator) Arena() []byte {
	return a.buf[HeaderSize:a.arenaEnd()]
}

// Bytes returns size bytes at offset from the segment start.
func (a *Allocator) Bytes(offset, size uint64) ([]byte, error) {
	end := offset + size
	if offset < HeaderSize || end < offset || end > a.arenaEnd() {
		return nil, fmt.Errorf("%w: range [%d,%d) outside arena", ErrInvalidBlock, offset, end)
	}
	return a.buf[offset:end:end], nil
}

// Flags returns the user flags given to Format.
func (a *Allocator) Flags() int64 {
	return int64(*a.u64(offFlags))
}

// Attachments returns the RegionCounter value.
func (a *Allocator) Attachments() uint32 {
	return atomic.LoadUint32(a.u32(offCounter))
}

func (a *Allocator) attach() uint32 {
	return atomic.AddUint32(a.u32(offCounter), 1)
}

func (a *Allocator) detach() uint32 {
	return atomic.AddUint32(a.u32(offCounter), ^uint32(0))
}

// NextRegionID hands out region ids unique among all users of the segment.
func (a *Allocator) NextRegionID() uint64 {
	return atomic.AddUint64(a.u64(offNextRegion), 1) - 1
}

func (a *Allocator) lock() {
	l := a.u32(offLock)
	for i := 0; !atomic.CompareAndSwapUint32(l, 0, 1); i++ {
		if i < 100 {
			runtime.Gosched()
		} else {
			time.Sleep(10 * time.Microsecond)
		}
	}
}

func (a *Allocator) unlock() {
	atomic.StoreUint32(a.u32(offLock), 0)
}

// link makes next the successor of prev, or the list head when prev is 0.
func (a *Allocator) link(prev, next uint64) {
	if prev == 0 {
		*a.u64(offFreeHead) = next
	} else {
		*a.u64(prev + 8) = next
	}
}

// Alloc reserves size bytes from the first free block that fits. Any
// remainder large enough to hold a block stays free.
func (a *Allocator) Alloc(size uint64) (Block, error) {
	arena := a.arenaEnd() - HeaderSize
	if size > arena {
		return Block{}, fmt.Errorf("%w: %d bytes requested, arena is %d", ErrAllocFailed, size, arena)
	}
	need := (size + BlockHeaderSize + blockAlign - 1) &^ (blockAlign - 1)
	if need < minBlock {
		need = minBlock
	}

	a.lock()
	defer a.unlock()

	var prev uint64
	for cur := *a.u64(offFreeHead); cur != 0; {
		bsize, next := *a.u64(cur), *a.u64(cur + 8)
		if bsize < need {
			prev, cur = cur, next
			continue
		}

		if bsize-need >= minBlock {
			rest := cur + need
			*a.u64(rest) = bsize - need
			*a.u64(rest + 8) = next
			a.link(prev, rest)
			bsize = need
		} else {
			a.link(prev, next)
		}
		*a.u64(cur) = bsize
		*a.u64(cur + 8) = uint64(allocTag)<<32 | 1
		*a.u64(offAllocated) += bsize
		return Block{Offset: cur + BlockHeaderSize, Size: size}, nil
	}
	return Block{}, fmt.Errorf("%w: %d bytes", ErrAllocFailed, size)
}

// Retain adds a reference to b. Each reference needs its own Free.
func (a *Allocator) Retain(b Block) error {
	hdr, err := a.blockHeader(b)
	if err != nil {
		return err
	}

	a.lock()
	defer a.unlock()

	word := *a.u64(hdr + 8)
	if uint32(word>>32) != allocTag {
		return fmt.Errorf("%w: offset %d is not allocated", ErrInvalidBlock, b.Offset)
	}
	*a.u64(hdr + 8) = word + 1
	return nil
}

func (a *Allocator) blockHeader(b Block) (uint64, error) {
	if b.Offset < HeaderSize+BlockHeaderSize || b.Offset >= a.arenaEnd() {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidBlock, b.Offset)
	}
	return b.Offset - BlockHeaderSize, nil
}

// Free drops a reference to b. The last reference returns the block to
// the free list, merging it with free neighbours.
func (a *Allocator) Free(b Block) error {
	hdr, err := a.blockHeader(b)
	if err != nil {
		return err
	}

	a.lock()
	defer a.unlock()

	word := *a.u64(hdr + 8)
	if uint32(word>>32) != allocTag {
		return fmt.Errorf("%w: offset %d is not allocated", ErrInvalidBlock, b.Offset)
	}
	if uint32(word) > 1 {
		*a.u64(hdr + 8) = word - 1
		return nil
	}
	size := *a.u64(hdr)
	*a.u64(offAllocated) -= size

	var prev uint64
	cur := *a.u64(offFreeHead)
	for cur != 0 && cur < hdr {
		prev, cur = cur, *a.u64(cur + 8)
	}

	if cur != 0 && hdr+size == cur {
		size += *a.u64(cur)
		cur = *a.u64(cur + 8)
	}
	*a.u64(hdr) = size
	*a.u64(hdr + 8) = cur

	if prev != 0 && prev+*a.u64(prev) == hdr {
		*a.u64(prev) += size
		*a.u64(prev + 8) = cur
	} else {
		a.link(prev, hdr)
	}
	return nil
}

// Stats walks the free list.
func (a *Allocator) Stats() Stats {
	a.lock()
	defer a.unlock()

	st := Stats{
		Total:       a.arenaEnd() - HeaderSize,
		Allocated:   *a.u64(offAllocated),
		Attachments: a.Attachments(),
	}
	for cur := *a.u64(offFreeHead); cur != 0; cur = *a.u64(cur + 8) {
		st.Free += *a.u64(cur)
		st.FreeBlocks++
	}
	return st
}
