// Package shm manages shared-memory segments used for zero-copy message
// payloads between processes of one session.
//
// A segment is a file under a shared-memory directory, mapped by every
// process that uses it. It starts with a fixed header:
//
//	 0  magic        uint32  "FMQS"
//	 4  version      uint32
//	 8  size         uint64  total segment size
//	16  counter      uint32  attachments (RegionCounter)
//	20  lock         uint32  cross-process spinlock
//	24  free head    uint64  offset of the first free block, 0 if none
//	32  allocated    uint64  bytes held by allocated blocks
//	40  flags        int64   user flags
//	48  next region  uint64  region id source (main segment only)
//
// The rest of the segment is the arena. Every block in it, free or
// allocated, starts with a 16-byte header: the block size and, for free
// blocks, the offset of the next free block. Allocated blocks carry a tag
// there instead. Free blocks are kept in offset order so a freed block
// can merge with both neighbours.
//
// Segments are named from a session id and the user id (see ShmID), so
// any process of the same user in the same session finds the same main
// segment. The last process to detach removes the file. A process that
// dies while attached leaves the counter raised; ReadCounter exposes it
// to cleanup tooling.
package shm
