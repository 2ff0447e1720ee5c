// Package shmem implements the shared-memory transport.
//
// Payloads are written once into a shared segment; sockets only carry
// region references (segment name, offset, size) over the stream socket
// transport. Senders and receivers must share a session so their
// managers map the same main segment. Blocks are reference counted
// inside the segment: every peer a transmission is queued to holds a
// reference, and a received message drops it when closed.
//
// Importing the package registers the factory for transport.KindShmem.
package shmem
