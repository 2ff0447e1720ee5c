// Package socket implements the stream socket transport.
//
// Sockets exchange framed transmissions over TCP ("tcp://host:port"),
// unix domain sockets ("ipc:///path") or in-process pipes
// ("inproc://name"). Every socket may bind and connect any number of
// endpoints; each accepted or dialed connection becomes a peer with its
// own reader and writer goroutine. Connecting endpoints redial with
// exponential backoff after the peer goes away.
//
// Patterns:
//
//	push  round-robin over peers with queue room; waits for a peer
//	pull  receives from all peers in arrival order
//	pub   queues to every peer with room; others miss the transmission
//	sub   receives everything
//	pair  exactly one peer, both directions
//
// A peer's reader only queues a transmission once its last frame has
// arrived, so receivers see all parts of a send or none.
//
// Importing the package registers the factory for transport.KindSocket.
package socket
