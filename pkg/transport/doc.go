// Package transport defines the backend-neutral message transport API:
// messages and parts, sockets, pollers, shared regions, and the factory
// that creates them.
//
// Backends live in subpackages and register themselves:
//
//	import _ "github.com/fmq-go/fmq/pkg/transport/socket"
//
//	f, err := transport.NewFactory(transport.KindSocket, transport.Config{ID: "sampler"})
//
// # Wire Format
//
// Stream backends carry each part as one length-prefixed frame:
//
//	┌───────────────┬───────┬──────────────────────────────┐
//	│ length (4B BE)│ flags │ payload (length-1 bytes)     │
//	└───────────────┴───────┴──────────────────────────────┘
//
// Flag bit 0 marks a part followed by another part of the same
// transmission. Bit 1 marks a payload holding a CBOR RegionRef instead of
// the bytes themselves. Bits 2 and 3 are liveness ping and pong frames.
// A receiver hands a transmission to the application only after its last
// frame arrived, so either every part is observed or none.
//
// # Timeouts
//
// Blocking calls take a timeout in milliseconds: -1 waits indefinitely,
// 0 returns ErrWouldBlock at once if no progress is possible, and positive
// values return ErrTimedOut when they expire. Interrupt on the factory
// wakes every waiter with ErrInterrupted until Resume.
package transport
