package socket

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmq-go/fmq/pkg/transport"
)

// DefaultMaxMissedPongs is the number of unanswered pings after which a
// peer is dropped.
const DefaultMaxMissedPongs = 3

// heartbeat pings a peer and reports it dead after too many missed pongs.
type heartbeat struct {
	interval  time.Duration
	maxMissed int
	sendPing  func(seq uint32) error
	onTimeout func()

	seq atomic.Uint32

	mu         sync.Mutex
	pending    uint32
	hasPending bool
	missed     int

	pongs chan uint32
	stop  chan struct{}
	once  sync.Once
}

func newHeartbeat(interval time.Duration, sendPing func(seq uint32) error, onTimeout func()) *heartbeat {
	return &heartbeat{
		interval:  interval,
		maxMissed: DefaultMaxMissedPongs,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		pongs:     make(chan uint32, 1),
		stop:      make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	go h.loop()
}

func (h *heartbeat) close() {
	h.once.Do(func() { close(h.stop) })
}

// pongReceived records a pong. Stale sequence numbers are ignored.
func (h *heartbeat) pongReceived(seq uint32) {
	select {
	case h.pongs <- seq:
	default:
	}
}

func (h *heartbeat) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.ping()
	for {
		select {
		case <-h.stop:
			return
		case seq := <-h.pongs:
			h.mu.Lock()
			if h.hasPending && seq == h.pending {
				h.hasPending = false
				h.missed = 0
			}
			h.mu.Unlock()
		case <-ticker.C:
			// A ping still pending after a full interval is a miss.
			h.mu.Lock()
			if h.hasPending {
				h.missed++
			}
			dead := h.missed >= h.maxMissed
			h.mu.Unlock()

			if dead {
				h.onTimeout()
				return
			}
			h.ping()
		}
	}
}

func (h *heartbeat) ping() {
	seq := h.seq.Add(1)
	h.mu.Lock()
	h.pending = seq
	h.hasPending = true
	h.mu.Unlock()

	// A failed write is noticed by the reader; the pong simply never comes.
	_ = h.sendPing(seq)
}

func controlFrame(flag byte, seq uint32) transport.Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, seq)
	return transport.Frame{Flags: flag, Payload: payload}
}

func controlSeq(f transport.Frame) uint32 {
	if len(f.Payload) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(f.Payload)
}
