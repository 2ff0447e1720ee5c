package socket

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatTimesOutWithoutPongs(t *testing.T) {
	var pings atomic.Int32
	dead := make(chan struct{})

	hb := newHeartbeat(5*time.Millisecond,
		func(uint32) error { pings.Add(1); return nil },
		func() { close(dead) },
	)
	hb.start()
	defer hb.close()

	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never gave up on a silent peer")
	}
	if n := pings.Load(); n < DefaultMaxMissedPongs {
		t.Errorf("sent %d pings before timing out, want at least %d", n, DefaultMaxMissedPongs)
	}
}

func TestHeartbeatStaysAliveWithPongs(t *testing.T) {
	var hb *heartbeat
	var timedOut atomic.Bool

	hb = newHeartbeat(5*time.Millisecond,
		func(seq uint32) error {
			go hb.pongReceived(seq)
			return nil
		},
		func() { timedOut.Store(true) },
	)
	hb.start()
	time.Sleep(100 * time.Millisecond)
	hb.close()

	if timedOut.Load() {
		t.Error("peer answering every ping was declared dead")
	}
}

func TestControlFrameSequence(t *testing.T) {
	f := controlFrame(0x04, 0xdeadbeef)
	if !f.IsControl() {
		t.Error("ping frame not recognised as control")
	}
	if got := controlSeq(f); got != 0xdeadbeef {
		t.Errorf("controlSeq = %#x", got)
	}
}
