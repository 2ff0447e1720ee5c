package transport

import (
	"sync"
	"time"
)

// Interrupter is a level-triggered wake-up shared by every blocking call
// of a factory. While interrupted, Done is closed.
type Interrupter struct {
	mu          sync.Mutex
	interrupted bool
	done        chan struct{}
	kicks       []chan struct{} // poller wake-ups cleared by Resume
}

// NewInterrupter returns an Interrupter in the resumed state.
func NewInterrupter() *Interrupter {
	return &Interrupter{done: make(chan struct{})}
}

// Interrupt wakes all current and future waiters until Resume.
func (i *Interrupter) Interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.interrupted {
		i.interrupted = true
		close(i.done)
	}
}

// Resume lets waits block again. Poller interrupts still pending are
// discarded with it.
func (i *Interrupter) Resume() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.interrupted {
		i.interrupted = false
		i.done = make(chan struct{})
	}
	for _, ch := range i.kicks {
		select {
		case <-ch:
		default:
		}
	}
}

func (i *Interrupter) attach(kick chan struct{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.kicks = append(i.kicks, kick)
}

func (i *Interrupter) detach(kick chan struct{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, ch := range i.kicks {
		if ch == kick {
			i.kicks = append(i.kicks[:n], i.kicks[n+1:]...)
			return
		}
	}
}

// Interrupted reports whether Interrupt is in effect.
func (i *Interrupter) Interrupted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.interrupted
}

// Done returns a channel closed while interrupted.
func (i *Interrupter) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// Notifier fans readiness notifications out to registered channels.
// The zero value is ready to use.
type Notifier struct {
	mu  sync.Mutex
	chs []chan<- struct{}
}

// Notify registers ch.
func (n *Notifier) Notify(ch chan<- struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chs = append(n.chs, ch)
}

// StopNotify unregisters ch.
func (n *Notifier) StopNotify(ch chan<- struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.chs {
		if c == ch {
			n.chs = append(n.chs[:i], n.chs[i+1:]...)
			return
		}
	}
}

// Broadcast signals every registered channel without blocking.
func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.chs {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

// Deadline turns a millisecond timeout into a wait bound.
type Deadline struct {
	timer *time.Timer
	C     <-chan time.Time
	// NonBlocking is set for a zero timeout.
	NonBlocking bool
}

// NewDeadline starts a deadline. -1 (or any negative value) never fires.
func NewDeadline(timeoutMs int) *Deadline {
	d := &Deadline{}
	switch {
	case timeoutMs == 0:
		d.NonBlocking = true
	case timeoutMs > 0:
		d.timer = time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		d.C = d.timer.C
	}
	return d
}

// Expired returns the error to report when the wait gives up.
func (d *Deadline) Expired() error {
	if d.NonBlocking {
		return ErrWouldBlock
	}
	return ErrTimedOut
}

// Stop releases the timer.
func (d *Deadline) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}
