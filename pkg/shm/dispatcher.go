package shm

import (
	"sync"

	"github.com/eapache/queue"
)

// Dispatcher runs posted callbacks one at a time, in order, on its own
// goroutine. Posting never blocks.
type Dispatcher struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher starts a dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Post queues fn. It returns false after Close.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.q.Add(fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Close runs what is still queued and stops the goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.wake:
			d.runPending()
		case <-d.done:
			d.runPending()
			return
		}
	}
}

func (d *Dispatcher) runPending() {
	for {
		d.mu.Lock()
		if d.q.Length() == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.q.Remove().(func())
		d.mu.Unlock()

		fn()
	}
}
