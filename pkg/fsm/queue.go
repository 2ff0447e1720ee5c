package fsm

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// StateQueue records every state a Machine commits so a consumer can walk
// them one at a time without missing fast transient states.
type StateQueue struct {
	m      *Machine
	handle Handle

	mu     sync.Mutex
	states *queue.Queue
	signal chan struct{}
}

// NewStateQueue subscribes a queue to m.
func NewStateQueue(m *Machine) *StateQueue {
	q := &StateQueue{
		m:      m,
		states: queue.New(),
		signal: make(chan struct{}),
	}
	q.handle = m.SubscribeToStateChange(func(_, to State) { q.push(to) })
	return q
}

func (q *StateQueue) push(s State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states.Add(s)
	close(q.signal)
	q.signal = make(chan struct{})
}

// WaitForNext returns the oldest unconsumed state. It returns false if none
// arrives within timeout; a timeout <= 0 waits indefinitely.
func (q *StateQueue) WaitForNext(timeout time.Duration) (State, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.states.Length() > 0 {
			s := q.states.Remove().(State)
			q.mu.Unlock()
			return s, true
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-expired:
			return 0, false
		}
	}
}

// WaitForState consumes states until s is found or timeout elapses.
func (q *StateQueue) WaitForState(s State, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return false
			}
		}
		got, ok := q.WaitForNext(remaining)
		if !ok {
			return false
		}
		if got == s {
			return true
		}
	}
}

// Len returns the number of unconsumed states.
func (q *StateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states.Length()
}

// Clear discards unconsumed states.
func (q *StateQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states = queue.New()
}

// Close unsubscribes the queue from its machine.
func (q *StateQueue) Close() {
	q.m.UnsubscribeFromStateChange(q.handle)
}
