package transport

import (
	"fmt"
	"sync"
)

// ItemPoller is a Poller over any set of Pollables of one kind.
type ItemPoller struct {
	items     []Pollable
	interrupt *Interrupter
	wake      chan struct{}
	kick      chan struct{}

	mu   sync.Mutex
	last []Readiness
}

// NewPoller creates a poller over items. interrupt, if non-nil, is the
// owning factory's interrupter.
func NewPoller(interrupt *Interrupter, items ...Pollable) (*ItemPoller, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidChannelSet)
	}
	kind := items[0].Kind()
	for i, it := range items {
		if it == nil {
			return nil, fmt.Errorf("%w: item %d is nil", ErrInvalidChannelSet, i)
		}
		if it.Kind() != kind {
			return nil, fmt.Errorf("%w: item %d is %s, item 0 is %s", ErrInvalidChannelSet, i, it.Kind(), kind)
		}
	}

	p := &ItemPoller{
		items:     items,
		interrupt: interrupt,
		wake:      make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		last:      make([]Readiness, len(items)),
	}
	for _, it := range items {
		it.Notify(p.wake)
	}
	if interrupt != nil {
		interrupt.attach(p.kick)
	}
	return p, nil
}

// Poll implements Poller.
func (p *ItemPoller) Poll(timeoutMs int) ([]Readiness, error) {
	d := NewDeadline(timeoutMs)
	defer d.Stop()

	var interrupted <-chan struct{}
	if p.interrupt != nil {
		interrupted = p.interrupt.Done()
	}

	for {
		// Drain before scanning so a change during the scan is not lost.
		select {
		case <-p.wake:
		default:
		}

		if ready := p.scan(); len(ready) > 0 {
			return ready, nil
		}
		if d.NonBlocking {
			return nil, nil
		}

		select {
		case <-p.wake:
		case <-p.kick:
			return nil, ErrInterrupted
		case <-interrupted:
			return nil, ErrInterrupted
		case <-d.C:
			return nil, nil
		}
	}
}

func (p *ItemPoller) scan() []Readiness {
	var ready []Readiness
	state := make([]Readiness, len(p.items))
	for i, it := range p.items {
		r := it.Readiness()
		r.Index = i
		typ := it.Type()
		r.In = r.In && typ.CanReceive()
		r.Out = r.Out && typ.CanSend()
		state[i] = r
		if r.In || r.Out {
			ready = append(ready, r)
		}
	}

	p.mu.Lock()
	p.last = state
	p.mu.Unlock()
	return ready
}

// CheckInput implements Poller.
func (p *ItemPoller) CheckInput(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return i >= 0 && i < len(p.last) && p.last[i].In
}

// CheckOutput implements Poller.
func (p *ItemPoller) CheckOutput(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return i >= 0 && i < len(p.last) && p.last[i].Out
}

// Interrupt implements Poller. An interrupt that no Poll has seen yet is
// dropped when the owning interrupter resumes.
func (p *ItemPoller) Interrupt() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Close implements Poller.
func (p *ItemPoller) Close() error {
	for _, it := range p.items {
		it.StopNotify(p.wake)
	}
	if p.interrupt != nil {
		p.interrupt.detach(p.kick)
	}
	return nil
}

var _ Poller = (*ItemPoller)(nil)
