// Package callbacks provides a registration arena for observer callbacks.
//
// Callbacks are stored in slots. A Handle names a slot together with the
// generation it was issued for, so a stale handle can never remove a
// callback registered later in the same slot. Dispatch works on a snapshot
// of handles and re-checks each one right before invoking it, which makes
// Remove safe to call from inside a callback: the removed entry is skipped,
// everything else in the in-progress dispatch still runs in order.
package callbacks

import (
	"cmp"
	"slices"
	"sync"
)

// Handle identifies a registered callback.
type Handle struct {
	slot uint32
	gen  uint32
}

// Valid reports whether the handle was issued by an arena.
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slot[F any] struct {
	gen    uint32
	active bool
	seq    uint64
	fn     F
}

// Arena stores callbacks of type F in registration order.
// The zero value is ready to use.
type Arena[F any] struct {
	mu    sync.Mutex
	slots []slot[F]
	free  []uint32
	seq   uint64
}

// Add registers fn and returns its handle.
func (a *Arena[F]) Add(fn F) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[F]{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.active = true
	s.seq = a.seq
	s.fn = fn

	return Handle{slot: idx, gen: s.gen}
}

// Remove unregisters the callback named by h.
// It returns false if h is stale or was already removed.
func (a *Arena[F]) Remove(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(h.slot) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.slot]
	if !s.active || s.gen != h.gen {
		return false
	}

	var zero F
	s.active = false
	s.fn = zero
	a.free = append(a.free, h.slot)
	return true
}

// Len returns the number of registered callbacks.
func (a *Arena[F]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}

// Each calls visit for every callback in registration order.
// The arena lock is not held while visit runs.
func (a *Arena[F]) Each(visit func(F)) {
	for _, h := range a.snapshot() {
		fn, ok := a.lookup(h)
		if !ok {
			continue
		}
		visit(fn)
	}
}

// snapshot returns the live handles ordered by registration.
func (a *Arena[F]) snapshot() []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	type entry struct {
		h   Handle
		seq uint64
	}
	entries := make([]entry, 0, len(a.slots))
	for i := range a.slots {
		s := &a.slots[i]
		if s.active {
			entries = append(entries, entry{h: Handle{slot: uint32(i), gen: s.gen}, seq: s.seq})
		}
	}

	// Slots are reused, so slot order is not registration order.
	slices.SortFunc(entries, func(x, y entry) int { return cmp.Compare(x.seq, y.seq) })

	out := make([]Handle, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out
}

func (a *Arena[F]) lookup(h Handle) (F, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero F
	if int(h.slot) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[h.slot]
	if !s.active || s.gen != h.gen {
		return zero, false
	}
	return s.fn, true
}
