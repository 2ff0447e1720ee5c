package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/fmq-go/fmq/internal/callbacks"
	"github.com/fmq-go/fmq/pkg/log"
)

// Machine errors.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTimedOut          = errors.New("timed out")
	ErrDeviceError       = errors.New("device entered ERROR state")
	ErrExited            = errors.New("state machine exited")
	ErrHandlerFailed     = errors.New("state handler failed")
)

// historySize bounds the committed states kept for waiters.
const historySize = 256

// commit is one published state, numbered in commit order.
type commit struct {
	seq   uint64
	state State
}

// Handler performs the work of a state. It runs on the machine goroutine
// right after the state is entered. For transient states the machine
// issues AUTO once the handler returns nil; for other states the handler
// should return when ctx is cancelled, which happens as soon as another
// transition is requested. A non-nil error moves the machine to ERROR.
type Handler func(ctx context.Context, state State) error

// StateFunc observes a committed state change.
type StateFunc func(from, to State)

// TransitionFunc observes an accepted transition request. It runs on the
// goroutine that called ChangeState, before the transition executes.
type TransitionFunc func(t Transition)

// Handle identifies a subscription.
type Handle = callbacks.Handle

// Config configures a Machine.
type Config struct {
	// DeviceID is stamped on emitted events.
	DeviceID string

	// Logger for operational messages. Nil disables logging.
	Logger *slog.Logger

	// EventLogger receives a StateChange event per committed transition.
	EventLogger log.Logger
}

// Machine is the device lifecycle state machine.
//
// All transitions execute on one goroutine, one at a time, in the order
// they were accepted. ChangeState never blocks on transition work.
type Machine struct {
	logger *slog.Logger
	events log.Logger

	mu          sync.Mutex
	state       State // committed
	published   State // visible to waiters; lags state until observers ran
	pending     *queue.Queue
	autoPending bool
	failPending bool
	err         error
	changed     chan struct{}
	history     []commit
	seq         uint64 // last published commit
	seen        uint64 // last commit consumed by a waiter
	cancel      context.CancelFunc
	cancelable  bool
	handler     Handler
	started     bool
	closing     bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	stateSubs      callbacks.Arena[StateFunc]
	transitionSubs callbacks.Arena[TransitionFunc]
}

// New creates a machine in IDLE. Call Start to begin processing.
func New(cfg Config) *Machine {
	return &Machine{
		logger:  cfg.Logger,
		events:  log.NewTagged(cfg.EventLogger, cfg.DeviceID),
		pending: queue.New(),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// HandleStates installs the state handler. It must be called before Start.
func (m *Machine) HandleStates(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Start launches the machine goroutine. The IDLE handler runs first.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// Close stops the machine goroutine and waits for it to exit. A running
// handler has its context cancelled and must return.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closing = true
	started := m.started
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	close(m.quit)
	if !started {
		close(m.done)
		return
	}
	<-m.done
}

// Done is closed once the machine goroutine has stopped, after reaching
// EXITED or ERROR or after Close.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// CurrentState returns the committed state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that moved the machine to ERROR, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// NewStatePending reports whether a requested transition has not yet
// executed.
func (m *Machine) NewStatePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failPending || m.pending.Length() > 0
}

// ChangeState requests transition t. It is validated against the state the
// machine will be in once every accepted transition has executed; an
// illegal request returns an error wrapping ErrInvalidTransition and
// changes nothing. ERROR_FOUND discards queued transitions and runs next.
func (m *Machine) ChangeState(t Transition) error {
	if t == Auto {
		return fmt.Errorf("%w: AUTO is issued by the machine", ErrInvalidTransition)
	}

	m.mu.Lock()
	from := m.predictedLocked()
	if _, ok := Next(from, t); !ok || m.closing {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, t, from)
	}

	if t == ErrorFound {
		m.failPending = true
		m.autoPending = false
		m.pending = queue.New()
		if m.cancel != nil {
			m.cancel()
		}
	} else {
		m.pending.Add(t)
		if m.cancelable && m.cancel != nil {
			m.cancel()
		}
	}
	m.mu.Unlock()

	m.debug("transition requested", "transition", t, "from", from)
	m.transitionSubs.Each(func(fn TransitionFunc) { fn(t) })
	m.signal()
	return nil
}

// SubscribeToStateChange registers fn to observe committed state changes.
func (m *Machine) SubscribeToStateChange(fn StateFunc) Handle {
	return m.stateSubs.Add(fn)
}

// UnsubscribeFromStateChange removes a state observer. It is safe to call
// from inside an observer.
func (m *Machine) UnsubscribeFromStateChange(h Handle) bool {
	return m.stateSubs.Remove(h)
}

// SubscribeToNewTransition registers fn to observe accepted transitions.
func (m *Machine) SubscribeToNewTransition(fn TransitionFunc) Handle {
	return m.transitionSubs.Add(fn)
}

// UnsubscribeFromNewTransition removes a transition observer.
func (m *Machine) UnsubscribeFromNewTransition(h Handle) bool {
	return m.transitionSubs.Remove(h)
}

// WaitForState blocks until target is reached. Committed states are
// consumed in order: a call returns at the first occurrence of target not
// yet consumed by an earlier call, so a sequence of queued transitions can
// be waited for state by state after the fact. It returns ErrDeviceError
// if ERROR comes first and ErrTimedOut when timeout elapses. A timeout
// <= 0 waits indefinitely.
func (m *Machine) WaitForState(target State, timeout time.Duration) error {
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	return m.WaitForStateContext(ctx, target)
}

// WaitForStateContext is WaitForState bounded by ctx. A deadline expiring
// is reported as ErrTimedOut.
func (m *Machine) WaitForStateContext(ctx context.Context, target State) error {
	m.mu.Lock()
	after := m.seen
	m.mu.Unlock()
	return m.waitAfter(ctx, after, target, true)
}

// Mark returns a position in the commit history. Pass it to
// WaitForStateAfter to wait only for states committed later.
func (m *Machine) Mark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// WaitForStateAfter is WaitForState restricted to states committed after
// mark.
func (m *Machine) WaitForStateAfter(mark uint64, target State, timeout time.Duration) error {
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	return m.waitAfter(ctx, mark, target, false)
}

func withTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

// waitAfter scans commits after the given position for target. With
// current set, a target that is already published counts even when it was
// consumed before.
func (m *Machine) waitAfter(ctx context.Context, after uint64, target State, current bool) error {
	for {
		m.mu.Lock()
		c, found := m.findLocked(after, target)
		if !found && current && m.published == target {
			c, found = commit{seq: m.seq, state: target}, true
		}
		if !found && m.published.Terminal() {
			c, found = commit{seq: m.seq, state: m.published}, true
		}
		current = false
		if found && c.seq > m.seen {
			m.seen = c.seq
		}
		s, ch := m.published, m.changed
		m.mu.Unlock()

		if found {
			switch c.state {
			case target:
				return nil
			case Error:
				return fmt.Errorf("waiting for %s: %w", target, ErrDeviceError)
			default:
				return fmt.Errorf("waiting for %s: %w", target, ErrExited)
			}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("waiting for %s (current %s): %w", target, s, ErrTimedOut)
			}
			return ctx.Err()
		}
	}
}

// findLocked returns the first commit after the given position that is
// target or terminal.
func (m *Machine) findLocked(after uint64, target State) (commit, bool) {
	for _, c := range m.history {
		if c.seq > after && (c.state == target || c.state.Terminal()) {
			return c, true
		}
	}
	return commit{}, false
}

// WaitForNextState blocks until the next state change is committed and
// returns the new state. A timeout <= 0 waits indefinitely.
func (m *Machine) WaitForNextState(timeout time.Duration) (State, error) {
	m.mu.Lock()
	s, ch := m.published, m.changed
	m.mu.Unlock()

	if s.Terminal() {
		return s, ErrExited
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.published, nil
	case <-expired:
		return s, ErrTimedOut
	}
}

// predictedLocked returns the state after all accepted work completes.
func (m *Machine) predictedLocked() State {
	if m.failPending {
		return Error
	}
	s := settle(m.state)
	for i := 0; i < m.pending.Length(); i++ {
		next, ok := Next(s, m.pending.Get(i).(Transition))
		if !ok {
			break
		}
		s = settle(next)
	}
	return s
}

// settle follows AUTO transitions out of transient states.
func settle(s State) State {
	for IsTransient(s) {
		s, _ = Next(s, Auto)
	}
	return s
}

func (m *Machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) run() {
	defer close(m.done)

	m.runHandler(Idle)

	for {
		t, ok := m.take()
		if !ok {
			return
		}
		to, ok := m.execute(t)
		if !ok {
			continue
		}
		m.runHandler(to)
		if to.Terminal() {
			return
		}
	}
}

// take blocks until a transition is ready or the machine closes.
func (m *Machine) take() (Transition, bool) {
	for {
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return 0, false
		}
		switch {
		case m.failPending:
			m.failPending = false
			m.mu.Unlock()
			return ErrorFound, true
		case m.autoPending:
			m.autoPending = false
			m.mu.Unlock()
			return Auto, true
		case m.pending.Length() > 0:
			t := m.pending.Remove().(Transition)
			m.mu.Unlock()
			return t, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.quit:
			return 0, false
		}
	}
}

// execute commits t and notifies observers.
func (m *Machine) execute(t Transition) (State, bool) {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, t)
	if !ok {
		m.mu.Unlock()
		m.warn("dropping transition", "transition", t, "state", from)
		return from, false
	}
	m.state = to
	reason := ""
	if to == Error && m.err != nil {
		reason = m.err.Error()
	}
	m.mu.Unlock()

	m.debug("state change", "from", from, "to", to, "transition", t)
	m.events.Log(log.Event{
		Layer:       log.LayerDevice,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:     log.StateEntityDevice,
			OldState:   from.String(),
			NewState:   to.String(),
			Transition: t.String(),
			Reason:     reason,
		},
	})

	m.stateSubs.Each(func(fn StateFunc) { fn(from, to) })

	m.mu.Lock()
	m.published = to
	m.seq++
	if len(m.history) == historySize {
		m.history = append(m.history[:0], m.history[1:]...)
	}
	m.history = append(m.history, commit{seq: m.seq, state: to})
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	return to, true
}

// runHandler runs the handler of state s and schedules what follows it.
func (m *Machine) runHandler(s State) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	h := m.handler
	m.cancel = cancel
	m.cancelable = !IsTransient(s)
	if m.closing || (m.cancelable && m.pending.Length() > 0) {
		cancel()
	}
	m.mu.Unlock()

	var err error
	if h != nil {
		err = invoke(ctx, h, s)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel = nil
	m.cancelable = false

	if s.Terminal() {
		if err != nil {
			m.warn("handler failed in terminal state", "state", s, "error", err)
		}
		return
	}
	if err != nil {
		if m.err == nil {
			m.err = err
		}
		m.failPending = true
		m.autoPending = false
		m.pending = queue.New()
		m.signal()
		return
	}
	if IsTransient(s) && !m.failPending {
		m.autoPending = true
		m.signal()
	}
}

func invoke(ctx context.Context, h Handler, s State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrHandlerFailed, s, r)
		}
	}()
	if err := h(ctx, s); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandlerFailed, s, err)
	}
	return nil
}

func (m *Machine) debug(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}

func (m *Machine) warn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}
