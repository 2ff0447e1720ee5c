package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Manager errors.
var (
	ErrClosed = errors.New("connection manager closed")
)

// State is the state of a managed endpoint.
type State uint8

const (
	// StateDisconnected means no attempt is running.
	StateDisconnected State = iota

	// StateConnecting means an attempt or backoff wait is in progress.
	StateConnecting

	// StateConnected means the endpoint has a live peer.
	StateConnected

	// StateClosed means the manager was closed.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc makes one connection attempt.
type DialFunc func(ctx context.Context) error

// Config configures a Manager.
type Config struct {
	Backoff BackoffConfig

	// AttemptTimeout bounds a single dial. Zero means no bound.
	AttemptTimeout time.Duration

	Logger *slog.Logger
}

// Manager dials an endpoint in the background until it succeeds, and
// again after each NotifyConnectionLost.
type Manager struct {
	cfg     Config
	dial    DialFunc
	backoff *Backoff

	mu            sync.Mutex
	state         State
	lost          bool
	onStateChange func(old, new State)

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager for dial.
func NewManager(cfg Config, dial DialFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		dial:    dial,
		backoff: NewBackoff(cfg.Backoff),
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, 1),
	}
}

// OnStateChange sets a callback for state changes. It runs on the
// manager goroutine.
func (m *Manager) OnStateChange(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Start launches the dial loop and requests the first attempt.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
	m.trigger()
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of failed attempts since the last success.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// NotifyConnectionLost schedules a reconnect after the peer went away.
func (m *Manager) NotifyConnectionLost() {
	m.mu.Lock()
	if m.state == StateConnecting {
		// The dial that produced the peer has not reported success yet.
		m.lost = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.setState(StateConnected, StateDisconnected) {
		m.trigger()
	}
}

// Close stops the dial loop and waits for it to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = StateClosed
	fn := m.onStateChange
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if fn != nil {
		fn(old, StateClosed)
	}
}

func (m *Manager) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// setState moves from one state to another and reports whether it did.
func (m *Manager) setState(from, to State) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	fn := m.onStateChange
	m.mu.Unlock()

	if fn != nil {
		fn(from, to)
	}
	return true
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			if m.setState(StateDisconnected, StateConnecting) {
				m.connect()
			}
		}
	}
}

// connect dials until success or close. The first attempt is immediate.
func (m *Manager) connect() {
	for {
		m.mu.Lock()
		m.lost = false
		m.mu.Unlock()

		ctx, cancel := m.ctx, context.CancelFunc(func() {})
		if m.cfg.AttemptTimeout > 0 {
			ctx, cancel = context.WithTimeout(m.ctx, m.cfg.AttemptTimeout)
		}
		err := m.dial(ctx)
		cancel()

		if err == nil {
			m.backoff.Reset()
			m.setState(StateConnecting, StateConnected)
			m.mu.Lock()
			lost := m.lost
			m.lost = false
			m.mu.Unlock()
			if lost {
				m.NotifyConnectionLost()
			}
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		delay := m.backoff.Next()
		if m.cfg.Logger != nil {
			m.cfg.Logger.Debug("connect failed, retrying", "error", err, "attempt", m.backoff.Attempts(), "delay", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
