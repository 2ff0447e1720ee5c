package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Jitter: 0})

	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	if b.Attempts() != 5 {
		t.Errorf("Attempts = %d", b.Attempts())
	}

	b.Reset()
	if b.Current() != 10*time.Millisecond || b.Attempts() != 0 {
		t.Errorf("after Reset: current %v attempts %d", b.Current(), b.Attempts())
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Jitter: 0.25})
	for i := 0; i < 20; i++ {
		b.Reset()
		d := b.Next()
		if d < 100*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("delay %v outside [100ms, 125ms]", d)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	if b.Current() != DefaultInitial {
		t.Errorf("Current = %v", b.Current())
	}
	if b.cfg.Max != DefaultMax || b.cfg.Multiplier != DefaultMultiplier {
		t.Errorf("cfg = %+v", b.cfg)
	}
}

func fastConfig() Config {
	return Config{Backoff: BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestManagerRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(fastConfig(), func(ctx context.Context) error {
		if calls.Add(1) < 4 {
			return errors.New("refused")
		}
		return nil
	})
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateConnected)
	if calls.Load() != 4 {
		t.Errorf("dial calls = %d, want 4", calls.Load())
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts after success = %d", m.Attempts())
	}
}

func TestManagerReconnectsAfterLoss(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(fastConfig(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	defer m.Close()

	var mu sync.Mutex
	var transitions []string
	m.OnStateChange(func(old, new State) {
		mu.Lock()
		transitions = append(transitions, old.String()+">"+new.String())
		mu.Unlock()
	})

	_ = m.Start()
	waitState(t, m, StateConnected)
	m.NotifyConnectionLost()
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	waitState(t, m, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 4 || transitions[2] != "CONNECTED>DISCONNECTED" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestManagerCloseStopsRetries(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(fastConfig(), func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("refused")
	})
	_ = m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Close()

	n := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != n {
		t.Error("dialing continued after Close")
	}
	if m.State() != StateClosed {
		t.Errorf("state = %s", m.State())
	}
	if err := m.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateConnecting.String() != "CONNECTING" || State(42).String() != "UNKNOWN" {
		t.Error("unexpected state names")
	}
}
