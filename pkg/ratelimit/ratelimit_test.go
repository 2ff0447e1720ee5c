package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterHonoursBudget(t *testing.T) {
	const budget = 1 << 20 // 1 MiB/s

	tests := []struct {
		name  string
		total int
		chunk int
	}{
		{"small messages", 64 << 10, 1 << 10},
		{"medium messages", 128 << 10, 16 << 10},
		{"one large message", 192 << 10, 192 << 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(budget)
			start := time.Now()
			for sent := 0; sent < tt.total; sent += tt.chunk {
				if err := l.Wait(context.Background(), tt.chunk); err != nil {
					t.Fatalf("Wait: %v", err)
				}
			}
			elapsed := time.Since(start)

			want := time.Duration(float64(tt.total) / budget * float64(time.Second))
			if elapsed < want-2*time.Millisecond {
				t.Errorf("sent %d bytes in %v, budget requires at least %v", tt.total, elapsed, want)
			}
			if got := l.Sent(); got != uint64(tt.total) {
				t.Errorf("Sent = %d, want %d", got, tt.total)
			}
		})
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(0)
	start := time.Now()
	for range 1000 {
		if err := l.Wait(context.Background(), 1<<20); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unlimited limiter took %v", elapsed)
	}
	if l.Budget() != 0 {
		t.Errorf("Budget = %v, want 0", l.Budget())
	}
}

func TestLimiterCancel(t *testing.T) {
	l := New(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, 10000)
	if err == nil {
		t.Fatal("Wait of 10s worth of budget returned without error")
	}
	if !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		t.Errorf("Wait error = %v", err)
	}
}

func TestLimiterCancelReturnsBudget(t *testing.T) {
	l := New(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 10000); err == nil {
		t.Fatal("Wait of 10s worth of budget returned without error")
	}

	// The abandoned 10s are not charged to the next message.
	start := time.Now()
	if err := l.Wait(context.Background(), 50); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait after an interrupted wait took %v", elapsed)
	}
	if got := l.Sent(); got != 50 {
		t.Errorf("Sent = %d, want 50", got)
	}
}

func TestIterationLimiter(t *testing.T) {
	l := NewIterationLimiter(200)
	start := time.Now()
	for range 21 {
		l.MaybeSleep()
	}
	// The first iteration is free; 20 more at 200 Hz take 100ms.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("21 iterations at 200 Hz took %v", elapsed)
	}
}
