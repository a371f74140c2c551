package mac_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/gocsma/internal/mac"
)

func TestBackoffDoublesUntilCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		failures int
		want     time.Duration
	}{
		{name: "no failures", base: 10, max: 320, failures: 0, want: 10},
		{name: "one failure", base: 10, max: 320, failures: 1, want: 20},
		{name: "three failures", base: 10, max: 320, failures: 3, want: 80},
		{name: "reaches cap", base: 10, max: 320, failures: 5, want: 320},
		{name: "stays at cap", base: 10, max: 320, failures: 9, want: 320},
		{name: "non power of two cap", base: 10, max: 100, failures: 4, want: 100},
		{name: "base equals max", base: 50, max: 50, failures: 2, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := mac.NewBackoff(tt.base, tt.max)
			for range tt.failures {
				b.Increase()
			}
			if got := b.Window(); got != tt.want {
				t.Errorf("Window() after %d failures = %v, want %v", tt.failures, got, tt.want)
			}
		})
	}
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	t.Parallel()

	b := mac.NewBackoff(10*time.Millisecond, 640*time.Millisecond)
	b.Increase()
	b.Increase()
	b.Reset()

	if got := b.Window(); got != 10*time.Millisecond {
		t.Errorf("Window() after Reset = %v, want %v", got, 10*time.Millisecond)
	}
}

func TestARQRetryBudget(t *testing.T) {
	t.Parallel()

	a := mac.NewARQ(2)
	if _, err := a.Accept([]byte("x"), 5); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if _, err := a.Accept([]byte("y"), 5); err == nil {
		t.Error("second Accept() error = nil, want ErrBusy")
	}

	var timeouts int
	for !a.Timeout() {
		timeouts++
	}
	if timeouts != 2 {
		t.Errorf("retries before exhaustion = %d, want 2", timeouts)
	}

	tx := a.Release()
	if string(tx.Payload) != "x" {
		t.Errorf("released payload = %q, want %q", tx.Payload, "x")
	}
	if a.Pending() != nil {
		t.Error("Pending() after Release is non-nil")
	}
}
