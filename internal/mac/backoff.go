package mac

import "time"

// Backoff tracks the contention window used for DATA contention rounds.
//
// The window starts at the base value, doubles on every failed ARQ round up
// to the maximum, and returns to the base on success. It never leaves
// [base, max].
type Backoff struct {
	base   time.Duration
	max    time.Duration
	window time.Duration
}

// NewBackoff returns a Backoff whose window starts at base.
func NewBackoff(base, maxWindow time.Duration) *Backoff {
	return &Backoff{
		base:   base,
		max:    maxWindow,
		window: base,
	}
}

// Window returns the current contention window.
func (b *Backoff) Window() time.Duration {
	return b.window
}

// Increase doubles the window, capped at the maximum, and returns it.
func (b *Backoff) Increase() time.Duration {
	if b.window > b.max/2 {
		b.window = b.max
	} else {
		b.window *= 2
	}
	return b.window
}

// Reset returns the window to the base value.
func (b *Backoff) Reset() {
	b.window = b.base
}
