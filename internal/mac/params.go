package mac

import (
	"errors"
	"fmt"
	"time"
)

// Params holds the protocol constants of a Machine. The value is immutable
// once the Machine is built.
type Params struct {
	// MinContendWindow is the lower bound of every contention delay draw.
	MinContendWindow time.Duration

	// BaseContendWindow is the initial and post-success DATA contention window.
	BaseContendWindow time.Duration

	// MaxContendWindow caps the DATA contention window after failures.
	MaxContendWindow time.Duration

	// AckContendWindow is the contention window for sending an ACK.
	AckContendWindow time.Duration

	// AckWaitTimeout bounds the wait for an ACK after a unicast DATA frame.
	AckWaitTimeout time.Duration

	// AckExtend is the NAV reservation taken when overhearing DATA addressed
	// to another node, covering the ACK that follows.
	AckExtend time.Duration

	// MaxRetries is the number of retransmissions after the first attempt.
	MaxRetries int

	// ChannelBusyThreshold is the channel energy above which a contention
	// winner backs off instead of transmitting.
	ChannelBusyThreshold float64
}

// DefaultParams returns parameters sized for a 250 kbit/s radio.
func DefaultParams() Params {
	return Params{
		MinContendWindow:     5 * time.Millisecond,
		BaseContendWindow:    20 * time.Millisecond,
		MaxContendWindow:     640 * time.Millisecond,
		AckContendWindow:     8 * time.Millisecond,
		AckWaitTimeout:       20 * time.Millisecond,
		AckExtend:            10 * time.Millisecond,
		MaxRetries:           3,
		ChannelBusyThreshold: 0.5,
	}
}

// Parameter validation errors.
var (
	// ErrInvalidContendWindow indicates the contention windows are not
	// ordered min <= ack, min <= base <= max.
	ErrInvalidContendWindow = errors.New("contention windows must satisfy 0 < min <= base <= max and min <= ack")

	// ErrInvalidTimeout indicates a non-positive ACK wait or NAV extension.
	ErrInvalidTimeout = errors.New("ack wait timeout and ack extend must be > 0")

	// ErrInvalidRetries indicates a negative retry budget.
	ErrInvalidRetries = errors.New("max retries must be >= 0")

	// ErrInvalidThreshold indicates a channel busy threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("channel busy threshold must be within [0, 1]")
)

// Validate checks p for logical errors and returns the first one found.
func (p Params) Validate() error {
	if p.MinContendWindow <= 0 ||
		p.BaseContendWindow < p.MinContendWindow ||
		p.MaxContendWindow < p.BaseContendWindow ||
		p.AckContendWindow < p.MinContendWindow {
		return fmt.Errorf("min %v base %v max %v ack %v: %w",
			p.MinContendWindow, p.BaseContendWindow, p.MaxContendWindow,
			p.AckContendWindow, ErrInvalidContendWindow)
	}

	if p.AckWaitTimeout <= 0 || p.AckExtend <= 0 {
		return fmt.Errorf("ack wait %v ack extend %v: %w",
			p.AckWaitTimeout, p.AckExtend, ErrInvalidTimeout)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries %d: %w", p.MaxRetries, ErrInvalidRetries)
	}

	if p.ChannelBusyThreshold < 0 || p.ChannelBusyThreshold > 1 {
		return fmt.Errorf("threshold %v: %w", p.ChannelBusyThreshold, ErrInvalidThreshold)
	}

	return nil
}
