// Package sim hosts MAC machines on a discrete-event simulation kernel.
//
// It supplies the collaborators a mac.Machine needs: a virtual clock, a
// two-slot timer service per node, and transceivers sharing a single radio
// channel with range-limited propagation, collisions and random loss.
// Everything runs on one goroutine; events at the same instant execute in
// the order they were scheduled.
package sim

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"
)

// ctxCheckInterval is the number of events processed between context checks.
const ctxCheckInterval = 1024

// Kernel errors.
var (
	// ErrNegativeDelay indicates an event scheduled in the past. Kernels panic
	// with an error wrapping it.
	ErrNegativeDelay = errors.New("event scheduled in the past")
)

// -------------------------------------------------------------------------
// Event
// -------------------------------------------------------------------------

// Event is a scheduled callback. A cancelled event never runs.
type Event struct {
	at        time.Duration
	seq       uint64
	fn        func()
	cancelled bool
	index     int
}

// At returns the time the event is due.
func (e *Event) At() time.Duration {
	return e.at
}

// Cancel prevents the event from running. Cancelling twice, or after the
// event ran, is a no-op.
func (e *Event) Cancel() {
	e.cancelled = true
}

// Cancelled reports whether Cancel was called.
func (e *Event) Cancelled() bool {
	return e.cancelled
}

// eventQueue is a min-heap ordered by (at, seq).
type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	e, _ := x.(*Event)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// -------------------------------------------------------------------------
// Kernel
// -------------------------------------------------------------------------

// Kernel is a single-threaded discrete-event scheduler with a virtual clock.
// It implements mac.Clock.
type Kernel struct {
	now       time.Duration
	seq       uint64
	queue     eventQueue
	processed uint64
}

// NewKernel returns a kernel at time zero with an empty queue.
func NewKernel() *Kernel {
	return &Kernel{}
}

// Now returns the current virtual time.
func (k *Kernel) Now() time.Duration {
	return k.now
}

// Processed returns the number of events executed so far.
func (k *Kernel) Processed() uint64 {
	return k.processed
}

// Pending returns the number of queued events, including cancelled ones not
// yet discarded.
func (k *Kernel) Pending() int {
	return len(k.queue)
}

// Schedule runs fn after delay. A zero delay runs fn after every event
// already due at the current instant.
func (k *Kernel) Schedule(delay time.Duration, fn func()) *Event {
	if delay < 0 {
		panic(fmt.Errorf("schedule %v at %v: %w", delay, k.now, ErrNegativeDelay))
	}
	return k.At(k.now+delay, fn)
}

// At runs fn at absolute time t, which must not be in the past.
func (k *Kernel) At(t time.Duration, fn func()) *Event {
	if t < k.now {
		panic(fmt.Errorf("schedule at %v, now %v: %w", t, k.now, ErrNegativeDelay))
	}
	k.seq++
	e := &Event{at: t, seq: k.seq, fn: fn}
	heap.Push(&k.queue, e)
	return e
}

// Step executes the next live event and reports whether one ran.
func (k *Kernel) Step() bool {
	for k.queue.Len() > 0 {
		e, _ := heap.Pop(&k.queue).(*Event)
		if e.cancelled {
			continue
		}
		k.now = e.at
		k.processed++
		e.fn()
		return true
	}
	return false
}

// peek returns the due time of the next live event.
func (k *Kernel) peek() (time.Duration, bool) {
	for k.queue.Len() > 0 {
		e := k.queue[0]
		if !e.cancelled {
			return e.at, true
		}
		heap.Pop(&k.queue)
	}
	return 0, false
}

// Run executes every event due at or before until and then advances the clock
// to until. Run returns ctx.Err() if the context is cancelled first.
func (k *Kernel) Run(ctx context.Context, until time.Duration) error {
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("kernel stopped at %v: %w", k.now, err)
			}
		}

		at, ok := k.peek()
		if !ok || at > until {
			if until > k.now {
				k.now = until
			}
			return nil
		}
		k.Step()
	}
}
