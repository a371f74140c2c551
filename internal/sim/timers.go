package sim

import (
	"time"

	"github.com/dantte-lp/gocsma/internal/mac"
)

// TimerTarget receives timer expiries. *mac.Machine implements it.
type TimerTarget interface {
	TimerExpired(id mac.TimerID)
}

// NodeTimers is the per-node timer service backed by the Kernel. It has one
// slot per mac.TimerID; scheduling a slot supersedes the previous notice.
type NodeTimers struct {
	kernel *Kernel
	target TimerTarget
	slots  [2]*Event
}

// NewNodeTimers returns a timer service on k. Bind must be called before any
// timer fires.
func NewNodeTimers(k *Kernel) *NodeTimers {
	return &NodeTimers{kernel: k}
}

// Bind sets the receiver of expiries.
func (t *NodeTimers) Bind(target TimerTarget) {
	t.target = target
}

// Schedule implements mac.Timers.
func (t *NodeTimers) Schedule(d time.Duration, id mac.TimerID) {
	t.Cancel(id)
	t.slots[id] = t.kernel.Schedule(d, func() {
		t.slots[id] = nil
		t.target.TimerExpired(id)
	})
}

// Cancel implements mac.Timers.
func (t *NodeTimers) Cancel(id mac.TimerID) {
	if e := t.slots[id]; e != nil {
		e.Cancel()
		t.slots[id] = nil
	}
}

// Armed reports whether slot id has an outstanding notice.
func (t *NodeTimers) Armed(id mac.TimerID) bool {
	return t.slots[id] != nil
}
