package mac

import "time"

// NAV is the virtual carrier sense tracker.
//
// Overheard exchanges reserve the medium until a deadline. The deadline only
// moves forward: an update shorter than the remaining reservation is a no-op.
type NAV struct {
	state    NavState
	deadline time.Duration
}

// State returns the current NAV state.
func (n *NAV) State() NavState {
	return n.state
}

// Busy reports whether the medium is reserved.
func (n *NAV) Busy() bool {
	return n.state == NavBusy
}

// Deadline returns the absolute time the reservation ends. It is only
// meaningful while Busy.
func (n *NAV) Deadline() time.Duration {
	return n.deadline
}

// Remaining returns the reservation time left at now, or zero when clear.
func (n *NAV) Remaining(now time.Duration) time.Duration {
	if n.state != NavBusy || n.deadline <= now {
		return 0
	}
	return n.deadline - now
}

// Update extends the reservation to now+d if the NAV is clear or d exceeds
// the remaining time. It reports whether the deadline moved, in which case
// the caller re-arms the NAV timer for d.
func (n *NAV) Update(now, d time.Duration) bool {
	if n.state == NavBusy && d <= n.Remaining(now) {
		return false
	}
	n.state = NavBusy
	n.deadline = now + d
	return true
}

// Clear ends the reservation.
func (n *NAV) Clear() {
	n.state = NavClear
	n.deadline = 0
}
