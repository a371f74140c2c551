package mac

// Outbound is the single packet a Machine is trying to deliver.
type Outbound struct {
	// Payload is the upper-layer data. Ownership passes to the Machine on
	// Send and returns through Upper.SendCompleted.
	Payload []byte

	// Dst is the unicast destination or Broadcast.
	Dst NodeID

	retries  int
	attempts int
}

// Retries returns the remaining retry budget.
func (o *Outbound) Retries() int {
	return o.retries
}

// Attempts returns how many DATA transmissions have been started.
func (o *Outbound) Attempts() int {
	return o.attempts
}

// ARQ is the stop-and-wait retransmission controller. It holds at most one
// outbound packet.
type ARQ struct {
	maxRetries int
	tx         *Outbound
}

// NewARQ returns a controller that retries each unicast packet up to
// maxRetries times after the first transmission.
func NewARQ(maxRetries int) *ARQ {
	return &ARQ{maxRetries: maxRetries}
}

// Pending returns the outbound packet, or nil.
func (a *ARQ) Pending() *Outbound {
	return a.tx
}

// Accept takes ownership of a new packet with a full retry budget.
// It returns ErrBusy if a packet is already pending.
func (a *ARQ) Accept(payload []byte, dst NodeID) (*Outbound, error) {
	if a.tx != nil {
		return nil, ErrBusy
	}
	a.tx = &Outbound{
		Payload: payload,
		Dst:     dst,
		retries: a.maxRetries,
	}
	return a.tx, nil
}

// Attempt records the start of a DATA transmission.
func (a *ARQ) Attempt() {
	if a.tx != nil {
		a.tx.attempts++
	}
}

// Timeout consumes one retry after an ACK timeout. It reports true when the
// budget was already spent and the packet must be dropped.
func (a *ARQ) Timeout() (exhausted bool) {
	if a.tx.retries == 0 {
		return true
	}
	a.tx.retries--
	return false
}

// Release gives up ownership of the pending packet and returns it.
func (a *ARQ) Release() *Outbound {
	tx := a.tx
	a.tx = nil
	return tx
}
