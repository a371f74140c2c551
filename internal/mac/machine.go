package mac

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Collaborators
// -------------------------------------------------------------------------

// Radio is the physical transceiver driven by a Machine.
//
// Implementations must not call back into the Machine synchronously from
// any of these methods; completions and receptions are delivered as
// separate events (TransmitComplete, ReceptionStarted, FrameArrived,
// ReceptionFailed).
type Radio interface {
	// SetListen switches the receiver on.
	SetListen()

	// SetSleep powers the transceiver down.
	SetSleep()

	// SetTransmit switches the transceiver to transmit mode.
	SetTransmit()

	// SampleChannelEnergy returns the instantaneous channel energy in [0, 1].
	SampleChannelEnergy() float64

	// StartTransmit puts f on air. The radio must be in transmit mode.
	StartTransmit(f *Frame)
}

// Timers is a two-slot timer service. Scheduling a slot cancels any
// outstanding notice on that slot. A cancelled or superseded notice is never
// delivered; expiry is delivered through Machine.TimerExpired.
type Timers interface {
	Schedule(d time.Duration, id TimerID)
	Cancel(id TimerID)
}

// Clock reports the current time as an offset from an arbitrary epoch.
type Clock interface {
	Now() time.Duration
}

// Upper is the layer above the MAC.
type Upper interface {
	// DeliverReceived hands a received DATA payload upward.
	DeliverReceived(payload []byte, src NodeID)

	// SendCompleted returns ownership of an outbound payload with its
	// terminal outcome.
	SendCompleted(payload []byte, outcome Outcome)
}

// Env bundles the collaborators a Machine is wired to.
type Env struct {
	Radio  Radio
	Timers Timers
	Clock  Clock
	Upper  Upper
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrBusy indicates a packet was offered while another is in flight.
	// The offered packet is dropped.
	ErrBusy = errors.New("outbound packet already pending")

	// ErrSelfAddressed indicates the destination is the local node.
	ErrSelfAddressed = errors.New("destination is the local node")

	// ErrInvalidNodeID indicates the broadcast marker was used as a node id.
	ErrInvalidNodeID = errors.New("node id must not be the broadcast marker")

	// ErrNilCollaborator indicates a required collaborator was nil.
	ErrNilCollaborator = errors.New("collaborator must not be nil")

	// ErrInvariant wraps every internal defect. Machines panic with an error
	// wrapping ErrInvariant instead of continuing in an undefined state.
	ErrInvariant = errors.New("mac invariant violated")
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Machine parameters.
type Option func(*Machine)

// WithMetrics attaches a MetricsReporter to the machine. If mr is nil,
// the default no-op reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(m *Machine) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithRand sets the random source for contention delays. Simulations pass a
// seeded source for reproducible runs.
func WithRand(r *rand.Rand) Option {
	return func(m *Machine) {
		if r != nil {
			m.rng = r
		}
	}
}

// -------------------------------------------------------------------------
// Statistics
// -------------------------------------------------------------------------

// Stats is a snapshot of a Machine's counters.
type Stats struct {
	DataSent          uint64 `json:"data_sent" yaml:"data_sent"`
	AcksSent          uint64 `json:"acks_sent" yaml:"acks_sent"`
	Delivered         uint64 `json:"delivered" yaml:"delivered"`
	DroppedBusy       uint64 `json:"dropped_busy" yaml:"dropped_busy"`
	DroppedRetries    uint64 `json:"dropped_retries" yaml:"dropped_retries"`
	Received          uint64 `json:"received" yaml:"received"`
	AcksReceived      uint64 `json:"acks_received" yaml:"acks_received"`
	Overheard         uint64 `json:"overheard" yaml:"overheard"`
	UnsolicitedAcks   uint64 `json:"unsolicited_acks" yaml:"unsolicited_acks"`
	ContentionAborts  uint64 `json:"contention_aborts" yaml:"contention_aborts"`
	FailedAckRounds   uint64 `json:"failed_ack_rounds" yaml:"failed_ack_rounds"`
	NAVUpdates        uint64 `json:"nav_updates" yaml:"nav_updates"`
	ContentionStarted uint64 `json:"contention_started" yaml:"contention_started"`
}

// counters are atomics so Stats may be read off the event goroutine.
type counters struct {
	dataSent          atomic.Uint64
	acksSent          atomic.Uint64
	delivered         atomic.Uint64
	droppedBusy       atomic.Uint64
	droppedRetries    atomic.Uint64
	received          atomic.Uint64
	acksReceived      atomic.Uint64
	overheard         atomic.Uint64
	unsolicitedAcks   atomic.Uint64
	contentionAborts  atomic.Uint64
	failedAckRounds   atomic.Uint64
	navUpdates        atomic.Uint64
	contentionStarted atomic.Uint64
}

// -------------------------------------------------------------------------
// Machine
// -------------------------------------------------------------------------

// Machine is the CSMA/ARQ protocol state machine of one node.
//
// Every entry point (Start, Send, FrameArrived, ReceptionStarted,
// ReceptionFailed, TransmitComplete, TimerExpired) runs to completion.
// Calling an entry point while another is executing panics with
// ErrInvariant. Upper-layer notifications are queued during an event and
// delivered once it finishes, so Upper may call Send from SendCompleted.
//
// Apart from Stats, accessors must be called from the goroutine that
// delivers events.
type Machine struct {
	id     NodeID
	params Params

	radio  Radio
	timers Timers
	clock  Clock
	upper  Upper

	metrics MetricsReporter
	logger  *slog.Logger
	rng     *rand.Rand

	state     protoState
	receiving bool

	ackTo    NodeID
	hasAckTo bool

	arq     *ARQ
	backoff *Backoff
	nav     NAV

	inEvent bool
	failed  bool
	upcalls []func()

	stats counters
}

// NewMachine validates params and builds a Machine for node id. The machine
// starts Idle; call Start to put the radio into its initial mode.
func NewMachine(id NodeID, params Params, env Env, logger *slog.Logger, opts ...Option) (*Machine, error) {
	if id.IsBroadcast() {
		return nil, fmt.Errorf("new machine: %w", ErrInvalidNodeID)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("new machine %s: %w", id, err)
	}
	if env.Radio == nil || env.Timers == nil || env.Clock == nil || env.Upper == nil {
		return nil, fmt.Errorf("new machine %s: %w", id, ErrNilCollaborator)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		id:      id,
		params:  params,
		radio:   env.Radio,
		timers:  env.Timers,
		clock:   env.Clock,
		upper:   env.Upper,
		metrics: noopMetrics{},
		rng:     newRand(id),
		state:   idleState{},
		arq:     NewARQ(params.MaxRetries),
		backoff: NewBackoff(params.BaseContendWindow, params.MaxContendWindow),
		logger:  logger.With(slog.String("node", id.String())),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.metrics.SetBackoffWindow(m.id, m.backoff.Window())
	m.metrics.SetNAVBusy(m.id, false)

	return m, nil
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// ID returns the local node id.
func (m *Machine) ID() NodeID { return m.id }

// Params returns the protocol parameters.
func (m *Machine) Params() Params { return m.params }

// State returns the current protocol state.
func (m *Machine) State() State { return m.state.kind() }

// Next returns the pending next action, or NextNone.
func (m *Machine) Next() NextAction { return pendingOf(m.state) }

// NAV returns the virtual carrier sense state.
func (m *Machine) NAV() NavState { return m.nav.State() }

// NAVDeadline returns the absolute end of the NAV reservation.
func (m *Machine) NAVDeadline() time.Duration { return m.nav.Deadline() }

// BackoffWindow returns the current DATA contention window.
func (m *Machine) BackoffWindow() time.Duration { return m.backoff.Window() }

// Receiving reports whether a reception is in progress.
func (m *Machine) Receiving() bool { return m.receiving }

// Pending returns a copy of the outbound packet, if any.
func (m *Machine) Pending() (Outbound, bool) {
	tx := m.arq.Pending()
	if tx == nil {
		return Outbound{}, false
	}
	return *tx, true
}

// Stats returns a snapshot of the machine's counters. Safe for concurrent use.
func (m *Machine) Stats() Stats {
	return Stats{
		DataSent:          m.stats.dataSent.Load(),
		AcksSent:          m.stats.acksSent.Load(),
		Delivered:         m.stats.delivered.Load(),
		DroppedBusy:       m.stats.droppedBusy.Load(),
		DroppedRetries:    m.stats.droppedRetries.Load(),
		Received:          m.stats.received.Load(),
		AcksReceived:      m.stats.acksReceived.Load(),
		Overheard:         m.stats.overheard.Load(),
		UnsolicitedAcks:   m.stats.unsolicitedAcks.Load(),
		ContentionAborts:  m.stats.contentionAborts.Load(),
		FailedAckRounds:   m.stats.failedAckRounds.Load(),
		NAVUpdates:        m.stats.navUpdates.Load(),
		ContentionStarted: m.stats.contentionStarted.Load(),
	}
}

// -------------------------------------------------------------------------
// Event Entry Points
// -------------------------------------------------------------------------

// Start puts the radio into its initial mode.
func (m *Machine) Start() {
	m.enter()
	defer m.leave()

	m.logger.Debug("machine started",
		slog.Duration("base_window", m.params.BaseContendWindow),
		slog.Int("max_retries", m.params.MaxRetries),
	)
	m.evalState()
}

// Send offers a packet for transmission to dst (a node id or Broadcast).
//
// If a packet is already in flight the new one is dropped: Send returns
// ErrBusy and SendCompleted reports OutcomeDroppedBusy. Self-addressed and
// oversize packets are rejected without touching any state.
func (m *Machine) Send(payload []byte, dst NodeID) error {
	if dst == m.id {
		return fmt.Errorf("send to %s: %w", dst, ErrSelfAddressed)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("send %d bytes to %s: %w", len(payload), dst, ErrPayloadTooLarge)
	}

	m.enter()
	defer m.leave()

	if _, err := m.arq.Accept(payload, dst); err != nil {
		m.logger.Info("dropping packet, transmission already pending",
			slog.String("dst", dst.String()),
			slog.Int("size", len(payload)),
		)
		m.report(payload, OutcomeDroppedBusy)
		return fmt.Errorf("send to %s: %w", dst, err)
	}

	m.logger.Debug("packet accepted",
		slog.String("dst", dst.String()),
		slog.Int("size", len(payload)),
	)
	m.evalState()
	return nil
}

// FrameArrived handles a frame decoded by the radio.
func (m *Machine) FrameArrived(f *Frame) {
	m.enter()
	defer m.leave()

	m.receiving = false

	// Anything but our ACK while waiting ends the round as a failure.
	if _, ok := m.state.(waitingForAckState); ok && (f.Kind != FrameAck || f.Dst != m.id) {
		m.stats.failedAckRounds.Add(1)
		m.logger.Debug("unexpected frame while waiting for ack",
			slog.String("kind", f.Kind.String()),
			slog.String("src", f.Src.String()),
			slog.String("dst", f.Dst.String()),
		)
		m.increaseBackoff()
		m.timers.Cancel(TimerProtocol)
		m.setState(idleState{})
	}

	switch f.Kind {
	case FrameAck:
		m.receiveAck(f)
	case FrameData:
		m.receiveData(f)
	default:
		m.fail("frame arrived with kind %s", f.Kind)
	}

	m.evalState()
}

// ReceptionStarted handles the radio locking onto an incoming frame.
// A contention round in progress is abandoned.
func (m *Machine) ReceptionStarted() {
	m.enter()
	defer m.leave()

	m.receiving = true
	if st, ok := m.state.(contendingState); ok {
		m.logger.Debug("reception started, contention cancelled",
			slog.String("next", st.next.String()),
		)
		m.timers.Cancel(TimerProtocol)
		m.setState(idleState{})
	}
}

// ReceptionFailed handles a reception that ended without a decodable frame.
func (m *Machine) ReceptionFailed() {
	m.enter()
	defer m.leave()

	m.receiving = false
	m.evalState()
}

// TransmitComplete handles the radio finishing a transmission.
func (m *Machine) TransmitComplete() {
	m.enter()
	defer m.leave()

	switch st := m.state.(type) {
	case sendingAckState:
		m.setIdle()

	case sendingDataState:
		if m.arq.Pending() == nil {
			m.fail("data transmission completed with no outbound packet")
		}
		switch st.next {
		case NextWaitForAck:
			m.setState(waitingForAckState{})
			m.radio.SetListen()
			m.timers.Schedule(m.params.AckWaitTimeout, TimerProtocol)
		case NextIdle:
			m.complete(OutcomeSuccess)
			m.setIdle()
		default:
			m.fail("data transmission completed with next action %s", st.next)
		}

	default:
		m.fail("transmit complete in state %s", m.state.kind())
	}
}

// TimerExpired handles expiry of a timer slot.
func (m *Machine) TimerExpired(id TimerID) {
	m.enter()
	defer m.leave()

	switch id {
	case TimerProtocol:
		m.protocolTimeout()
	case TimerNav:
		m.navTimeout()
	default:
		m.fail("unknown timer %s", id)
	}
}

// -------------------------------------------------------------------------
// Frame Reception
// -------------------------------------------------------------------------

func (m *Machine) receiveAck(f *Frame) {
	if f.Dst != m.id {
		m.stats.overheard.Add(1)
		m.metrics.IncFramesOverheard(m.id, FrameAck)
		return
	}

	m.stats.acksReceived.Add(1)
	m.metrics.IncFramesReceived(m.id, FrameAck)

	tx := m.arq.Pending()
	if _, waiting := m.state.(waitingForAckState); !waiting || tx == nil || f.Src != tx.Dst {
		m.stats.unsolicitedAcks.Add(1)
		m.logger.Debug("ignoring unsolicited ack",
			slog.String("src", f.Src.String()),
			slog.String("state", m.state.kind().String()),
		)
		return
	}

	m.timers.Cancel(TimerProtocol)
	m.resetBackoff()
	m.complete(OutcomeSuccess)
	m.setIdle()
}

func (m *Machine) receiveData(f *Frame) {
	switch {
	case f.Dst == m.id:
		m.stats.received.Add(1)
		m.metrics.IncFramesReceived(m.id, FrameData)
		m.ackTo = f.Src
		m.hasAckTo = true
		m.notifyReceived(f.Payload, f.Src)
		m.startContending(NextSendAck, m.params.AckContendWindow)

	case f.Dst.IsBroadcast():
		m.stats.received.Add(1)
		m.metrics.IncFramesReceived(m.id, FrameData)
		m.forceIdle()
		m.notifyReceived(f.Payload, f.Src)

	default:
		m.stats.overheard.Add(1)
		m.metrics.IncFramesOverheard(m.id, FrameData)
		m.forceIdle()
		m.updateNAV(m.params.AckExtend)
	}
}

// -------------------------------------------------------------------------
// Timeouts
// -------------------------------------------------------------------------

func (m *Machine) protocolTimeout() {
	switch st := m.state.(type) {
	case contendingState:
		if m.receiving {
			m.fail("contention expired while receiving")
		}
		if m.nav.Busy() {
			m.fail("contention expired while NAV busy")
		}

		m.radio.SetListen()
		if energy := m.radio.SampleChannelEnergy(); energy > m.params.ChannelBusyThreshold {
			m.stats.contentionAborts.Add(1)
			m.metrics.IncContentionAborts(m.id)
			m.logger.Debug("channel busy at end of contention",
				slog.Float64("energy", energy),
				slog.String("next", st.next.String()),
			)
			m.setIdle()
			return
		}

		switch st.next {
		case NextSendAck:
			m.sendAck()
		case NextSendData:
			m.sendData()
		default:
			m.fail("contention won with next action %s", st.next)
		}

	case waitingForAckState:
		tx := m.arq.Pending()
		if tx == nil {
			m.fail("ack timeout with no outbound packet")
		}
		m.stats.failedAckRounds.Add(1)

		if m.arq.Timeout() {
			m.logger.Info("retries exhausted, dropping packet",
				slog.String("dst", tx.Dst.String()),
				slog.Int("attempts", tx.Attempts()),
			)
			m.complete(OutcomeDroppedRetriesExhausted)
			m.setIdle()
			return
		}

		m.logger.Debug("ack timeout, retrying",
			slog.String("dst", tx.Dst.String()),
			slog.Int("retries_left", tx.Retries()),
		)
		m.increaseBackoff()
		m.setIdle()

	default:
		m.fail("protocol timer expired in state %s", m.state.kind())
	}
}

func (m *Machine) navTimeout() {
	if !m.nav.Busy() {
		m.fail("NAV timer expired while NAV clear")
	}
	m.nav.Clear()
	m.metrics.SetNAVBusy(m.id, false)
	m.logger.Debug("NAV cleared")
	m.evalState()
}

// -------------------------------------------------------------------------
// State Helpers
// -------------------------------------------------------------------------

// evalState makes every idle-time radio decision.
func (m *Machine) evalState() {
	if m.state.kind() != StateIdle || m.receiving {
		return
	}

	switch {
	case m.nav.Busy():
		m.radio.SetSleep()
	case m.arq.Pending() != nil:
		m.startContending(NextSendData, m.backoff.Window())
	default:
		m.radio.SetListen()
	}
}

func (m *Machine) setIdle() {
	m.setState(idleState{})
	m.evalState()
}

// forceIdle leaves any contention round without re-evaluating.
func (m *Machine) forceIdle() {
	if _, ok := m.state.(contendingState); ok {
		m.timers.Cancel(TimerProtocol)
	}
	m.setState(idleState{})
}

func (m *Machine) setState(st protoState) {
	from := m.state.kind()
	m.state = st
	to := st.kind()
	if from == to {
		return
	}

	m.metrics.RecordStateTransition(m.id, from, to)
	m.logger.Debug("state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("next", pendingOf(st).String()),
	)
}

func (m *Machine) startContending(next NextAction, window time.Duration) {
	if next != NextSendData && next != NextSendAck {
		m.fail("contention started with next action %s", next)
	}
	if window < m.params.MinContendWindow {
		m.fail("contention window %v below minimum %v", window, m.params.MinContendWindow)
	}

	if m.nav.Busy() {
		m.logger.Debug("NAV busy, abandoning contention",
			slog.String("next", next.String()),
			slog.Duration("nav_deadline", m.nav.Deadline()),
		)
		m.setIdle()
		return
	}

	delay := m.drawDelay(window)
	m.stats.contentionStarted.Add(1)
	m.setState(contendingState{next: next})
	m.radio.SetListen()
	m.timers.Schedule(delay, TimerProtocol)
}

// newRand returns a contention source seeded from id and the wall clock.
func newRand(id NodeID) *rand.Rand {
	//nolint:gosec // G404: contention jitter is not security sensitive.
	return rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano())))
}

// drawDelay returns a uniform delay in [MinContendWindow, window].
func (m *Machine) drawDelay(window time.Duration) time.Duration {
	lo := m.params.MinContendWindow
	return lo + time.Duration(m.rng.Int64N(int64(window-lo)+1))
}

func (m *Machine) updateNAV(d time.Duration) {
	if !m.nav.Update(m.clock.Now(), d) {
		return
	}
	m.stats.navUpdates.Add(1)
	m.timers.Schedule(d, TimerNav)
	m.metrics.SetNAVBusy(m.id, true)
	m.logger.Debug("NAV extended",
		slog.Duration("duration", d),
		slog.Duration("deadline", m.nav.Deadline()),
	)
}

func (m *Machine) increaseBackoff() {
	w := m.backoff.Increase()
	m.metrics.SetBackoffWindow(m.id, w)
}

func (m *Machine) resetBackoff() {
	m.backoff.Reset()
	m.metrics.SetBackoffWindow(m.id, m.backoff.Window())
}

// -------------------------------------------------------------------------
// Transmission
// -------------------------------------------------------------------------

func (m *Machine) sendAck() {
	if !m.hasAckTo {
		m.fail("ack send with no target")
	}

	f := &Frame{Kind: FrameAck, Src: m.id, Dst: m.ackTo}
	m.hasAckTo = false

	m.setState(sendingAckState{})
	m.radio.SetTransmit()
	m.radio.StartTransmit(f)

	m.stats.acksSent.Add(1)
	m.metrics.IncFramesSent(m.id, FrameAck)
}

func (m *Machine) sendData() {
	tx := m.arq.Pending()
	if tx == nil {
		m.fail("data send with no outbound packet")
	}

	next := NextWaitForAck
	if tx.Dst.IsBroadcast() {
		next = NextIdle
	}

	f := &Frame{
		Kind:    FrameData,
		Src:     m.id,
		Dst:     tx.Dst,
		Payload: append([]byte(nil), tx.Payload...),
	}

	m.arq.Attempt()
	m.setState(sendingDataState{next: next})
	m.radio.SetTransmit()
	m.radio.StartTransmit(f)

	m.stats.dataSent.Add(1)
	m.metrics.IncFramesSent(m.id, FrameData)
	m.logger.Debug("data frame on air",
		slog.String("dst", tx.Dst.String()),
		slog.Int("attempt", tx.Attempts()),
	)
}

// complete releases the outbound packet with its terminal outcome.
func (m *Machine) complete(outcome Outcome) {
	tx := m.arq.Release()
	m.report(tx.Payload, outcome)
}

// report accounts for a terminal outcome and queues the completion upcall.
// Every payload offered to Send passes through here exactly once.
func (m *Machine) report(payload []byte, outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		m.stats.delivered.Add(1)
	case OutcomeDroppedRetriesExhausted:
		m.stats.droppedRetries.Add(1)
	case OutcomeDroppedBusy:
		m.stats.droppedBusy.Add(1)
	}
	m.metrics.RecordSendOutcome(m.id, outcome)
	m.notifySent(payload, outcome)
}

// -------------------------------------------------------------------------
// Event Discipline
// -------------------------------------------------------------------------

func (m *Machine) enter() {
	if m.inEvent {
		m.fail("reentrant event delivery")
	}
	m.inEvent = true
}

// leave ends the current event and flushes queued upper-layer notifications.
// A notification may start a new event (typically Send).
func (m *Machine) leave() {
	m.inEvent = false
	if m.failed {
		return
	}
	for len(m.upcalls) > 0 {
		call := m.upcalls[0]
		m.upcalls = m.upcalls[1:]
		call()
	}
}

func (m *Machine) notifySent(payload []byte, outcome Outcome) {
	m.upcalls = append(m.upcalls, func() {
		m.upper.SendCompleted(payload, outcome)
	})
}

func (m *Machine) notifyReceived(payload []byte, src NodeID) {
	data := append([]byte(nil), payload...)
	m.upcalls = append(m.upcalls, func() {
		m.upper.DeliverReceived(data, src)
	})
}

// fail logs and panics with an error wrapping ErrInvariant.
func (m *Machine) fail(format string, args ...any) {
	m.failed = true
	err := fmt.Errorf("node %s: %s: %w", m.id, fmt.Sprintf(format, args...), ErrInvariant)
	m.logger.Error("protocol invariant violated",
		slog.String("error", err.Error()),
		slog.String("state", m.state.kind().String()),
	)
	panic(err)
}
