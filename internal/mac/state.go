package mac

import "fmt"

// -------------------------------------------------------------------------
// Protocol State
// -------------------------------------------------------------------------

// State is the externally visible protocol state of a Machine.
type State uint8

const (
	// StateIdle means no contention, transmission or ACK wait is in progress.
	StateIdle State = iota

	// StateContending means a randomized contention timer is armed.
	StateContending

	// StateSendingData means a DATA frame is on air.
	StateSendingData

	// StateSendingAck means an ACK frame is on air.
	StateSendingAck

	// StateWaitingForAck means a unicast DATA frame was sent and the ARQ
	// timer is armed.
	StateWaitingForAck
)

// stateNames maps state values to human-readable strings.
var stateNames = [5]string{
	"Idle",
	"Contending",
	"SendingData",
	"SendingAck",
	"WaitingForAck",
}

// String returns the human-readable name for the protocol state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, s)
}

// -------------------------------------------------------------------------
// Pending Next Action
// -------------------------------------------------------------------------

// NextAction is the action a Machine takes once the current contention round
// or DATA transmission completes.
type NextAction uint8

const (
	// NextNone means nothing is pending.
	NextNone NextAction = iota

	// NextSendData transmits the outbound DATA frame when contention is won.
	NextSendData

	// NextSendAck transmits an ACK when contention is won.
	NextSendAck

	// NextWaitForAck arms the ARQ timer after a unicast DATA transmission.
	NextWaitForAck

	// NextIdle completes a broadcast DATA transmission immediately.
	NextIdle
)

// nextActionNames maps next actions to human-readable strings.
var nextActionNames = [5]string{
	"None",
	"SendData",
	"SendAck",
	"WaitForAck",
	"Idle",
}

// String returns the human-readable name for the next action.
func (a NextAction) String() string {
	if int(a) < len(nextActionNames) {
		return nextActionNames[a]
	}
	return fmt.Sprintf(unknownFmt, a)
}

// -------------------------------------------------------------------------
// NAV State
// -------------------------------------------------------------------------

// NavState is the virtual carrier sense state.
type NavState uint8

const (
	// NavClear means no overheard exchange is reserving the medium.
	NavClear NavState = iota

	// NavBusy means the medium is reserved until the NAV deadline.
	NavBusy
)

// String returns the human-readable name for the NAV state.
func (n NavState) String() string {
	switch n {
	case NavClear:
		return "Clear"
	case NavBusy:
		return "Busy"
	default:
		return fmt.Sprintf(unknownFmt, n)
	}
}

// -------------------------------------------------------------------------
// Timer Identifiers
// -------------------------------------------------------------------------

// TimerID names one of the two timer slots a Machine uses.
type TimerID uint8

const (
	// TimerProtocol drives contention expiry and the ARQ timeout.
	TimerProtocol TimerID = iota

	// TimerNav fires when the NAV reservation ends.
	TimerNav
)

// String returns the human-readable name for the timer slot.
func (id TimerID) String() string {
	switch id {
	case TimerProtocol:
		return "Protocol"
	case TimerNav:
		return "Nav"
	default:
		return fmt.Sprintf(unknownFmt, id)
	}
}

// -------------------------------------------------------------------------
// Send Outcome
// -------------------------------------------------------------------------

// Outcome is the terminal disposition of an outbound packet, reported
// through Upper.SendCompleted.
type Outcome uint8

const (
	// OutcomeSuccess means the packet was acknowledged, or was a broadcast
	// that finished transmitting.
	OutcomeSuccess Outcome = iota

	// OutcomeDroppedBusy means another packet was already in flight.
	OutcomeDroppedBusy

	// OutcomeDroppedRetriesExhausted means no ACK arrived after every retry.
	OutcomeDroppedRetriesExhausted
)

// outcomeNames maps outcomes to human-readable strings.
var outcomeNames = [3]string{
	"Success",
	"DroppedBusy",
	"DroppedRetriesExhausted",
}

// String returns the human-readable name for the outcome.
func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf(unknownFmt, o)
}

// -------------------------------------------------------------------------
// Internal State Representation
// -------------------------------------------------------------------------

// protoState is the active protocol state together with the data only that
// state may carry. Each variant is its own type, so a Contending state
// without a pending action cannot be built.
type protoState interface {
	kind() State
}

type idleState struct{}

// contendingState carries the action to take when contention is won.
type contendingState struct {
	next NextAction
}

// sendingDataState carries the disposition once the DATA frame is on air.
type sendingDataState struct {
	next NextAction
}

type sendingAckState struct{}

type waitingForAckState struct{}

func (idleState) kind() State          { return StateIdle }
func (contendingState) kind() State    { return StateContending }
func (sendingDataState) kind() State   { return StateSendingData }
func (sendingAckState) kind() State    { return StateSendingAck }
func (waitingForAckState) kind() State { return StateWaitingForAck }

// pendingOf returns the pending next action carried by st, if any.
func pendingOf(st protoState) NextAction {
	switch s := st.(type) {
	case contendingState:
		return s.next
	case sendingDataState:
		return s.next
	default:
		return NextNone
	}
}
