package mac

import "time"

// MetricsReporter receives protocol events for export. Implementations must
// be safe for concurrent use when shared between machines on different
// goroutines.
type MetricsReporter interface {
	// IncFramesSent counts a frame handed to the radio.
	IncFramesSent(node NodeID, kind FrameKind)

	// IncFramesReceived counts a frame accepted by this node.
	IncFramesReceived(node NodeID, kind FrameKind)

	// IncFramesOverheard counts a frame addressed to another node.
	IncFramesOverheard(node NodeID, kind FrameKind)

	// RecordSendOutcome counts the terminal disposition of an outbound packet.
	RecordSendOutcome(node NodeID, outcome Outcome)

	// RecordStateTransition counts a protocol state change.
	RecordStateTransition(node NodeID, from, to State)

	// IncContentionAborts counts contention rounds lost to channel energy.
	IncContentionAborts(node NodeID)

	// SetBackoffWindow publishes the current DATA contention window.
	SetBackoffWindow(node NodeID, window time.Duration)

	// SetNAVBusy publishes the virtual carrier sense state.
	SetNAVBusy(node NodeID, busy bool)
}

// noopMetrics discards every event.
type noopMetrics struct{}

func (noopMetrics) IncFramesSent(NodeID, FrameKind)            {}
func (noopMetrics) IncFramesReceived(NodeID, FrameKind)        {}
func (noopMetrics) IncFramesOverheard(NodeID, FrameKind)       {}
func (noopMetrics) RecordSendOutcome(NodeID, Outcome)          {}
func (noopMetrics) RecordStateTransition(NodeID, State, State) {}
func (noopMetrics) IncContentionAborts(NodeID)                 {}
func (noopMetrics) SetBackoffWindow(NodeID, time.Duration)     {}
func (noopMetrics) SetNAVBusy(NodeID, bool)                    {}
