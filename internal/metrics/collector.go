package csmametrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gocsma/internal/mac"
	"github.com/dantte-lp/gocsma/internal/sim"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace    = "gocsma"
	subsystem    = "mac"
	simSubsystem = "sim"
)

// Label names for MAC metrics.
const (
	labelNode      = "node"
	labelKind      = "kind"
	labelOutcome   = "outcome"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector: Prometheus MAC Metrics
// -------------------------------------------------------------------------

// Collector holds all MAC Prometheus metrics and implements
// mac.MetricsReporter. One Collector serves every machine in a process;
// each series carries the node id.
type Collector struct {
	// FramesSent counts frames handed to the radio, by frame kind.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts frames addressed to the node (or broadcast).
	FramesReceived *prometheus.CounterVec

	// FramesOverheard counts frames addressed to other nodes.
	FramesOverheard *prometheus.CounterVec

	// SendOutcomes counts terminal dispositions of outbound packets.
	SendOutcomes *prometheus.CounterVec

	// StateTransitions counts protocol state changes, labeled with the old
	// and new state.
	StateTransitions *prometheus.CounterVec

	// ContentionAborts counts contention rounds abandoned on channel energy.
	ContentionAborts *prometheus.CounterVec

	// BackoffWindow is the current DATA contention window in seconds.
	BackoffWindow *prometheus.GaugeVec

	// NAVBusy is 1 while the node defers on virtual carrier sense.
	NAVBusy *prometheus.GaugeVec

	// DutyCycle is the fraction of simulated time the radio was awake.
	DutyCycle *prometheus.GaugeVec

	// SimulatedSeconds is the virtual time reached by the last run.
	SimulatedSeconds prometheus.Gauge
}

// NewCollector creates a Collector with all MAC metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// MAC metrics use the "gocsma_mac_" prefix, run summaries "gocsma_sim_".
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesSent,
		c.FramesReceived,
		c.FramesOverheard,
		c.SendOutcomes,
		c.StateTransitions,
		c.ContentionAborts,
		c.BackoffWindow,
		c.NAVBusy,
		c.DutyCycle,
		c.SimulatedSeconds,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	nodeLabels := []string{labelNode}
	frameLabels := []string{labelNode, labelKind}
	outcomeLabels := []string{labelNode, labelOutcome}
	transitionLabels := []string{labelNode, labelFromState, labelToState}

	return &Collector{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total frames transmitted.",
		}, frameLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total frames received for this node or broadcast.",
		}, frameLabels),

		FramesOverheard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_overheard_total",
			Help:      "Total frames received that were addressed to another node.",
		}, frameLabels),

		SendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_outcomes_total",
			Help:      "Total outbound packets by terminal outcome.",
		}, outcomeLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total MAC protocol state transitions.",
		}, transitionLabels),

		ContentionAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "contention_aborts_total",
			Help:      "Total contention rounds abandoned because the channel was busy.",
		}, nodeLabels),

		BackoffWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backoff_window_seconds",
			Help:      "Current DATA contention window.",
		}, nodeLabels),

		NAVBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nav_busy",
			Help:      "Whether the network allocation vector is busy (1) or clear (0).",
		}, nodeLabels),

		DutyCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: simSubsystem,
			Name:      "radio_duty_cycle_ratio",
			Help:      "Fraction of simulated time the radio spent listening or transmitting.",
		}, nodeLabels),

		SimulatedSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: simSubsystem,
			Name:      "simulated_seconds",
			Help:      "Virtual time reached by the last simulation run.",
		}),
	}
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent implements mac.MetricsReporter.
func (c *Collector) IncFramesSent(node mac.NodeID, kind mac.FrameKind) {
	c.FramesSent.WithLabelValues(node.String(), kind.String()).Inc()
}

// IncFramesReceived implements mac.MetricsReporter.
func (c *Collector) IncFramesReceived(node mac.NodeID, kind mac.FrameKind) {
	c.FramesReceived.WithLabelValues(node.String(), kind.String()).Inc()
}

// IncFramesOverheard implements mac.MetricsReporter.
func (c *Collector) IncFramesOverheard(node mac.NodeID, kind mac.FrameKind) {
	c.FramesOverheard.WithLabelValues(node.String(), kind.String()).Inc()
}

// -------------------------------------------------------------------------
// Protocol Events
// -------------------------------------------------------------------------

// RecordSendOutcome implements mac.MetricsReporter.
func (c *Collector) RecordSendOutcome(node mac.NodeID, outcome mac.Outcome) {
	c.SendOutcomes.WithLabelValues(node.String(), outcome.String()).Inc()
}

// RecordStateTransition increments the state transition counter with the
// old and new state labels.
func (c *Collector) RecordStateTransition(node mac.NodeID, from, to mac.State) {
	c.StateTransitions.WithLabelValues(node.String(), from.String(), to.String()).Inc()
}

// IncContentionAborts implements mac.MetricsReporter.
func (c *Collector) IncContentionAborts(node mac.NodeID) {
	c.ContentionAborts.WithLabelValues(node.String()).Inc()
}

// SetBackoffWindow implements mac.MetricsReporter.
func (c *Collector) SetBackoffWindow(node mac.NodeID, window time.Duration) {
	c.BackoffWindow.WithLabelValues(node.String()).Set(window.Seconds())
}

// SetNAVBusy implements mac.MetricsReporter.
func (c *Collector) SetNAVBusy(node mac.NodeID, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	c.NAVBusy.WithLabelValues(node.String()).Set(v)
}

// -------------------------------------------------------------------------
// Run Summary
// -------------------------------------------------------------------------

// ObserveReport publishes the end-of-run radio figures.
func (c *Collector) ObserveReport(r *sim.Report) {
	for _, n := range r.Nodes {
		c.DutyCycle.WithLabelValues(n.ID.String()).Set(n.Radio.DutyCycle)
	}
	c.SimulatedSeconds.Set(r.Duration.Seconds())
}
